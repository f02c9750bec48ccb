package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhangz-2018/cc-switch/internal/config"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

// Logger persists usage records off the response path. Enqueue never blocks:
// the queue is bounded and overflow drops the record with a warning, because
// a slow disk must not stall a live stream.
type Logger struct {
	store store.Store
	queue chan store.UsageRecord

	// OnDrop, when set, observes every record lost to a full queue.
	OnDrop func()

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLogger starts the background writer. queueSize <= 0 uses the default.
func NewLogger(st store.Store, queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = config.DefaultUsageQueueSize
	}
	l := &Logger{
		store: st,
		queue: make(chan store.UsageRecord, queueSize),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Enqueue hands a record to the writer. It returns false when the queue is
// full and the record was dropped.
func (l *Logger) Enqueue(rec store.UsageRecord) bool {
	select {
	case l.queue <- rec:
		return true
	default:
		if l.OnDrop != nil {
			l.OnDrop()
		}
		log.Warn().
			Str("provider", rec.ProviderID).
			Str("model", rec.Model).
			Msg("usage: queue full, dropping record")
		return false
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for rec := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.store.InsertUsage(ctx, rec); err != nil {
			log.Error().Err(err).
				Str("provider", rec.ProviderID).
				Str("model", rec.Model).
				Msg("usage: failed to persist record")
		}
		cancel()
	}
}

// Close drains the queue and stops the writer. Safe to call twice.
func (l *Logger) Close() {
	l.stopOnce.Do(func() {
		close(l.queue)
		l.wg.Wait()
	})
}
