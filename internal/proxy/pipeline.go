package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/zhangz-2018/cc-switch/internal/adapters"
	"github.com/zhangz-2018/cc-switch/internal/config"
	"github.com/zhangz-2018/cc-switch/internal/memory"
	"github.com/zhangz-2018/cc-switch/internal/monitoring"
	"github.com/zhangz-2018/cc-switch/internal/store"
	"github.com/zhangz-2018/cc-switch/internal/usage"
)

// Pipeline relays a delivered upstream response to the client and emits
// exactly one usage record per request, streamed or not, success or failure.
type Pipeline struct {
	usageLogger *usage.Logger
	resolver    *usage.CostResolver
	memories    memory.Recorder
	metrics     *monitoring.Metrics
}

func NewPipeline(logger *usage.Logger, resolver *usage.CostResolver, memories memory.Recorder, metrics *monitoring.Metrics) *Pipeline {
	return &Pipeline{
		usageLogger: logger,
		resolver:    resolver,
		memories:    memories,
		metrics:     metrics,
	}
}

// Relay classifies the response by Content-Type and hands it to the right
// relay. The request-side stream flag is advisory only; what the upstream
// actually sent decides.
func (pl *Pipeline) Relay(w http.ResponseWriter, rc *RequestContext, res *ForwardResult) {
	ct := res.Response.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		pl.relayStream(w, rc, res)
		return
	}
	pl.relayBuffered(w, rc, res)
}

// RecordFailure emits the usage row for a request no provider could serve.
// Failed requests are recorded too so the ledger shows what the client
// experienced, not just what succeeded.
func (pl *Pipeline) RecordFailure(rc *RequestContext, err error) {
	provider := store.Provider{}
	var fe *ForwardError
	if errors.As(err, &fe) {
		provider.ID = fe.ProviderID
		provider.Name = fe.ProviderName
	}
	fin := pl.newFinalizer(rc, provider, false)
	fin.finish(usage.TokenUsage{}, ErrorStatus(err), -1, err)
}

// ----------------------------------------------------------------------------
// Buffered responses
// ----------------------------------------------------------------------------

func (pl *Pipeline) relayBuffered(w http.ResponseWriter, rc *RequestContext, res *ForwardResult) {
	resp := res.Response
	defer func() { _ = resp.Body.Close() }()

	fin := pl.newFinalizer(rc, res.Provider, false)

	body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxRequestBodySize))
	if err != nil {
		// Headers may not have been sent yet; surface a gateway error.
		WriteError(w, &ForwardError{
			ProviderID:   res.Provider.ID,
			ProviderName: res.Provider.Name,
			Attempts:     1,
			Err:          err,
		})
		fin.finish(usage.TokenUsage{}, http.StatusBadGateway, -1, err)
		return
	}

	if tr, ok := rc.Adapter.(adapters.ResponseTransformer); ok && tr.NeedsTransform(res.Provider.SettingsJSON) {
		transformed, terr := tr.TransformResponse(body)
		if terr != nil {
			werr := fmt.Errorf("%w: %v", ErrTransform, terr)
			WriteError(w, werr)
			fin.finish(usage.TokenUsage{}, ErrorStatus(werr), -1, werr)
			return
		}
		body = transformed
		resp.Header.Del("Content-Length")
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	u := usage.ParseJSON(rc.App, body)
	fin.replyText = memory.ReplyText(rc.App, body)
	fin.finish(u, resp.StatusCode, -1, nil)
}

// ----------------------------------------------------------------------------
// Streamed responses
// ----------------------------------------------------------------------------

type chunk struct {
	data []byte
	err  error
}

func (pl *Pipeline) relayStream(w http.ResponseWriter, rc *RequestContext, res *ForwardResult) {
	resp := res.Response
	_, firstByte, idle := rc.AppConfig.EffectiveTimeouts()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)

	parser := usage.NewSSEParser(rc.App)
	fin := pl.newFinalizer(rc, res.Provider, true)

	// Reader goroutine so timeouts can interrupt a stalled upstream read.
	ch := make(chan chunk, 1)
	go func() {
		defer close(ch)
		buf := make([]byte, config.DefaultBufferSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				ch <- chunk{data: data}
			}
			if err != nil {
				if err != io.EOF {
					ch <- chunk{err: err}
				}
				return
			}
		}
	}()

	var (
		timer        *time.Timer
		timerC       <-chan time.Time
		firstTokenMS int64 = -1
		sawChunk     bool
	)
	if firstByte > 0 {
		timer = time.NewTimer(firstByte)
		timerC = timer.C
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()
	// Closing the body fails the reader's next Read; draining the channel
	// then unblocks any send it has in flight so the goroutine always exits.
	defer func() {
		_ = resp.Body.Close()
		for range ch {
		}
	}()

	for {
		select {
		case c, ok := <-ch:
			if !ok {
				// Upstream finished cleanly.
				fin.finish(parser.Usage(), resp.StatusCode, firstTokenMS, nil)
				return
			}
			if c.err != nil {
				fin.finish(parser.Usage(), resp.StatusCode, firstTokenMS, c.err)
				return
			}
			sawChunk = true

			if parser.Feed(c.data) > 0 && firstTokenMS < 0 {
				firstTokenMS = rc.LatencyMS()
				pl.metrics.ObserveFirstToken(string(rc.App), res.Provider.Name,
					time.Duration(firstTokenMS)*time.Millisecond)
			}

			if _, err := w.Write(c.data); err != nil {
				// Client went away; stop relaying.
				fin.finish(parser.Usage(), resp.StatusCode, firstTokenMS, err)
				return
			}
			if canFlush {
				flusher.Flush()
			}

			stopTimer()
			if idle > 0 {
				timer = time.NewTimer(idle)
				timerC = timer.C
			}

		case <-timerC:
			err := ErrFirstByteTimeout
			if sawChunk {
				err = ErrIdleTimeout
			}
			log.Warn().
				Str("app", string(rc.App)).
				Str("provider", res.Provider.Name).
				Bool("mid_stream", sawChunk).
				Msg("stream timed out")
			fin.finish(parser.Usage(), resp.StatusCode, firstTokenMS, err)
			return
		}
	}
}

// ----------------------------------------------------------------------------
// Finalization
// ----------------------------------------------------------------------------

// finalizer emits at most one usage record no matter how many paths race to
// finish a request.
type finalizer struct {
	pl        *Pipeline
	rc        *RequestContext
	provider  store.Provider
	streaming bool
	replyText string
	done      atomic.Bool
}

func (pl *Pipeline) newFinalizer(rc *RequestContext, provider store.Provider, streaming bool) *finalizer {
	return &finalizer{pl: pl, rc: rc, provider: provider, streaming: streaming}
}

func (f *finalizer) finish(u usage.TokenUsage, statusCode int, firstTokenMS int64, streamErr error) {
	if !f.done.CompareAndSwap(false, true) {
		return
	}

	rc := f.rc
	latency := rc.LatencyMS()
	f.pl.metrics.ObserveRequest(string(rc.App), f.provider.Name, statusCode,
		time.Duration(latency)*time.Millisecond)

	// Model fallback chain: the name usage reported, then the request's.
	cost := usage.CostResult{Multiplier: decimal.NewFromInt(1), TotalUSD: decimal.Zero}
	if f.pl.resolver != nil && streamErr == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c, err := f.pl.resolver.Resolve(ctx, f.provider, rc.AppConfig, u, rc.RequestModel)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("pipeline: cost resolution failed")
		} else {
			cost = c
		}
	}

	rec := store.UsageRecord{
		ID:               uuid.NewString(),
		Timestamp:        time.Now(),
		AppType:          rc.App,
		ProviderID:       f.provider.ID,
		ProviderName:     f.provider.Name,
		Model:            u.Model,
		RequestModel:     rc.RequestModel,
		PricingModel:     cost.PricingModel,
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		CostMultiplier:   cost.Multiplier,
		TotalCostUSD:     cost.TotalUSD,
		LatencyMS:        latency,
		FirstTokenMS:     firstTokenMS,
		StatusCode:       statusCode,
		IsStreaming:      f.streaming,
		SessionID:        rc.Session.ID,
	}
	if streamErr != nil {
		rec.Error = streamErr.Error()
	}

	if f.pl.usageLogger != nil {
		f.pl.usageLogger.Enqueue(rec)
	}

	if f.pl.memories != nil && streamErr == nil {
		ex := memory.Exchange{
			ID:        uuid.NewString(),
			SessionID: rc.Session.ID,
			Timestamp: rec.Timestamp,
			AppType:   rc.App,
			Model:     rec.PricingModel,
			UserText:  memory.UserText(rc.App, rc.Body),
			ReplyText: f.replyText,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := f.pl.memories.Record(ctx, ex); err != nil {
				log.Warn().Err(err).Str("session", ex.SessionID).Msg("pipeline: memory write failed")
			}
		}()
	}

	log.Info().
		Str("app", string(rc.App)).
		Str("provider", f.provider.Name).
		Str("model", rec.PricingModel).
		Int("status", statusCode).
		Int64("latency_ms", latency).
		Int64("input_tokens", u.InputTokens).
		Int64("output_tokens", u.OutputTokens).
		Str("cost_usd", rec.TotalCostUSD.String()).
		Bool("stream", f.streaming).
		Msg("request finalized")
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
