package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhangz-2018/cc-switch/internal/config"
	"github.com/zhangz-2018/cc-switch/internal/monitoring"
	"github.com/zhangz-2018/cc-switch/internal/router"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

// forwardedHeaders are the inbound headers relayed upstream. Auth headers
// are relayed then overwritten with the provider's own credentials.
var forwardedHeaders = []string{
	"Content-Type", "Accept", "Authorization", "x-api-key", "x-goog-api-key",
	"api-key", "anthropic-version", "anthropic-beta",
}

// ForwardResult is a delivered upstream response and the provider that
// produced it.
type ForwardResult struct {
	Response *http.Response
	Provider store.Provider
}

// Forwarder walks a request's failover chain until some provider delivers
// an HTTP response. Any delivered response ends the walk, error statuses
// included: a 4xx/5xx from a live upstream is an answer, not an outage.
type Forwarder struct {
	client *http.Client
	router *router.Router

	// Metrics is optional; nil skips instrumentation.
	Metrics *monitoring.Metrics
}

// NewForwarder creates a forwarder. A nil client gets a default tuned for
// long-lived streaming responses (no overall client timeout).
func NewForwarder(rt *router.Router, client *http.Client) *Forwarder {
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = config.DefaultDialTimeout
		client = &http.Client{Transport: transport}
	}
	return &Forwarder{client: client, router: rt}
}

// Forward attempts each provider in order. Transport failures advance the
// chain and feed the provider's breaker; the first delivered response wins
// and releases every unattempted trial reservation behind it.
func (f *Forwarder) Forward(ctx context.Context, rc *RequestContext) (*ForwardResult, error) {
	nonStreaming, _, _ := rc.AppConfig.EffectiveTimeouts()

	var (
		lastErr  error
		lastProv store.Provider
	)
	for i, cand := range rc.Chain {
		p := cand.Provider
		lastProv = p
		if i > 0 {
			f.Metrics.ObserveFailover(string(rc.App), p.Name)
		}

		resp, err := f.attempt(ctx, rc, p, nonStreaming)
		if err != nil {
			f.router.RecordResult(cand, false)
			lastErr = err
			log.Warn().Err(err).
				Str("app", string(rc.App)).
				Str("provider", p.Name).
				Int("remaining", len(rc.Chain)-i-1).
				Msg("forward attempt failed")
			continue
		}

		f.router.RecordResult(cand, true)
		f.router.ReleaseUnattempted(rc.Chain[i+1:])

		if resp.StatusCode >= 400 {
			logErrorBody(resp, p.Name)
		}
		return &ForwardResult{Response: resp, Provider: p}, nil
	}

	return nil, &ForwardError{
		ProviderID:   lastProv.ID,
		ProviderName: lastProv.Name,
		Attempts:     len(rc.Chain),
		Err:          lastErr,
	}
}

func (f *Forwarder) attempt(ctx context.Context, rc *RequestContext, p store.Provider, nonStreaming time.Duration) (*http.Response, error) {
	creds, err := rc.Adapter.Credentials(p.SettingsJSON)
	if err != nil {
		return nil, err
	}

	body := rc.Adapter.RewriteRequest(rc.Body, p.SettingsJSON)

	// The non-streaming timeout bounds the whole exchange; streamed
	// requests are governed by the pipeline's first-byte and idle checks
	// instead.
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if !rc.IsStreaming && nonStreaming > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, nonStreaming)
	}

	u := strings.TrimSuffix(creds.BaseURL, "/") + rc.Path
	if rc.RawQuery != "" {
		u += "?" + rc.RawQuery
	}

	req, err := http.NewRequestWithContext(attemptCtx, rc.Method, u, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	for _, h := range forwardedHeaders {
		if v := rc.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	rc.Adapter.ApplyAuth(req.Header, creds.APIKey)

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	// The attempt context must outlive Do: the pipeline still reads the
	// body. Close cancels it once the response is fully consumed.
	resp.Body = &cancelReadCloser{rc: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}

func logErrorBody(resp *http.Response, providerName string) {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxRequestBodySize))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	log.Error().
		Int("status", resp.StatusCode).
		Str("provider", providerName).
		Str("response", string(bodyBytes[:min(config.MaxErrorBodyLogLen, len(bodyBytes))])).
		Msg("upstream error response")
}
