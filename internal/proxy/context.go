package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/zhangz-2018/cc-switch/internal/adapters"
	"github.com/zhangz-2018/cc-switch/internal/router"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

// RequestContext carries everything one request needs through the forward
// and response pipeline. It is built exactly once per request, which is also
// the only point that consumes provider selection; retries reuse the chain
// captured here.
type RequestContext struct {
	App     store.AppType
	Adapter adapters.Adapter

	Method   string
	Path     string // upstream-relative path
	RawQuery string
	Header   http.Header
	Body     []byte

	Session      SessionID
	AppConfig    store.AppProxyConfig
	Chain        []router.Candidate
	RequestModel string
	IsStreaming  bool

	Start time.Time
}

// NewRequestContext resolves the app config, extracts session and model,
// and selects the failover chain.
func NewRequestContext(ctx context.Context, st store.Store, rt *router.Router, app store.AppType, r *http.Request, upstreamPath string, body []byte, activeTarget string) (*RequestContext, error) {
	adapter, err := adapters.ForApp(app)
	if err != nil {
		return nil, err
	}

	appCfg, err := st.AppConfig(ctx, app)
	if err != nil {
		return nil, err
	}

	chain, err := rt.SelectProviders(ctx, app, appCfg, activeTarget)
	if err != nil {
		return nil, err
	}

	rc := &RequestContext{
		App:          app,
		Adapter:      adapter,
		Method:       r.Method,
		Path:         upstreamPath,
		RawQuery:     r.URL.RawQuery,
		Header:       r.Header,
		Body:         body,
		Session:      extractSessionID(r.Header, body, app),
		AppConfig:    appCfg,
		Chain:        chain,
		RequestModel: adapter.RequestModel(body, upstreamPath),
		IsStreaming:  requestWantsStream(app, body, upstreamPath),
		Start:        time.Now(),
	}

	log.Debug().
		Str("app", string(app)).
		Str("path", upstreamPath).
		Str("model", rc.RequestModel).
		Str("session", rc.Session.ID).
		Int("chain", len(chain)).
		Bool("stream", rc.IsStreaming).
		Msg("request context built")
	return rc, nil
}

// LatencyMS is the elapsed wall time since the request arrived.
func (rc *RequestContext) LatencyMS() int64 {
	return time.Since(rc.Start).Milliseconds()
}

// requestWantsStream reports whether the client asked for a streamed
// response. Claude and Codex flag it in the body; Gemini encodes it in the
// URI verb.
func requestWantsStream(app store.AppType, body []byte, path string) bool {
	if app == store.AppGemini {
		return strings.Contains(path, ":streamGenerateContent")
	}
	return gjson.GetBytes(body, "stream").Bool()
}
