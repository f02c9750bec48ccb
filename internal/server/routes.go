package server

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/zhangz-2018/cc-switch/internal/config"
	"github.com/zhangz-2018/cc-switch/internal/proxy"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

// Handler builds the full route table. Each CLI reaches the gateway under
// several historical path aliases; they all collapse onto one upstream path
// per app.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	// Claude
	for _, alias := range []string{"/v1/messages", "/claude/v1/messages"} {
		r.HandleFunc(alias, s.proxyHandler(store.AppClaude, staticPath("/v1/messages"))).Methods(http.MethodPost)
	}

	// Codex: chat completions and the responses API, with the doubled /v1
	// aliases some builds emit.
	for _, alias := range []string{
		"/chat/completions", "/v1/chat/completions",
		"/v1/v1/chat/completions", "/codex/v1/chat/completions",
	} {
		r.HandleFunc(alias, s.proxyHandler(store.AppCodex, staticPath("/chat/completions"))).Methods(http.MethodPost)
	}
	for _, alias := range []string{
		"/responses", "/v1/responses",
		"/v1/v1/responses", "/codex/v1/responses",
	} {
		r.HandleFunc(alias, s.proxyHandler(store.AppCodex, staticPath("/responses"))).Methods(http.MethodPost)
	}

	// Gemini keeps its whole subtree; the model lives in the path.
	geminiPath := func(r *http.Request) string {
		return "/v1beta/" + mux.Vars(r)["path"]
	}
	r.HandleFunc("/v1beta/{path:.*}", s.proxyHandler(store.AppGemini, geminiPath)).Methods(http.MethodPost)
	r.HandleFunc("/gemini/v1beta/{path:.*}", s.proxyHandler(store.AppGemini, geminiPath)).Methods(http.MethodPost)

	s.adminRoutes(r.PathPrefix("/admin").Subrouter())

	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	// The CLIs run on localhost but some ship browser-based companions;
	// allow everything, the gateway is loopback-bound anyway.
	return cors.AllowAll().Handler(r)
}

func staticPath(p string) func(*http.Request) string {
	return func(*http.Request) string { return p }
}

func (s *Server) proxyHandler(app store.AppType, upstreamPath func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("failed to read request body")
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		rc, err := proxy.NewRequestContext(r.Context(), s.store, s.router, app, r,
			upstreamPath(r), body, s.ActiveTarget(app))
		if err != nil {
			proxy.WriteError(w, err)
			return
		}

		res, err := s.forwarder.Forward(r.Context(), rc)
		if err != nil {
			s.pipeline.RecordFailure(rc, err)
			proxy.WriteError(w, err)
			return
		}

		// The provider that answered leads the next request's chain, so a
		// failover sticks until that provider degrades in turn.
		s.noteServingProvider(app, res.Provider.ID)
		s.pipeline.Relay(w, rc, res)
	}
}
