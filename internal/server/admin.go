package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/zhangz-2018/cc-switch/internal/breaker"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

func (s *Server) adminRoutes(r *mux.Router) {
	r.HandleFunc("/breakers", s.handleBreakerSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/breakers/config", s.handleGetBreakerConfig).Methods(http.MethodGet)
	r.HandleFunc("/breakers/config", s.handlePutBreakerConfig).Methods(http.MethodPut)
	r.HandleFunc("/breakers/{id}/reset", s.handleResetBreaker).Methods(http.MethodPost)

	r.HandleFunc("/apps/{app}/config", s.handleGetAppConfig).Methods(http.MethodGet)
	r.HandleFunc("/apps/{app}/config", s.handlePutAppConfig).Methods(http.MethodPut)
	r.HandleFunc("/apps/{app}/active-target", s.handlePutActiveTarget).Methods(http.MethodPut)

	r.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)
	r.HandleFunc("/providers", s.handleSaveProvider).Methods(http.MethodPost)
	r.HandleFunc("/providers/{id}", s.handleDeleteProvider).Methods(http.MethodDelete)

	r.HandleFunc("/usage", s.handleRecentUsage).Methods(http.MethodGet)
	r.HandleFunc("/memory/{session}", s.handleSessionMemory).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.activeMu.RLock()
	targets := make(map[string]string, len(s.activeTargets))
	for app, id := range s.activeTargets {
		targets[string(app)] = id
	}
	s.activeMu.RUnlock()

	snaps := s.breakers.Snapshots()
	for _, snap := range snaps {
		s.metrics.SetBreakerState(snap.ProviderID, breakerStateValue(snap.State))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"running":        s.Running(),
		"address":        s.cfg.ListenAddr(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"active_targets": targets,
		"breakers":       snaps,
	})
}

// ----------------------------------------------------------------------------
// Breakers
// ----------------------------------------------------------------------------

func (s *Server) handleBreakerSnapshots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.Snapshots())
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.breakers.Reset(id) {
		writeJSONError(w, http.StatusNotFound, "no breaker for provider "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type breakerConfigPayload struct {
	FailureThreshold   int     `json:"failure_threshold"`
	ErrorRateThreshold float64 `json:"error_rate_threshold"`
	MinRequests        int     `json:"min_requests"`
	CoolDownMS         int64   `json:"cool_down_ms"`
	SuccessThreshold   int     `json:"success_threshold"`
	MaxTrialCalls      int     `json:"max_trial_calls"`
}

func (s *Server) handleGetBreakerConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.BreakerConfig(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, breakerConfigPayload{
		FailureThreshold:   cfg.FailureThreshold,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
		MinRequests:        cfg.MinRequests,
		CoolDownMS:         cfg.CoolDown.Milliseconds(),
		SuccessThreshold:   cfg.SuccessThreshold,
		MaxTrialCalls:      cfg.MaxTrialCalls,
	})
}

func (s *Server) handlePutBreakerConfig(w http.ResponseWriter, r *http.Request) {
	var p breakerConfigPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if p.FailureThreshold <= 0 || p.MaxTrialCalls <= 0 || p.SuccessThreshold <= 0 {
		writeJSONError(w, http.StatusBadRequest, "thresholds must be positive")
		return
	}

	cfg := store.BreakerConfig{
		FailureThreshold:   p.FailureThreshold,
		ErrorRateThreshold: p.ErrorRateThreshold,
		MinRequests:        p.MinRequests,
		CoolDown:           time.Duration(p.CoolDownMS) * time.Millisecond,
		SuccessThreshold:   p.SuccessThreshold,
		MaxTrialCalls:      p.MaxTrialCalls,
	}
	if err := s.store.SaveBreakerConfig(r.Context(), cfg); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Live breakers pick up the tuning without losing state.
	s.breakers.UpdateConfig(cfg)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ----------------------------------------------------------------------------
// App config and active targets
// ----------------------------------------------------------------------------

type appConfigPayload struct {
	AutoFailoverEnabled   bool   `json:"auto_failover_enabled"`
	NonStreamingTimeoutMS int64  `json:"non_streaming_timeout_ms"`
	FirstByteTimeoutMS    int64  `json:"first_byte_timeout_ms"`
	IdleTimeoutMS         int64  `json:"idle_timeout_ms"`
	DefaultCostMultiplier string `json:"default_cost_multiplier"`
	PricingSource         string `json:"pricing_source"`
}

func (s *Server) handleGetAppConfig(w http.ResponseWriter, r *http.Request) {
	app, err := store.ParseAppType(mux.Vars(r)["app"])
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	cfg, err := s.store.AppConfig(r.Context(), app)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, appConfigPayload{
		AutoFailoverEnabled:   cfg.AutoFailoverEnabled,
		NonStreamingTimeoutMS: cfg.NonStreamingTimeout.Milliseconds(),
		FirstByteTimeoutMS:    cfg.FirstByteTimeout.Milliseconds(),
		IdleTimeoutMS:         cfg.IdleTimeout.Milliseconds(),
		DefaultCostMultiplier: cfg.DefaultCostMultiplier.String(),
		PricingSource:         string(cfg.PricingSource),
	})
}

func (s *Server) handlePutAppConfig(w http.ResponseWriter, r *http.Request) {
	app, err := store.ParseAppType(mux.Vars(r)["app"])
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	var p appConfigPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	multiplier, err := decimal.NewFromString(p.DefaultCostMultiplier)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid cost multiplier: "+err.Error())
		return
	}
	source := store.PricingModelSource(p.PricingSource)
	if source != store.PricingFromRequest && source != store.PricingFromResponse {
		writeJSONError(w, http.StatusBadRequest, "pricing_source must be request or response")
		return
	}

	cfg := store.AppProxyConfig{
		AppType:               app,
		AutoFailoverEnabled:   p.AutoFailoverEnabled,
		NonStreamingTimeout:   time.Duration(p.NonStreamingTimeoutMS) * time.Millisecond,
		FirstByteTimeout:      time.Duration(p.FirstByteTimeoutMS) * time.Millisecond,
		IdleTimeout:           time.Duration(p.IdleTimeoutMS) * time.Millisecond,
		DefaultCostMultiplier: multiplier,
		PricingSource:         source,
	}
	if err := s.store.SaveAppConfig(r.Context(), cfg); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handlePutActiveTarget(w http.ResponseWriter, r *http.Request) {
	app, err := store.ParseAppType(mux.Vars(r)["app"])
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	var p struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.SetActiveTarget(r.Context(), app, p.ProviderID); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ----------------------------------------------------------------------------
// Providers
// ----------------------------------------------------------------------------

type providerPayload struct {
	ID             string `json:"id"`
	AppType        string `json:"app_type"`
	Name           string `json:"name"`
	SettingsJSON   string `json:"settings_json"`
	SortIndex      int    `json:"sort_index"`
	Enabled        bool   `json:"enabled"`
	CostMultiplier string `json:"cost_multiplier,omitempty"`
	PricingSource  string `json:"pricing_source,omitempty"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]providerPayload, 0)
	for _, app := range store.AppTypes() {
		providers, err := s.store.ListProviders(r.Context(), app)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, p := range providers {
			pl := providerPayload{
				ID: p.ID, AppType: string(p.AppType), Name: p.Name,
				SettingsJSON: p.SettingsJSON, SortIndex: p.SortIndex,
				Enabled: p.Enabled, PricingSource: string(p.PricingSource),
			}
			if p.CostMultiplier != nil {
				pl.CostMultiplier = p.CostMultiplier.String()
			}
			out = append(out, pl)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSaveProvider(w http.ResponseWriter, r *http.Request) {
	var pl providerPayload
	if err := json.NewDecoder(r.Body).Decode(&pl); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	app, err := store.ParseAppType(pl.AppType)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := store.Provider{
		ID: pl.ID, AppType: app, Name: pl.Name,
		SettingsJSON: pl.SettingsJSON, SortIndex: pl.SortIndex,
		Enabled:       pl.Enabled,
		PricingSource: store.PricingModelSource(pl.PricingSource),
	}
	if pl.CostMultiplier != "" {
		d, err := decimal.NewFromString(pl.CostMultiplier)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid cost multiplier: "+err.Error())
			return
		}
		p.CostMultiplier = &d
	}
	if err := s.store.SaveProvider(r.Context(), p); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteProvider(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.breakers.Remove(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ----------------------------------------------------------------------------
// Usage and memory
// ----------------------------------------------------------------------------

func (s *Server) handleRecentUsage(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.store.RecentUsage(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type usageRow struct {
		ID           string `json:"id"`
		Timestamp    string `json:"timestamp"`
		App          string `json:"app"`
		Provider     string `json:"provider"`
		Model        string `json:"model"`
		InputTokens  int64  `json:"input_tokens"`
		OutputTokens int64  `json:"output_tokens"`
		CostUSD      string `json:"cost_usd"`
		LatencyMS    int64  `json:"latency_ms"`
		FirstTokenMS int64  `json:"first_token_ms"`
		Status       int    `json:"status"`
		Streaming    bool   `json:"streaming"`
		SessionID    string `json:"session_id"`
		Error        string `json:"error,omitempty"`
	}
	out := make([]usageRow, 0, len(records))
	for _, rec := range records {
		out = append(out, usageRow{
			ID:           rec.ID,
			Timestamp:    rec.Timestamp.UTC().Format(time.RFC3339),
			App:          string(rec.AppType),
			Provider:     rec.ProviderName,
			Model:        rec.PricingModel,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			CostUSD:      rec.TotalCostUSD.String(),
			LatencyMS:    rec.LatencyMS,
			FirstTokenMS: rec.FirstTokenMS,
			Status:       rec.StatusCode,
			Streaming:    rec.IsStreaming,
			SessionID:    rec.SessionID,
			Error:        rec.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionMemory(w http.ResponseWriter, r *http.Request) {
	if s.memories == nil {
		writeJSONError(w, http.StatusNotFound, "memory is not enabled")
		return
	}
	exchanges, err := s.memories.BySession(r.Context(), mux.Vars(r)["session"], 50)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exchanges)
}

// ----------------------------------------------------------------------------

func breakerStateValue(state string) int {
	switch state {
	case breaker.Open.String():
		return 1
	case breaker.HalfOpen.String():
		return 2
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}
