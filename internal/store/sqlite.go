package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store on a single SQLite file. WAL mode keeps the
// usage-log writer from blocking config reads on the request path.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex

	closeOnce sync.Once
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS providers (
		id                TEXT PRIMARY KEY,
		app_type          TEXT NOT NULL,
		name              TEXT NOT NULL,
		settings_json     TEXT NOT NULL,
		sort_index        INTEGER NOT NULL DEFAULT 0,
		enabled           INTEGER NOT NULL DEFAULT 1,
		cost_multiplier   TEXT,
		pricing_source    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_providers_app ON providers(app_type, sort_index);

	CREATE TABLE IF NOT EXISTS app_proxy_config (
		app_type                TEXT PRIMARY KEY,
		auto_failover_enabled   INTEGER NOT NULL,
		non_streaming_timeout_ms INTEGER NOT NULL,
		first_byte_timeout_ms   INTEGER NOT NULL,
		idle_timeout_ms         INTEGER NOT NULL,
		default_cost_multiplier TEXT NOT NULL,
		pricing_source          TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS circuit_breaker_config (
		id                   INTEGER PRIMARY KEY CHECK (id = 1),
		failure_threshold    INTEGER NOT NULL,
		error_rate_threshold REAL NOT NULL,
		min_requests         INTEGER NOT NULL,
		cool_down_ms         INTEGER NOT NULL,
		success_threshold    INTEGER NOT NULL,
		max_trial_calls      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS model_pricing (
		model_id             TEXT PRIMARY KEY,
		input_per_mtok       TEXT NOT NULL,
		output_per_mtok      TEXT NOT NULL,
		cache_read_per_mtok  TEXT NOT NULL,
		cache_write_per_mtok TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_log (
		id                 TEXT PRIMARY KEY,
		ts                 INTEGER NOT NULL,
		app_type           TEXT NOT NULL,
		provider_id        TEXT NOT NULL,
		provider_name      TEXT NOT NULL,
		model              TEXT NOT NULL,
		request_model      TEXT NOT NULL,
		pricing_model      TEXT NOT NULL,
		input_tokens       INTEGER NOT NULL,
		output_tokens      INTEGER NOT NULL,
		cache_read_tokens  INTEGER NOT NULL,
		cache_write_tokens INTEGER NOT NULL,
		cost_multiplier    TEXT NOT NULL,
		total_cost_usd     TEXT NOT NULL,
		latency_ms         INTEGER NOT NULL,
		first_token_ms     INTEGER NOT NULL,
		status_code        INTEGER NOT NULL,
		is_streaming       INTEGER NOT NULL,
		session_id         TEXT NOT NULL,
		error              TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_log(ts);

	CREATE TABLE IF NOT EXISTS memory_exchanges (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		ts          INTEGER NOT NULL,
		app_type    TEXT NOT NULL,
		model       TEXT NOT NULL,
		user_text   TEXT NOT NULL,
		reply_text  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_exchanges(session_id, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for collaborators that share the file
// (the conversation memory writer).
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// ----------------------------------------------------------------------------
// Providers
// ----------------------------------------------------------------------------

func (s *SQLiteStore) ListProviders(ctx context.Context, app AppType) ([]Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_type, name, settings_json, sort_index, enabled, cost_multiplier, pricing_source
		FROM providers
		WHERE app_type = ? AND enabled = 1
		ORDER BY sort_index ASC, name ASC`, string(app))
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, app_type, name, settings_json, sort_index, enabled, cost_multiplier, pricing_source
		FROM providers WHERE id = ?`, id)
	p, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return Provider{}, ErrNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(r rowScanner) (Provider, error) {
	var (
		p          Provider
		app        string
		enabled    int
		multiplier sql.NullString
		source     string
	)
	err := r.Scan(&p.ID, &app, &p.Name, &p.SettingsJSON, &p.SortIndex, &enabled, &multiplier, &source)
	if err != nil {
		return Provider{}, err
	}
	p.AppType = AppType(app)
	p.Enabled = enabled != 0
	p.PricingSource = PricingModelSource(source)
	if multiplier.Valid && multiplier.String != "" {
		d, err := decimal.NewFromString(multiplier.String)
		if err != nil {
			return Provider{}, fmt.Errorf("provider %s: bad cost multiplier %q: %w", p.ID, multiplier.String, err)
		}
		p.CostMultiplier = &d
	}
	return p, nil
}

func (s *SQLiteStore) SaveProvider(ctx context.Context, p Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if _, err := ParseAppType(string(p.AppType)); err != nil {
		return err
	}

	var multiplier sql.NullString
	if p.CostMultiplier != nil {
		multiplier = sql.NullString{String: p.CostMultiplier.String(), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, app_type, name, settings_json, sort_index, enabled, cost_multiplier, pricing_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			app_type = excluded.app_type,
			name = excluded.name,
			settings_json = excluded.settings_json,
			sort_index = excluded.sort_index,
			enabled = excluded.enabled,
			cost_multiplier = excluded.cost_multiplier,
			pricing_source = excluded.pricing_source`,
		p.ID, string(p.AppType), p.Name, p.SettingsJSON, p.SortIndex,
		boolToInt(p.Enabled), multiplier, string(p.PricingSource))
	if err != nil {
		return fmt.Errorf("save provider: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteProvider(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------------------------------------------
// App proxy config
// ----------------------------------------------------------------------------

func (s *SQLiteStore) AppConfig(ctx context.Context, app AppType) (AppProxyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c          AppProxyConfig
		failover   int
		nonStream  int64
		firstByte  int64
		idle       int64
		multiplier string
		source     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT auto_failover_enabled, non_streaming_timeout_ms, first_byte_timeout_ms,
		       idle_timeout_ms, default_cost_multiplier, pricing_source
		FROM app_proxy_config WHERE app_type = ?`, string(app)).
		Scan(&failover, &nonStream, &firstByte, &idle, &multiplier, &source)
	if err == sql.ErrNoRows {
		return DefaultAppConfig(app), nil
	}
	if err != nil {
		return AppProxyConfig{}, fmt.Errorf("load app config: %w", err)
	}

	c.AppType = app
	c.AutoFailoverEnabled = failover != 0
	c.NonStreamingTimeout = time.Duration(nonStream) * time.Millisecond
	c.FirstByteTimeout = time.Duration(firstByte) * time.Millisecond
	c.IdleTimeout = time.Duration(idle) * time.Millisecond
	c.PricingSource = PricingModelSource(source)
	c.DefaultCostMultiplier, err = decimal.NewFromString(multiplier)
	if err != nil {
		return AppProxyConfig{}, fmt.Errorf("app config %s: bad cost multiplier %q: %w", app, multiplier, err)
	}
	return c, nil
}

func (s *SQLiteStore) SaveAppConfig(ctx context.Context, c AppProxyConfig) error {
	if _, err := ParseAppType(string(c.AppType)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_proxy_config (app_type, auto_failover_enabled, non_streaming_timeout_ms,
			first_byte_timeout_ms, idle_timeout_ms, default_cost_multiplier, pricing_source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_type) DO UPDATE SET
			auto_failover_enabled = excluded.auto_failover_enabled,
			non_streaming_timeout_ms = excluded.non_streaming_timeout_ms,
			first_byte_timeout_ms = excluded.first_byte_timeout_ms,
			idle_timeout_ms = excluded.idle_timeout_ms,
			default_cost_multiplier = excluded.default_cost_multiplier,
			pricing_source = excluded.pricing_source`,
		string(c.AppType), boolToInt(c.AutoFailoverEnabled),
		c.NonStreamingTimeout.Milliseconds(), c.FirstByteTimeout.Milliseconds(),
		c.IdleTimeout.Milliseconds(), c.DefaultCostMultiplier.String(), string(c.PricingSource))
	if err != nil {
		return fmt.Errorf("save app config: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Circuit breaker config
// ----------------------------------------------------------------------------

func (s *SQLiteStore) BreakerConfig(ctx context.Context) (BreakerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c        BreakerConfig
		coolDown int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT failure_threshold, error_rate_threshold, min_requests, cool_down_ms,
		       success_threshold, max_trial_calls
		FROM circuit_breaker_config WHERE id = 1`).
		Scan(&c.FailureThreshold, &c.ErrorRateThreshold, &c.MinRequests,
			&coolDown, &c.SuccessThreshold, &c.MaxTrialCalls)
	if err == sql.ErrNoRows {
		return DefaultBreakerConfig(), nil
	}
	if err != nil {
		return BreakerConfig{}, fmt.Errorf("load breaker config: %w", err)
	}
	c.CoolDown = time.Duration(coolDown) * time.Millisecond
	return c, nil
}

func (s *SQLiteStore) SaveBreakerConfig(ctx context.Context, c BreakerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker_config (id, failure_threshold, error_rate_threshold,
			min_requests, cool_down_ms, success_threshold, max_trial_calls)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			failure_threshold = excluded.failure_threshold,
			error_rate_threshold = excluded.error_rate_threshold,
			min_requests = excluded.min_requests,
			cool_down_ms = excluded.cool_down_ms,
			success_threshold = excluded.success_threshold,
			max_trial_calls = excluded.max_trial_calls`,
		c.FailureThreshold, c.ErrorRateThreshold, c.MinRequests,
		c.CoolDown.Milliseconds(), c.SuccessThreshold, c.MaxTrialCalls)
	if err != nil {
		return fmt.Errorf("save breaker config: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Model pricing
// ----------------------------------------------------------------------------

func (s *SQLiteStore) LookupPricing(ctx context.Context, modelID string) (ModelPricing, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var in, out, read, write string
	err := s.db.QueryRowContext(ctx, `
		SELECT input_per_mtok, output_per_mtok, cache_read_per_mtok, cache_write_per_mtok
		FROM model_pricing WHERE model_id = ?`, modelID).
		Scan(&in, &out, &read, &write)
	if err == sql.ErrNoRows {
		return ModelPricing{}, false, nil
	}
	if err != nil {
		return ModelPricing{}, false, fmt.Errorf("lookup pricing: %w", err)
	}

	p := ModelPricing{ModelID: modelID}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.InputPerMTok, in},
		{&p.OutputPerMTok, out},
		{&p.CacheReadPerMTok, read},
		{&p.CacheWritePerMTok, write},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return ModelPricing{}, false, fmt.Errorf("pricing %s: bad decimal %q: %w", modelID, f.src, err)
		}
		*f.dst = d
	}
	return p, true, nil
}

func (s *SQLiteStore) SavePricing(ctx context.Context, p ModelPricing) error {
	if p.ModelID == "" {
		return fmt.Errorf("model id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_pricing (model_id, input_per_mtok, output_per_mtok, cache_read_per_mtok, cache_write_per_mtok)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (model_id) DO UPDATE SET
			input_per_mtok = excluded.input_per_mtok,
			output_per_mtok = excluded.output_per_mtok,
			cache_read_per_mtok = excluded.cache_read_per_mtok,
			cache_write_per_mtok = excluded.cache_write_per_mtok`,
		p.ModelID, p.InputPerMTok.String(), p.OutputPerMTok.String(),
		p.CacheReadPerMTok.String(), p.CacheWritePerMTok.String())
	if err != nil {
		return fmt.Errorf("save pricing: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Usage log
// ----------------------------------------------------------------------------

func (s *SQLiteStore) InsertUsage(ctx context.Context, rec UsageRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("usage record id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (id, ts, app_type, provider_id, provider_name, model,
			request_model, pricing_model, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cost_multiplier, total_cost_usd,
			latency_ms, first_token_ms, status_code, is_streaming, session_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), string(rec.AppType), rec.ProviderID,
		rec.ProviderName, rec.Model, rec.RequestModel, rec.PricingModel,
		rec.InputTokens, rec.OutputTokens, rec.CacheReadTokens, rec.CacheWriteTokens,
		rec.CostMultiplier.String(), rec.TotalCostUSD.String(),
		rec.LatencyMS, rec.FirstTokenMS, rec.StatusCode, boolToInt(rec.IsStreaming),
		rec.SessionID, rec.Error)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, app_type, provider_id, provider_name, model, request_model,
		       pricing_model, input_tokens, output_tokens, cache_read_tokens,
		       cache_write_tokens, cost_multiplier, total_cost_usd, latency_ms,
		       first_token_ms, status_code, is_streaming, session_id, error
		FROM usage_log ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var (
			rec        UsageRecord
			ts         int64
			app        string
			multiplier string
			cost       string
			streaming  int
		)
		if err := rows.Scan(&rec.ID, &ts, &app, &rec.ProviderID, &rec.ProviderName,
			&rec.Model, &rec.RequestModel, &rec.PricingModel,
			&rec.InputTokens, &rec.OutputTokens, &rec.CacheReadTokens, &rec.CacheWriteTokens,
			&multiplier, &cost, &rec.LatencyMS, &rec.FirstTokenMS,
			&rec.StatusCode, &streaming, &rec.SessionID, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.AppType = AppType(app)
		rec.IsStreaming = streaming != 0
		if rec.CostMultiplier, err = decimal.NewFromString(multiplier); err != nil {
			return nil, fmt.Errorf("usage %s: bad multiplier %q: %w", rec.ID, multiplier, err)
		}
		if rec.TotalCostUSD, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("usage %s: bad cost %q: %w", rec.ID, cost, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close is idempotent.
func (s *SQLiteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
