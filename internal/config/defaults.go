// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER DEFAULTS
// =============================================================================

// DefaultListenHost is the loopback-only bind address. The gateway fronts
// local CLI tools and must not be reachable from other machines.
const DefaultListenHost = "127.0.0.1"

// DefaultListenPort is the default gateway port.
const DefaultListenPort = 15411

// DefaultServerReadHeaderTimeout bounds slow-header clients.
const DefaultServerReadHeaderTimeout = 10 * time.Second

// DefaultStopTimeout is the graceful-shutdown grace period before the
// listener is torn down forcibly.
const DefaultStopTimeout = 5 * time.Second

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultBufferSize is the standard I/O buffer size for relaying bodies.
const DefaultBufferSize = 4096

// DefaultDialTimeout is the TCP dial timeout for upstream connections.
const DefaultDialTimeout = 30 * time.Second

// MaxRequestBodySize is the maximum allowed request body (50MB).
// Agent sessions routinely carry multi-megabyte conversation histories.
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits upstream error bodies in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// =============================================================================
// FORWARDING TIMEOUTS
// =============================================================================
//
// A zero value disables the corresponding check. When auto-failover is
// disabled for an app, all three are forced to zero regardless of what is
// configured: without failover a timeout would only kill a request that has
// nowhere else to go.

// DefaultNonStreamingTimeout bounds a whole buffered (non-SSE) exchange.
const DefaultNonStreamingTimeout = 300 * time.Second

// DefaultFirstByteTimeout bounds the wait for the first streamed chunk.
const DefaultFirstByteTimeout = 60 * time.Second

// DefaultIdleTimeout bounds the gap between consecutive streamed chunks.
const DefaultIdleTimeout = 120 * time.Second

// =============================================================================
// CIRCUIT BREAKER DEFAULTS
// =============================================================================

// DefaultFailureThreshold opens the breaker after this many consecutive
// transport failures.
const DefaultFailureThreshold = 5

// DefaultErrorRateThreshold opens the breaker when the failure ratio over
// the recent-outcome window reaches this value.
const DefaultErrorRateThreshold = 0.5

// DefaultMinRequests is the minimum number of recorded outcomes before the
// error-rate rule is evaluated at all.
const DefaultMinRequests = 10

// DefaultCoolDown is how long an open breaker waits before admitting trials.
const DefaultCoolDown = 30 * time.Second

// DefaultSuccessThreshold closes a half-open breaker after this many
// consecutive trial successes.
const DefaultSuccessThreshold = 2

// DefaultMaxTrialCalls bounds concurrent in-flight trials while half-open.
const DefaultMaxTrialCalls = 1

// BreakerWindowSize is the fixed size of the recent-outcome ring buffer.
const BreakerWindowSize = 20

// =============================================================================
// USAGE PIPELINE
// =============================================================================

// DefaultUsageQueueSize bounds the fire-and-forget usage persistence queue.
// When full, new records are dropped rather than blocking the response path.
const DefaultUsageQueueSize = 256

// =============================================================================
// STORAGE
// =============================================================================

// DefaultDatabaseFile is the SQLite file name under the data directory.
const DefaultDatabaseFile = "cc-switch.db"

// DefaultDataDirName is the per-user data directory under the home dir.
const DefaultDataDirName = ".cc-switch"
