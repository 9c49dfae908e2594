package resilience

import (
	"time"

	"github.com/sells-group/rare-priority/internal/config"
)

// FromFetchConfig builds the circuit breaker settings for evidence sources.
func FromFetchConfig(cfg config.FetchConfig) CircuitBreakerConfig {
	out := DefaultCircuitBreakerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		out.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitResetSecs > 0 {
		out.ResetTimeout = time.Duration(cfg.CircuitResetSecs) * time.Second
	}
	return out
}

// BackoffFromFetchConfig builds the delay schedule between numbered runs.
func BackoffFromFetchConfig(cfg config.FetchConfig) Backoff {
	b := DefaultBackoff()
	if cfg.BackoffInitialMs > 0 {
		b.Initial = time.Duration(cfg.BackoffInitialMs) * time.Millisecond
	}
	if cfg.BackoffMaxSecs > 0 {
		b.Max = time.Duration(cfg.BackoffMaxSecs) * time.Second
	}
	return b
}
