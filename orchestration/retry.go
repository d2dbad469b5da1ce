package orchestration

import (
	"math/rand"
	"time"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// Retry strategies.
const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
	StrategyJittered    = "jittered"
)

// retryPolicy is a fully resolved retry policy: step-level settings merged
// over the process-wide defaults.
type retryPolicy struct {
	maxAttempts  int
	strategy     string
	initialDelay time.Duration
	maxDelay     time.Duration
	jitterRatio  float64
}

// resolveRetryPolicy merges the step's policy over process defaults. A nil
// step policy uses defaults wholesale.
func resolveRetryPolicy(spec *store.RetryPolicySpec, defaults core.WorkflowConfig) retryPolicy {
	policy := retryPolicy{
		maxAttempts:  3,
		strategy:     StrategyExponential,
		initialDelay: defaults.RetryBase,
		maxDelay:     defaults.RetryMax,
		jitterRatio:  defaults.RetryJitterRatio,
	}
	if spec == nil {
		return policy
	}
	if spec.MaxAttempts > 0 {
		policy.maxAttempts = spec.MaxAttempts
	}
	switch spec.Strategy {
	case StrategyFixed, StrategyExponential, StrategyJittered:
		policy.strategy = spec.Strategy
	}
	if spec.InitialDelayMs > 0 {
		policy.initialDelay = time.Duration(spec.InitialDelayMs) * time.Millisecond
	}
	if spec.MaxDelayMs > 0 {
		policy.maxDelay = time.Duration(spec.MaxDelayMs) * time.Millisecond
	}
	if spec.JitterRatio > 0 {
		policy.jitterRatio = spec.JitterRatio
	}
	return policy
}

// nextDelay computes the backoff before the given attempt number (1-based:
// attempt 1 is the first retry).
func (p retryPolicy) nextDelay(attempt int, factor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.initialDelay

	switch p.strategy {
	case StrategyFixed:
		// delay stays at initialDelay.
	case StrategyExponential, StrategyJittered:
		if factor < 1 {
			factor = 2
		}
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * factor)
			if p.maxDelay > 0 && delay >= p.maxDelay {
				delay = p.maxDelay
				break
			}
		}
	}
	if p.maxDelay > 0 && delay > p.maxDelay {
		delay = p.maxDelay
	}

	if p.strategy == StrategyJittered && p.jitterRatio > 0 {
		spread := float64(delay) * p.jitterRatio
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// ValidateRetryPolicy rejects malformed step policies at definition time.
func ValidateRetryPolicy(spec *store.RetryPolicySpec) error {
	if spec == nil {
		return nil
	}
	if spec.MaxAttempts < 0 {
		return core.NewValidation("orchestration.ValidateRetryPolicy", "maxAttempts must be non-negative")
	}
	switch spec.Strategy {
	case "", StrategyFixed, StrategyExponential, StrategyJittered:
	default:
		return core.NewValidationf("orchestration.ValidateRetryPolicy", "unknown retry strategy %q", spec.Strategy)
	}
	if spec.InitialDelayMs < 0 || spec.MaxDelayMs < 0 {
		return core.NewValidation("orchestration.ValidateRetryPolicy", "delays must be non-negative")
	}
	if spec.JitterRatio < 0 || spec.JitterRatio > 1 {
		return core.NewValidation("orchestration.ValidateRetryPolicy", "jitterRatio must be in [0, 1]")
	}
	return nil
}
