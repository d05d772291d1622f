package saga

import (
	"fmt"
	"math"
	"time"

	"github.com/goclaw/fulfilment/config"
)

// RetryPolicy configures attempts, backoff and timeout of one step.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"max_delay,omitempty"`
	Timeout           time.Duration `json:"timeout"`
}

// Decision is the result of evaluating a failed attempt.
type Decision struct {
	GiveUp bool
	// Delay before the next attempt. Zero means retry immediately.
	Delay time.Duration
}

// DefaultPolicy is applied to steps without an explicit policy: one attempt
// with a five second start-to-close timeout.
var DefaultPolicy = RetryPolicy{
	MaxAttempts:       1,
	InitialDelay:      time.Second,
	BackoffMultiplier: 2.0,
	MaxDelay:          100 * time.Second,
	Timeout:           5 * time.Second,
}

// Validate checks policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial_delay must be >= 0, got %s", p.InitialDelay)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", p.BackoffMultiplier)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max_delay must be >= 0, got %s", p.MaxDelay)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %s", p.Timeout)
	}
	return nil
}

// Backoff returns the delay that follows the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// NextAction decides what follows a failed attempt. attempt is the number of
// attempts made so far, including the one that just failed.
func (p RetryPolicy) NextAction(attempt int, failure *FailureInfo) Decision {
	if failure == nil || !failure.Kind.Retryable() {
		return Decision{GiveUp: true}
	}
	if attempt >= p.MaxAttempts {
		return Decision{GiveUp: true}
	}
	return Decision{Delay: p.Backoff(attempt)}
}

// PolicySet holds the retry policy of every step.
type PolicySet map[StepName]RetryPolicy

// DefaultPolicies returns the stock policies: create_order is attempted once
// to avoid duplicate orders, every other forward step and every compensation
// up to three times, and the failure notice once.
func DefaultPolicies() PolicySet {
	return PoliciesFromConfig(config.DefaultConfig().Saga.Policies)
}

// PoliciesFromConfig converts the configured policies.
func PoliciesFromConfig(cfg config.PoliciesConfig) PolicySet {
	convert := func(c config.RetryPolicyConfig) RetryPolicy {
		return RetryPolicy{
			MaxAttempts:       c.MaxAttempts,
			InitialDelay:      c.InitialDelay,
			BackoffMultiplier: c.BackoffMultiplier,
			MaxDelay:          c.MaxDelay,
			Timeout:           c.Timeout,
		}
	}
	return PolicySet{
		StepCreateOrder:             convert(cfg.CreateOrder),
		StepCreateShipment:          convert(cfg.CreateShipment),
		StepSendNotification:        convert(cfg.SendNotification),
		StepCancelOrder:             convert(cfg.CancelOrder),
		StepCancelShipment:          convert(cfg.CancelShipment),
		StepSendFailureNotification: convert(cfg.SendFailureNotification),
	}
}

// For returns the policy of step, or DefaultPolicy.
func (s PolicySet) For(step StepName) RetryPolicy {
	if p, ok := s[step]; ok {
		return p
	}
	return DefaultPolicy
}

// NextAction evaluates a failed attempt of step.
func (s PolicySet) NextAction(step StepName, attempt int, failure *FailureInfo) Decision {
	return s.For(step).NextAction(attempt, failure)
}

// Validate checks every policy in the set.
func (s PolicySet) Validate() error {
	for step, p := range s {
		if !step.Valid() {
			return fmt.Errorf("unknown step %q", step)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", step, err)
		}
	}
	return nil
}

// Clone returns an independent copy.
func (s PolicySet) Clone() PolicySet {
	out := make(PolicySet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
