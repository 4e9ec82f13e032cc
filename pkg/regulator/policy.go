package regulator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// PolicySettings configures retries around a Notifier.
type PolicySettings struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	CallTimeout       time.Duration
}

// DefaultPolicySettings mirrors the service defaults.
func DefaultPolicySettings() PolicySettings {
	return PolicySettings{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Second,
		CallTimeout:       2 * time.Second,
	}
}

// Policy wraps a Notifier with bounded retries and a circuit breaker. When every
// attempt fails, or the breaker refuses the call, Notify returns an error wrapping
// ErrUpstreamUnavailable so callers can take their fallback path.
type Policy struct {
	name     string
	next     Notifier
	breaker  *Breaker
	settings PolicySettings
	clock    Clock
}

// NewPolicy wraps next. The breaker for name is taken from registry.
func NewPolicy(name string, next Notifier, registry *BreakerRegistry, settings PolicySettings, clock Clock) *Policy {
	if clock == nil {
		clock = SystemClock()
	}
	if registry == nil {
		registry = NewBreakerRegistry(DefaultBreakerSettings(), clock)
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 1
	}
	if settings.BackoffMultiplier < 1 {
		settings.BackoffMultiplier = 1
	}
	return &Policy{
		name:     name,
		next:     next,
		breaker:  registry.Get(name),
		settings: settings,
		clock:    clock,
	}
}

// Breaker exposes the breaker guarding this policy's upstream.
func (p *Policy) Breaker() *Breaker { return p.breaker }

func (p *Policy) Notify(ctx context.Context, req NotificationRequest) (*NotificationResponse, error) {
	backoff := p.settings.InitialBackoff
	var lastErr error
	attempts := 0

	for attempts < p.settings.MaxAttempts {
		attempts++
		resp, err := p.attempt(ctx, req)
		if err == nil {
			if attempts > 1 {
				log.Printf("level=info component=regulator_policy msg=\"notification succeeded after retry\" upstream=%s transaction_id=%s attempts=%d",
					p.name, req.TransactionID, attempts)
			}
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) || !Retryable(err) || ctx.Err() != nil {
			break
		}
		if attempts >= p.settings.MaxAttempts {
			break
		}

		log.Printf("level=warn component=regulator_policy msg=\"notification attempt failed, retrying\" upstream=%s transaction_id=%s attempt=%d backoff=%s err=%v",
			p.name, req.TransactionID, attempts, backoff, err)
		if sleepErr := p.clock.Sleep(ctx, backoff); sleepErr != nil {
			lastErr = sleepErr
			break
		}
		backoff = p.nextBackoff(backoff)
	}

	log.Printf("level=warn component=regulator_policy msg=\"regulator unavailable, fallback required\" upstream=%s transaction_id=%s attempts=%d breaker=%s err=%v",
		p.name, req.TransactionID, attempts, p.breaker.State(), lastErr)
	return nil, fmt.Errorf("%w: %s after %d attempt(s): %w", ErrUpstreamUnavailable, p.name, attempts, lastErr)
}

func (p *Policy) attempt(ctx context.Context, req NotificationRequest) (*NotificationResponse, error) {
	done, err := p.breaker.Allow()
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	cancel := func() {}
	if p.settings.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.settings.CallTimeout)
	}
	resp, err := p.next.Notify(callCtx, req)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil && timedOut && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	done(err == nil)
	return resp, err
}

func (p *Policy) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.settings.BackoffMultiplier)
	if p.settings.MaxBackoff > 0 && next > p.settings.MaxBackoff {
		return p.settings.MaxBackoff
	}
	return next
}
