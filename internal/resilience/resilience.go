/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/blnkfinance/paygate/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BackoffPolicy describes an exponential curve with symmetric jitter.
type BackoffPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay returns the wait before retry number attempt (1-based), capped at MaxDelay.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(b.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (b BackoffPolicy) exponential() *backoff.ExponentialBackOff {
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(b.BaseDelay),
		backoff.WithMaxInterval(b.MaxDelay),
		backoff.WithMultiplier(mult),
		backoff.WithRandomizationFactor(b.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
}

// Policy configures a Wrapper.
type Policy struct {
	Timeout          time.Duration
	MaxRetries       int
	Backoff          BackoffPolicy
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func PolicyFromConfig(cnf config.ResilienceConfig) Policy {
	retries := 0
	if cnf.MaxRetries != nil {
		retries = *cnf.MaxRetries
	}
	return Policy{
		Timeout:    time.Duration(cnf.TimeoutMs) * time.Millisecond,
		MaxRetries: retries,
		Backoff: BackoffPolicy{
			BaseDelay:  time.Duration(cnf.BaseDelayMs) * time.Millisecond,
			MaxDelay:   time.Duration(cnf.MaxDelayMs) * time.Millisecond,
			Multiplier: cnf.Multiplier,
			Jitter:     cnf.Jitter,
		},
		BreakerThreshold: cnf.BreakerThreshold,
		BreakerCooldown:  time.Duration(cnf.BreakerCooldownSec) * time.Second,
	}
}

type Wrapper struct {
	policy   Policy
	registry *Registry
	observer Observer
}

type Option func(*Wrapper)

func WithObserver(o Observer) Option {
	return func(w *Wrapper) {
		w.observer = o
	}
}

// WithRegistry shares breakers between wrappers.
func WithRegistry(r *Registry) Option {
	return func(w *Wrapper) {
		w.registry = r
	}
}

func NewWrapper(policy Policy, opts ...Option) *Wrapper {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	w := &Wrapper{policy: policy}
	for _, opt := range opts {
		opt(w)
	}
	if w.registry == nil {
		w.registry = NewRegistry(policy.BreakerThreshold, policy.BreakerCooldown)
	}
	if w.observer == nil {
		w.observer = LogObserver()
	}
	return w
}

func (w *Wrapper) Registry() *Registry {
	return w.registry
}

func (w *Wrapper) Policy() Policy {
	return w.policy
}

// Execute runs fn under the wrapper's timeout, retry and circuit breaker for
// the given channel and action. Breakers are keyed "channel:action".
func Execute[T any](ctx context.Context, w *Wrapper, channel, action string, fn func(ctx context.Context) (T, error)) (T, error) {
	key := channel + ":" + action
	cb := w.registry.Breaker(key)
	start := time.Now()
	attempts := 0

	operation := func() (T, error) {
		attempts++
		var zero T

		out, err := cb.Execute(func() (interface{}, error) {
			return w.attempt(ctx, action, func(ctx context.Context) (interface{}, error) {
				return fn(ctx)
			})
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return zero, backoff.Permanent(&CircuitOpenError{Key: key})
			}
			if !IsRetryable(err) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		v, _ := out.(T)
		return v, nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(w.policy.Backoff.exponential(), uint64(w.policy.MaxRetries)), ctx)
	result, err := backoff.RetryNotifyWithData(operation, b, func(err error, next time.Duration) {
		logrus.WithFields(logrus.Fields{
			"key":      key,
			"attempt":  attempts,
			"retry_in": next.String(),
		}).WithError(err).Debug("retrying provider call")
	})
	if err != nil && IsRetryable(err) && attempts > w.policy.MaxRetries {
		err = &RetriesExhaustedError{Action: action, Attempts: attempts, Err: err}
	}

	w.observer.Observe(ctx, key, action, ResultOf(err), time.Since(start), err)
	return result, err
}

// attempt runs one call under the per-attempt deadline. A call that overruns
// is reported as *TimeoutError even if fn ignores its context.
func (w *Wrapper) attempt(ctx context.Context, action string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if w.policy.Timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.policy.Timeout)
	defer cancel()

	type outcome struct {
		v   interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Action: action, Timeout: w.policy.Timeout}
		}
		return o.v, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Action: action, Timeout: w.policy.Timeout}
	}
}
