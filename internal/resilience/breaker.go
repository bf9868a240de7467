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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// maxCooldownFactor caps how far repeated failed trials stretch the cool-down.
const maxCooldownFactor = 8

// Breaker is a gobreaker circuit breaker whose cool-down doubles each time a
// half-open trial fails, up to maxCooldownFactor times the base cool-down.
// Closing the breaker resets it.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	cooldown time.Duration

	mu        sync.Mutex
	reopens   int
	holdUntil time.Time
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	fields := logrus.Fields{
		"breaker": name,
		"from":    from.String(),
		"to":      to.String(),
	}

	b.mu.Lock()
	switch {
	case from == gobreaker.StateHalfOpen && to == gobreaker.StateOpen:
		b.reopens++
		factor := 1 << b.reopens
		if factor > maxCooldownFactor {
			factor = maxCooldownFactor
		}
		wait := time.Duration(factor) * b.cooldown
		b.holdUntil = time.Now().Add(wait)
		fields["cooldown"] = wait.String()
	case to == gobreaker.StateClosed:
		b.reopens = 0
		b.holdUntil = time.Time{}
	}
	b.mu.Unlock()

	logrus.WithFields(fields).Warn("circuit breaker state changed")
}

func (b *Breaker) held() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.holdUntil)
}

// Execute runs req through the breaker. While an extended cool-down is in
// force it fails with gobreaker.ErrOpenState without admitting a trial.
func (b *Breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	if b.held() {
		return nil, gobreaker.ErrOpenState
	}
	return b.cb.Execute(req)
}

func (b *Breaker) State() gobreaker.State {
	if b.held() {
		return gobreaker.StateOpen
	}
	return b.cb.State()
}

// Registry owns one circuit breaker per key. Breakers are created lazily
// with the registry's threshold and cool-down and live for the process.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold uint32
	cooldown  time.Duration
}

func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: uint32(threshold),
		cooldown:  cooldown,
	}
}

// Breaker returns the breaker for key, creating it on first use.
func (r *Registry) Breaker(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}

	threshold := r.threshold
	b := &Breaker{cooldown: r.cooldown}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// permanent errors say nothing about the dependency's health
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: b.onStateChange,
	})
	r.breakers[key] = b
	return b
}

// State reports the current state of key's breaker, or closed if none exists yet.
func (r *Registry) State(key string) gobreaker.State {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return b.State()
}
