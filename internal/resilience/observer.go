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
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Result string

const (
	ResultSuccess     Result = "success"
	ResultTimeout     Result = "timeout"
	ResultCircuitOpen Result = "circuit_open"
	ResultError       Result = "error"
)

// Observer receives one report per wrapped call, after retries.
type Observer interface {
	Observe(ctx context.Context, key, action string, result Result, latency time.Duration, err error)
}

// ResultOf classifies the final error of a wrapped call.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return ResultCircuitOpen
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return ResultTimeout
	}
	return ResultError
}

type logObserver struct{}

// LogObserver logs every call with logrus and records it on the active span.
func LogObserver() Observer {
	return logObserver{}
}

func (logObserver) Observe(ctx context.Context, key, action string, result Result, latency time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("provider.call", trace.WithAttributes(
		attribute.String("resilience.key", key),
		attribute.String("resilience.action", action),
		attribute.String("resilience.result", string(result)),
		attribute.Int64("resilience.latency_ms", latency.Milliseconds()),
	))

	entry := logrus.WithFields(logrus.Fields{
		"key":        key,
		"action":     action,
		"result":     result,
		"latency_ms": latency.Milliseconds(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).Warn("provider call failed")
		return
	}
	entry.Debug("provider call succeeded")
}
