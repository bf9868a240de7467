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
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/blnkfinance/paygate/internal/request"
)

// TimeoutError is returned when a single attempt exceeds the policy timeout.
type TimeoutError struct {
	Action  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Action, e.Timeout)
}

// CircuitOpenError is returned without calling the dependency while the
// breaker for Key is open or probing.
type CircuitOpenError struct {
	Key string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Key)
}

// RetriesExhaustedError wraps the last error once the retry budget is spent.
type RetriesExhaustedError struct {
	Action   string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Action, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// httpStatusError is satisfied by adapter errors that carry an upstream status code.
type httpStatusError interface {
	HTTPStatus() int
}

// IsRetryable reports whether err is transient: timeouts, connection
// failures and 5xx answers. Everything else is treated as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatus() >= 500
	}
	var reqErr *request.StatusError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode >= 500
	}
	return false
}

// IsProviderFailure reports whether the caller should give up on the
// dependency for this request: the breaker is open or retries ran out.
func IsProviderFailure(err error) bool {
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return true
	}
	var exhausted *RetriesExhaustedError
	return errors.As(err, &exhausted)
}
