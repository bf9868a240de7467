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

// Package sandbox is an in-process provider for development and tests. It
// accepts every request and settles only when told to.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
)

type payment struct {
	txnID  string
	status model.Status
	reason string
}

type Sandbox struct {
	mu           sync.Mutex
	payments     map[string]*payment
	byTxn        map[string]string
	payoutStatus model.Status
}

type Option func(*Sandbox)

// WithPayoutStatus makes payouts settle synchronously with status.
func WithPayoutStatus(status model.Status) Option {
	return func(s *Sandbox) {
		s.payoutStatus = status
	}
}

func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		payments:     make(map[string]*payment),
		byTxn:        make(map[string]string),
		payoutStatus: model.StatusProcessing,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sandbox) accept(txn *model.Transaction, status model.Status) *provider.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the same transaction always maps to the same reference
	if ref, ok := s.byTxn[txn.TransactionID]; ok {
		p := s.payments[ref]
		return &provider.Result{ProviderRef: ref, Status: p.status, FailureReason: p.reason}
	}

	ref := model.GenerateUUIDWithSuffix("sbx")
	s.payments[ref] = &payment{txnID: txn.TransactionID, status: status}
	s.byTxn[txn.TransactionID] = ref
	return &provider.Result{ProviderRef: ref, Status: status}
}

func (s *Sandbox) InitiatePayin(_ context.Context, req provider.InitiateRequest) (*provider.Result, error) {
	return s.accept(req.Transaction, model.StatusProcessing), nil
}

func (s *Sandbox) InitiatePayout(_ context.Context, req provider.InitiateRequest) (*provider.Result, error) {
	return s.accept(req.Transaction, s.payoutStatus), nil
}

func (s *Sandbox) CheckStatus(_ context.Context, txn *model.Transaction) (*provider.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := txn.ProviderRef
	if ref == "" {
		ref = s.byTxn[txn.TransactionID]
	}
	p, ok := s.payments[ref]
	if !ok {
		return nil, &provider.HTTPError{StatusCode: http.StatusNotFound, Body: fmt.Sprintf("no payment for %s", txn.TransactionID)}
	}
	return &provider.Result{ProviderRef: ref, Status: p.status, FailureReason: p.reason}, nil
}

func (s *Sandbox) HandleWebhook(_ context.Context, _ provider.WebhookType, body []byte) (*provider.WebhookEvent, error) {
	return provider.ParseJSONNotification(body)
}

// Settle moves a sandbox payment to its final status, as the provider would
// before sending its webhook.
func (s *Sandbox) Settle(providerRef string, status model.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[providerRef]
	if !ok {
		return fmt.Errorf("sandbox: unknown reference %s", providerRef)
	}
	p.status = status
	p.reason = reason
	return nil
}
