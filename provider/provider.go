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

package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blnkfinance/paygate/model"
)

var (
	// ErrMalformedPayload is returned by HandleWebhook when the body can never be parsed.
	ErrMalformedPayload = errors.New("malformed provider payload")
	ErrUnknownProvider  = errors.New("unknown provider")
)

// WebhookType is the {type} segment of the webhook route.
type WebhookType string

const (
	WebhookPayin  WebhookType = "payin"
	WebhookPayout WebhookType = "payout"
	WebhookCommon WebhookType = "common"
)

func ParseWebhookType(s string) (WebhookType, error) {
	switch WebhookType(strings.ToLower(s)) {
	case WebhookPayin:
		return WebhookPayin, nil
	case WebhookPayout:
		return WebhookPayout, nil
	case WebhookCommon:
		return WebhookCommon, nil
	}
	return "", fmt.Errorf("unsupported webhook type %q", s)
}

// HTTPError is an answer from the provider with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider responded with status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

// InitiateRequest carries everything an adapter needs to start a payin or payout.
type InitiateRequest struct {
	Transaction *model.Transaction
	Party       model.Party
	Description string
	CallbackURL string
}

// Result is the normalized outcome of an initiate or status call.
// Status is PROCESSING while the provider has not settled the transaction.
type Result struct {
	ProviderRef   string
	Status        model.Status
	FailureReason string
	Raw           map[string]interface{}
}

// WebhookEvent is a provider notification normalized to one transaction.
// TransactionID may be empty when the provider only echoes its own reference.
type WebhookEvent struct {
	EventID       string
	TransactionID string
	ProviderRef   string
	Status        model.Status
	FailureReason string
	Raw           map[string]interface{}
}

// Gateway is implemented once per provider. Payload formats stay inside the adapter.
type Gateway interface {
	InitiatePayin(ctx context.Context, req InitiateRequest) (*Result, error)
	InitiatePayout(ctx context.Context, req InitiateRequest) (*Result, error)
	CheckStatus(ctx context.Context, txn *model.Transaction) (*Result, error)
	HandleWebhook(ctx context.Context, webhookType WebhookType, body []byte) (*WebhookEvent, error)
}

// NormalizeStatus maps the vocabulary providers commonly use onto the
// transaction lifecycle.
func NormalizeStatus(s string) (model.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "succeeded", "completed", "paid", "settled":
		return model.StatusSuccess, true
	case "failed", "failure", "declined", "rejected", "cancelled", "canceled", "reversed", "expired", "error":
		return model.StatusFailed, true
	case "pending", "processing", "initiated", "accepted", "in_progress", "queued":
		return model.StatusProcessing, true
	}
	return "", false
}

// Registry resolves adapters by provider id.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

func (r *Registry) Register(providerID string, g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[providerID] = g
}

func (r *Registry) Get(providerID string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return g, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	return ids
}
