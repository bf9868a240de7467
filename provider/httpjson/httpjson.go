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

// Package httpjson talks to providers exposing a plain JSON REST surface:
// POST {base}/payins, POST {base}/payouts and GET {base}/payments/{reference}.
package httpjson

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blnkfinance/paygate/internal/request"
	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ProviderID string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// HTTPClient exposes the underlying client so tests can intercept it.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

type initiateBody struct {
	TransactionID string                 `json:"transaction_id"`
	OrderID       string                 `json:"order_id"`
	Amount        int64                  `json:"amount"`
	Currency      string                 `json:"currency"`
	PaymentMode   string                 `json:"payment_mode,omitempty"`
	Description   string                 `json:"description,omitempty"`
	CallbackURL   string                 `json:"callback_url,omitempty"`
	Party         model.Party            `json:"party"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
}

type paymentResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func (c *Client) headers(idempotencyKey string) map[string]string {
	h := map[string]string{"Accept": "application/json"}
	if c.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	if idempotencyKey != "" {
		h["Idempotency-Key"] = idempotencyKey
	}
	return h
}

func (c *Client) initiate(ctx context.Context, path string, req provider.InitiateRequest) (*provider.Result, error) {
	txn := req.Transaction
	body := initiateBody{
		TransactionID: txn.TransactionID,
		OrderID:       txn.OrderID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		PaymentMode:   txn.PaymentMode,
		Description:   req.Description,
		CallbackURL:   req.CallbackURL,
		Party:         req.Party,
		MetaData:      txn.MetaData,
	}

	var out paymentResponse
	_, err := request.PostJSON(ctx, c.http, c.cfg.BaseURL+path, c.headers(txn.TransactionID), body, &out)
	if err != nil {
		return nil, c.translate(err)
	}

	logrus.WithFields(logrus.Fields{
		"provider_id":    c.cfg.ProviderID,
		"transaction_id": txn.TransactionID,
		"reference":      out.Reference,
		"status":         out.Status,
	}).Debug("provider accepted request")

	return c.result(out)
}

func (c *Client) result(out paymentResponse) (*provider.Result, error) {
	status, ok := provider.NormalizeStatus(out.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", provider.ErrMalformedPayload, out.Status)
	}
	return &provider.Result{
		ProviderRef:   out.Reference,
		Status:        status,
		FailureReason: out.Reason,
		Raw:           map[string]interface{}{"reference": out.Reference, "status": out.Status},
	}, nil
}

// translate turns a non-2xx answer into *provider.HTTPError and leaves
// transport errors as they are.
func (c *Client) translate(err error) error {
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		return &provider.HTTPError{StatusCode: statusErr.StatusCode, Body: statusErr.Body}
	}
	return err
}

func (c *Client) InitiatePayin(ctx context.Context, req provider.InitiateRequest) (*provider.Result, error) {
	return c.initiate(ctx, "/payins", req)
}

func (c *Client) InitiatePayout(ctx context.Context, req provider.InitiateRequest) (*provider.Result, error) {
	return c.initiate(ctx, "/payouts", req)
}

func (c *Client) CheckStatus(ctx context.Context, txn *model.Transaction) (*provider.Result, error) {
	ref := txn.ProviderRef
	if ref == "" {
		ref = txn.TransactionID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/payments/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headers("") {
		req.Header.Set(k, v)
	}

	var out paymentResponse
	if _, err := request.Call(c.http, req, &out); err != nil {
		return nil, c.translate(err)
	}
	if out.Reference == "" {
		out.Reference = txn.ProviderRef
	}
	return c.result(out)
}

func (c *Client) HandleWebhook(_ context.Context, _ provider.WebhookType, body []byte) (*provider.WebhookEvent, error) {
	return provider.ParseJSONNotification(body)
}
