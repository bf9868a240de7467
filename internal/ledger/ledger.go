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

package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/paygate/internal/request"
	"github.com/blnkfinance/paygate/model"
	"github.com/sirupsen/logrus"
)

// Poster posts one logical ledger operation. Implementations must be
// idempotent on key.
type Poster interface {
	Post(ctx context.Context, key string, posting model.LedgerPosting) error
}

// Client calls the ledger engine's POST /operations endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Post sends posting with key as the Idempotency-Key. A 409 means the engine
// already holds an operation with this key and counts as delivered.
func (c *Client) Post(ctx context.Context, key string, posting model.LedgerPosting) error {
	if c.baseURL == "" {
		return errors.New("ledger url is not configured")
	}

	headers := map[string]string{"Idempotency-Key": key}
	if c.apiKey != "" {
		headers["X-Api-Key"] = c.apiKey
	}

	_, err := request.PostJSON(ctx, c.http, c.baseURL+"/operations", headers, posting, nil)
	if err == nil {
		return nil
	}

	var statusErr *request.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		logrus.WithFields(logrus.Fields{
			"idempotency_key": key,
			"transaction_id":  posting.TransactionID,
		}).Info("ledger operation already posted")
		return nil
	}
	return fmt.Errorf("ledger post %s failed: %w", posting.Operation, err)
}
