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

package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/blnkfinance/paygate/internal/request"
	"github.com/blnkfinance/paygate/model"
	"github.com/sirupsen/logrus"
)

const (
	HeaderTimestamp = "X-Paygate-Timestamp"
	HeaderSignature = "X-Paygate-Signature"
	HeaderEvent     = "X-Paygate-Event"
)

// Sender delivers signed transaction outcomes to merchants.
type Sender struct {
	http *http.Client
	now  func() time.Time
}

func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{http: &http.Client{Timeout: timeout}, now: time.Now}
}

func (s *Sender) HTTPClient() *http.Client {
	return s.http
}

// SignatureMessage is the string signed for a callback: the raw body, a pipe
// and the unix timestamp sent in HeaderTimestamp.
func SignatureMessage(body []byte, timestamp string) string {
	return string(body) + "|" + timestamp
}

// Verify checks a received callback. Merchants can use it as a reference.
func Verify(secret string, body []byte, timestamp, signature string) bool {
	return model.VerifySignature(secret, SignatureMessage(body, timestamp), signature)
}

// Send POSTs payload to url. Any non-2xx answer is an error so the caller retries.
func (s *Sender) Send(ctx context.Context, url, secret string, payload model.CallbackPayload) error {
	if url == "" {
		return errors.New("merchant has no callback url")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal callback: %w", err)
	}
	timestamp := strconv.FormatInt(s.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, model.Sign(secret, SignatureMessage(body, timestamp)))
	req.Header.Set(HeaderEvent, payload.Event)

	resp, err := request.Call(s.http, req, nil)
	if err != nil {
		return fmt.Errorf("callback to %s failed: %w", url, err)
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": payload.TransactionID,
		"merchant_id":    payload.MerchantID,
		"status":         payload.Status,
		"status_code":    resp.StatusCode,
	}).Info("merchant callback delivered")
	return nil
}
