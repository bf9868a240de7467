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
	"testing"

	"github.com/blnkfinance/paygate/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopGateway struct{}

func (nopGateway) InitiatePayin(context.Context, InitiateRequest) (*Result, error)  { return nil, nil }
func (nopGateway) InitiatePayout(context.Context, InitiateRequest) (*Result, error) { return nil, nil }
func (nopGateway) CheckStatus(context.Context, *model.Transaction) (*Result, error) { return nil, nil }
func (nopGateway) HandleWebhook(context.Context, WebhookType, []byte) (*WebhookEvent, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("p1", nopGateway{})

	g, err := r.Get("p1")
	require.NoError(t, err)
	assert.NotNil(t, g)
	assert.Equal(t, []string{"p1"}, r.IDs())

	_, err = r.Get("p2")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]model.Status{
		"SUCCESS":    model.StatusSuccess,
		"completed":  model.StatusSuccess,
		"Declined":   model.StatusFailed,
		"expired":    model.StatusFailed,
		" pending ":  model.StatusProcessing,
		"processing": model.StatusProcessing,
	}
	for in, want := range tests {
		got, ok := NormalizeStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := NormalizeStatus("teleported")
	assert.False(t, ok)
}

func TestParseWebhookType(t *testing.T) {
	wt, err := ParseWebhookType("PAYOUT")
	require.NoError(t, err)
	assert.Equal(t, WebhookPayout, wt)

	_, err = ParseWebhookType("refund")
	assert.Error(t, err)
}

func TestHTTPError(t *testing.T) {
	err := &HTTPError{StatusCode: 503, Body: "maintenance"}
	assert.Equal(t, 503, err.HTTPStatus())
	assert.Contains(t, err.Error(), "503")
}

func TestParseJSONNotification(t *testing.T) {
	ev, err := ParseJSONNotification([]byte(`{"event_id":"e1","transaction_id":"txn_1","reference":"ref_1","status":"successful"}`))
	require.NoError(t, err)
	assert.Equal(t, "txn_1", ev.TransactionID)
	assert.Equal(t, "ref_1", ev.ProviderRef)
	assert.Equal(t, model.StatusSuccess, ev.Status)
	assert.Equal(t, "e1", ev.Raw["event_id"])

	for _, body := range []string{`not json`, `{"status":"success"}`, `{"reference":"r","status":"??"}`} {
		_, err := ParseJSONNotification([]byte(body))
		assert.True(t, errors.Is(err, ErrMalformedPayload), body)
	}
}
