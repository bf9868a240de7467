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

package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "https://provider.test/v1"

func newClient(t *testing.T) *Client {
	c := New(Config{ProviderID: "p1", BaseURL: baseURL + "/", APIKey: "sk_test"})
	httpmock.ActivateNonDefault(c.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func fakeTransaction() *model.Transaction {
	return &model.Transaction{
		TransactionID: model.GenerateUUIDWithSuffix("txn"),
		OrderID:       gofakeit.UUID(),
		Amount:        int64(gofakeit.Number(100, 100000)),
		Currency:      "NGN",
		PaymentMode:   "card",
	}
}

func TestInitiatePayin(t *testing.T) {
	c := newClient(t)
	txn := fakeTransaction()

	var received initiateBody
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/payins",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer sk_test", req.Header.Get("Authorization"))
			assert.Equal(t, txn.TransactionID, req.Header.Get("Idempotency-Key"))
			require.NoError(t, json.NewDecoder(req.Body).Decode(&received))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]string{"reference": "PRV-1", "status": "pending"})
		})

	party := model.Party{Name: gofakeit.Name(), Email: gofakeit.Email()}
	res, err := c.InitiatePayin(context.Background(), provider.InitiateRequest{Transaction: txn, Party: party})
	require.NoError(t, err)
	assert.Equal(t, "PRV-1", res.ProviderRef)
	assert.Equal(t, model.StatusProcessing, res.Status)
	assert.Equal(t, txn.Amount, received.Amount)
	assert.Equal(t, party.Email, received.Party.Email)
}

func TestInitiatePayout_SynchronousSuccess(t *testing.T) {
	c := newClient(t)
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/payouts",
		httpmock.NewStringResponder(http.StatusCreated, `{"reference":"PRV-2","status":"successful"}`))

	res, err := c.InitiatePayout(context.Background(), provider.InitiateRequest{Transaction: fakeTransaction()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
}

func TestInitiate_ErrorStatuses(t *testing.T) {
	c := newClient(t)
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/payins",
		httpmock.NewStringResponder(http.StatusBadRequest, `{"error":"invalid account"}`))
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/payouts",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `down`))

	_, err := c.InitiatePayin(context.Background(), provider.InitiateRequest{Transaction: fakeTransaction()})
	var httpErr *provider.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)

	_, err = c.InitiatePayout(context.Background(), provider.InitiateRequest{Transaction: fakeTransaction()})
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.HTTPStatus())
}

func TestInitiate_UnknownStatusIsMalformed(t *testing.T) {
	c := newClient(t)
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/payins",
		httpmock.NewStringResponder(http.StatusOK, `{"reference":"PRV-3","status":"beamed"}`))

	_, err := c.InitiatePayin(context.Background(), provider.InitiateRequest{Transaction: fakeTransaction()})
	assert.True(t, errors.Is(err, provider.ErrMalformedPayload))
}

func TestCheckStatus(t *testing.T) {
	c := newClient(t)
	httpmock.RegisterResponder(http.MethodGet, baseURL+"/payments/PRV-4",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"declined","reason":"do not honor"}`))

	txn := fakeTransaction()
	txn.ProviderRef = "PRV-4"
	res, err := c.CheckStatus(context.Background(), txn)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, "do not honor", res.FailureReason)
	assert.Equal(t, "PRV-4", res.ProviderRef)
}

func TestHandleWebhook(t *testing.T) {
	c := newClient(t)
	ev, err := c.HandleWebhook(context.Background(), provider.WebhookCommon, []byte(`{"reference":"PRV-5","status":"completed"}`))
	require.NoError(t, err)
	assert.Equal(t, "PRV-5", ev.ProviderRef)
	assert.Equal(t, model.StatusSuccess, ev.Status)

	_, err = c.HandleWebhook(context.Background(), provider.WebhookCommon, []byte(`<xml/>`))
	assert.True(t, errors.Is(err, provider.ErrMalformedPayload))
}
