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
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blnkfinance/paygate"
	"github.com/blnkfinance/paygate/api/middleware"
	"github.com/blnkfinance/paygate/config"
	"github.com/blnkfinance/paygate/database"
	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/blnkfinance/paygate/provider/sandbox"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	merchantID     = "m1"
	merchantSecret = "whsec_test"
)

type testServer struct {
	router  *gin.Engine
	ds      *database.MemoryDataSource
	sandbox *sandbox.Sandbox
}

func setupRouter(t *testing.T, tweak func(cnf *config.Configuration)) *testServer {
	t.Helper()
	cnf := config.MockDefaults()
	if tweak != nil {
		tweak(cnf)
	}
	config.MockConfig(cnf)

	ctx := context.Background()
	ds := database.NewMemoryDataSource()
	route := model.Route{ProviderID: "psp", LegalEntityID: "le_1"}
	require.NoError(t, ds.UpsertMerchant(ctx, &model.Merchant{
		MerchantID:  merchantID,
		Name:        gofakeit.Company(),
		Active:      true,
		PayinRoute:  route,
		PayoutRoute: route,
		Secret:      merchantSecret,
	}))
	require.NoError(t, ds.UpsertChannel(ctx, &model.Channel{
		ProviderID:    "psp",
		LegalEntityID: "le_1",
		Active:        true,
		PayinActive:   true,
		PayoutActive:  true,
	}))

	gateway := sandbox.New()
	registry := provider.NewRegistry()
	registry.Register("psp", gateway)

	p, err := paygate.New(cnf, ds, paygate.WithProviders(registry))
	require.NoError(t, err)

	api := NewAPI(p)
	return &testServer{router: api.Router(), ds: ds, sandbox: gateway}
}

func (s *testServer) do(method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		payload, _ = json.Marshal(b)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func asMerchant(id string) map[string]string {
	return map[string]string{middleware.MerchantIDHeader: id}
}

func signedPayin(orderID string) map[string]interface{} {
	return map[string]interface{}{
		"order_id":     orderID,
		"amount":       "10.00",
		"currency":     "USD",
		"payment_mode": "card",
		"hash":         model.Sign(merchantSecret, model.RequestHashMessage("10.00", "USD", orderID, "card")),
		"customer":     map[string]string{"name": gofakeit.Name(), "email": gofakeit.Email()},
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestInitiatePayin_CreatedThenExisting(t *testing.T) {
	s := setupRouter(t, nil)

	w := s.do(http.MethodPost, "/payins", signedPayin("order-1"), asMerchant(merchantID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Equal(t, string(model.StatusProcessing), first["status"])
	assert.Equal(t, false, first["existing"])

	w = s.do(http.MethodPost, "/payins", signedPayin("order-1"), asMerchant(merchantID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode(t, w)
	assert.Equal(t, first["transaction_id"], second["transaction_id"])
	assert.Equal(t, true, second["existing"])
}

func TestInitiatePayin_Rejections(t *testing.T) {
	s := setupRouter(t, nil)

	badHash := signedPayin("order-2")
	badHash["hash"] = model.Sign("wrong", "x")

	badAmount := signedPayin("order-3")
	badAmount["amount"] = "0"

	tests := []struct {
		name       string
		body       interface{}
		header     map[string]string
		wantStatus int
	}{
		{name: "Missing merchant header", body: signedPayin("order-4"), wantStatus: http.StatusUnauthorized},
		{name: "Hash mismatch", body: badHash, header: asMerchant(merchantID), wantStatus: http.StatusUnauthorized},
		{name: "Invalid amount", body: badAmount, header: asMerchant(merchantID), wantStatus: http.StatusBadRequest},
		{name: "Malformed body", body: []byte("{"), header: asMerchant(merchantID), wantStatus: http.StatusBadRequest},
		{name: "Unknown merchant", body: signedPayin("order-5"), header: asMerchant("m_unknown"), wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/payins", tt.body, tt.header)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestInitiatePayin_Throttled(t *testing.T) {
	s := setupRouter(t, func(cnf *config.Configuration) {
		cnf.Throttle.SystemTPS = 1
		cnf.Throttle.WindowMs = 3600000
	})

	w := s.do(http.MethodPost, "/payins", signedPayin("tps-1"), asMerchant(merchantID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/payins", signedPayin("tps-2"), asMerchant(merchantID))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestInitiatePayout_RequiresBeneficiary(t *testing.T) {
	s := setupRouter(t, nil)

	body := signedPayin("payout-1")
	delete(body, "customer")
	w := s.do(http.MethodPost, "/payouts", body, asMerchant(merchantID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body["beneficiary"] = map[string]string{"name": gofakeit.Name(), "account_number": "0123456789", "bank_code": "058"}
	w = s.do(http.MethodPost, "/payouts", body, asMerchant(merchantID))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestGetTransaction(t *testing.T) {
	s := setupRouter(t, nil)

	w := s.do(http.MethodPost, "/payins", signedPayin("get-1"), asMerchant(merchantID))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["transaction_id"].(string)

	w = s.do(http.MethodGet, "/transactions/"+id, nil, asMerchant(merchantID))
	require.Equal(t, http.StatusOK, w.Code)
	txn := decode(t, w)
	assert.Equal(t, "get-1", txn["order_id"])
	assert.Len(t, txn["events"], 2)

	w = s.do(http.MethodGet, "/transactions/"+id, nil, asMerchant("m_other"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/admin/transactions/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSyncStatus(t *testing.T) {
	s := setupRouter(t, nil)

	w := s.do(http.MethodPost, "/payins", signedPayin("sync-1"), asMerchant(merchantID))
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, s.sandbox.Settle(decode(t, w)["provider_ref"].(string), model.StatusSuccess, ""))

	w = s.do(http.MethodPost, "/transactions/sync/sync-1", nil, asMerchant(merchantID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(model.StatusSuccess), decode(t, w)["status"])

	w = s.do(http.MethodPost, "/transactions/sync/missing", nil, asMerchant(merchantID))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiveWebhook(t *testing.T) {
	s := setupRouter(t, nil)

	w := s.do(http.MethodPost, "/payins", signedPayin("hook-1"), asMerchant(merchantID))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["transaction_id"].(string)

	notification := provider.JSONNotification{EventID: gofakeit.UUID(), TransactionID: id, Status: "successful"}
	w = s.do(http.MethodPost, "/webhook/payin/psp/le_1", notification, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ack := decode(t, w)
	assert.Equal(t, "processed", ack["outcome"])
	assert.Equal(t, string(model.StatusSuccess), ack["status"])

	w = s.do(http.MethodPost, "/webhook/refund/psp/le_1", notification, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	unknown := provider.JSONNotification{Reference: "sbx_unknown", Status: "successful"}
	w = s.do(http.MethodPost, "/webhook/payin/psp/le_1", unknown, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "without a queue the provider must redeliver")
}

func TestReceiveWebhook_BodyTooLarge(t *testing.T) {
	s := setupRouter(t, nil)

	body := bytes.Repeat([]byte("a"), maxWebhookBody+1)
	req := httptest.NewRequest(http.MethodPost, "/webhook/payin/psp/le_1", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, decode(t, w)["error"], "exceeds")
}

func TestAdminRoutes_SecretKey(t *testing.T) {
	s := setupRouter(t, func(cnf *config.Configuration) {
		cnf.Server.Secure = true
		cnf.Server.SecretKey = "sk_admin"
	})

	w := s.do(http.MethodGet, "/admin/outbox/failed", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	key := map[string]string{middleware.SecretKeyHeader: "sk_admin"}
	w = s.do(http.MethodGet, "/admin/outbox/failed?limit=5", nil, key)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = s.do(http.MethodGet, "/admin/webhooks/dead-letter", nil, key)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = s.do(http.MethodPost, "/admin/outbox/obx_missing/retry", nil, key)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
