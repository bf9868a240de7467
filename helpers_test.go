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

package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blnkfinance/paygate/config"
	"github.com/blnkfinance/paygate/database"
	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
)

const (
	testMerchant    = "m1"
	testProvider    = "psp"
	testLegalEntity = "le_1"
)

// fakeGateway is a scripted provider. Nil funcs fall back to an accepting provider.
type fakeGateway struct {
	initiate func(ctx context.Context, req provider.InitiateRequest) (*provider.Result, error)
	check    func(ctx context.Context, txn *model.Transaction) (*provider.Result, error)
	webhook  func(ctx context.Context, wt provider.WebhookType, body []byte) (*provider.WebhookEvent, error)

	initiateCalls int32
	checkCalls    int32
}

func (f *fakeGateway) doInitiate(ctx context.Context, req provider.InitiateRequest) (*provider.Result, error) {
	atomic.AddInt32(&f.initiateCalls, 1)
	if f.initiate != nil {
		return f.initiate(ctx, req)
	}
	return &provider.Result{ProviderRef: "ref_" + req.Transaction.TransactionID, Status: model.StatusProcessing}, nil
}

func (f *fakeGateway) InitiatePayin(ctx context.Context, req provider.InitiateRequest) (*provider.Result, error) {
	return f.doInitiate(ctx, req)
}

func (f *fakeGateway) InitiatePayout(ctx context.Context, req provider.InitiateRequest) (*provider.Result, error) {
	return f.doInitiate(ctx, req)
}

func (f *fakeGateway) CheckStatus(ctx context.Context, txn *model.Transaction) (*provider.Result, error) {
	atomic.AddInt32(&f.checkCalls, 1)
	if f.check != nil {
		return f.check(ctx, txn)
	}
	return &provider.Result{ProviderRef: txn.ProviderRef, Status: txn.Status}, nil
}

func (f *fakeGateway) HandleWebhook(ctx context.Context, wt provider.WebhookType, body []byte) (*provider.WebhookEvent, error) {
	if f.webhook != nil {
		return f.webhook(ctx, wt, body)
	}
	return provider.ParseJSONNotification(body)
}

func (f *fakeGateway) InitiateCalls() int {
	return int(atomic.LoadInt32(&f.initiateCalls))
}

type ledgerCall struct {
	key     string
	posting model.LedgerPosting
}

type fakeLedger struct {
	mu    sync.Mutex
	calls []ledgerCall
	err   error
	// failures makes the next n posts of an operation fail
	failures map[model.OutboxType]int
}

func (l *fakeLedger) Post(_ context.Context, key string, posting model.LedgerPosting) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if l.failures[posting.Operation] > 0 {
		l.failures[posting.Operation]--
		return errors.New("ledger rejected " + string(posting.Operation))
	}
	l.calls = append(l.calls, ledgerCall{key: key, posting: posting})
	return nil
}

func (l *fakeLedger) Operations() []model.OutboxType {
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := make([]model.OutboxType, 0, len(l.calls))
	for _, c := range l.calls {
		ops = append(ops, c.posting.Operation)
	}
	return ops
}

func (l *fakeLedger) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.calls))
	for _, c := range l.calls {
		keys = append(keys, c.key)
	}
	return keys
}

type fakeCallbacks struct {
	mu       sync.Mutex
	payloads []model.CallbackPayload
	urls     []string
	err      error
}

func (c *fakeCallbacks) Send(_ context.Context, url, _ string, payload model.CallbackPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.urls = append(c.urls, url)
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *fakeCallbacks) Sent() []model.CallbackPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.CallbackPayload(nil), c.payloads...)
}

type testEnv struct {
	paygate   *Paygate
	ds        *database.MemoryDataSource
	registry  *provider.Registry
	ledger    *fakeLedger
	callbacks *fakeCallbacks
	config    *config.Configuration
}

func testConfig() *config.Configuration {
	cnf := config.MockDefaults()
	retries := 2
	cnf.Resilience.TimeoutMs = 50
	cnf.Resilience.MaxRetries = &retries
	cnf.Resilience.BaseDelayMs = 1
	cnf.Resilience.MaxDelayMs = 5
	cnf.Outbox.MaxAttempts = 3
	cnf.Outbox.BaseDelayMs = 1
	cnf.Outbox.MaxDelayMs = 5
	cnf.Queue.MaxAttempts = 2
	config.MockConfig(cnf)
	return cnf
}

// newTestEnv builds a Paygate over the in-memory store with merchant m1
// routed to gateway for both payins and payouts.
func newTestEnv(t *testing.T, gateway provider.Gateway, tweak func(cnf *config.Configuration), opts ...Option) *testEnv {
	t.Helper()
	cnf := testConfig()
	if tweak != nil {
		tweak(cnf)
	}

	ds := database.NewMemoryDataSource()
	ctx := context.Background()
	route := model.Route{ProviderID: testProvider, LegalEntityID: testLegalEntity}
	require.NoError(t, ds.UpsertMerchant(ctx, &model.Merchant{
		MerchantID:  testMerchant,
		Name:        gofakeit.Company(),
		Active:      true,
		PayinRoute:  route,
		PayoutRoute: route,
		CallbackURL: "https://merchant.test/hooks",
		Secret:      "whsec_test",
	}))
	require.NoError(t, ds.UpsertChannel(ctx, &model.Channel{
		ProviderID:    testProvider,
		LegalEntityID: testLegalEntity,
		Active:        true,
		PayinActive:   true,
		PayoutActive:  true,
	}))

	registry := provider.NewRegistry()
	registry.Register(testProvider, gateway)
	ledger := &fakeLedger{}
	callbacks := &fakeCallbacks{}

	all := append([]Option{WithProviders(registry), WithLedger(ledger), WithCallbackSender(callbacks)}, opts...)
	p, err := New(cnf, ds, all...)
	require.NoError(t, err)

	return &testEnv{paygate: p, ds: ds, registry: registry, ledger: ledger, callbacks: callbacks, config: cnf}
}

func paymentRequest(orderID string, amount int64) model.PaymentRequest {
	return model.PaymentRequest{
		OrderID:     orderID,
		Amount:      amount,
		Currency:    "USD",
		PaymentMode: "card",
		Party: model.Party{
			Name:  gofakeit.Name(),
			Email: gofakeit.Email(),
		},
	}
}

func notificationBody(t *testing.T, transactionID, reference, status string) []byte {
	t.Helper()
	body, err := json.Marshal(provider.JSONNotification{
		EventID:       gofakeit.UUID(),
		TransactionID: transactionID,
		Reference:     reference,
		Status:        status,
	})
	require.NoError(t, err)
	return body
}

func outboxTypes(entries []*model.OutboxEntry) []model.OutboxType {
	types := make([]model.OutboxType, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Type)
	}
	return types
}

func eventTypes(events []model.Event) []model.EventType {
	types := make([]model.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

// overdueTransaction stores a PENDING transaction whose expiry has passed.
func overdueTransaction(t *testing.T, env *testEnv, txnType model.TransactionType, orderID string) *model.Transaction {
	t.Helper()
	channel, err := env.ds.GetChannel(context.Background(), testProvider, testLegalEntity)
	require.NoError(t, err)

	now := time.Now().UTC()
	txn := &model.Transaction{
		TransactionID: model.GenerateUUIDWithSuffix("txn"),
		MerchantID:    testMerchant,
		OrderID:       orderID,
		Type:          txnType,
		Amount:        700,
		Currency:      "USD",
		Status:        model.StatusPending,
		ProviderID:    testProvider,
		LegalEntityID: testLegalEntity,
		ChannelID:     channel.ChannelID,
		ExpiresAt:     now.Add(-time.Minute),
		CreatedAt:     now.Add(-time.Hour),
		UpdatedAt:     now.Add(-time.Hour),
	}
	stored, created, err := env.ds.CreateTransaction(context.Background(), txn, nil)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}
