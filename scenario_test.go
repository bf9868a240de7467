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
	"testing"

	"github.com/blnkfinance/paygate/internal/resilience"
	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/blnkfinance/paygate/provider/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayinSettledByWebhook(t *testing.T) {
	gateway := sandbox.New()
	env := newTestEnv(t, gateway, nil)
	ctx := context.Background()

	resp, err := env.paygate.InitiatePayin(ctx, testMerchant, paymentRequest("T1", 1000))
	require.NoError(t, err)
	assert.False(t, resp.Existing)
	assert.Equal(t, model.StatusProcessing, resp.Status)
	require.NotEmpty(t, resp.ProviderRef)

	entries, err := env.ds.GetOutboxByTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Empty(t, entries, "a payin owes nothing until it settles")

	require.NoError(t, gateway.Settle(resp.ProviderRef, model.StatusSuccess, ""))
	body := notificationBody(t, resp.TransactionID, resp.ProviderRef, "successful")

	ack, err := env.paygate.IngestWebhook(ctx, "payin", testProvider, testLegalEntity, body)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, ack.Outcome)
	assert.False(t, ack.AlreadyProcessed)
	assert.Equal(t, model.StatusSuccess, ack.Status)

	entries, err = env.ds.GetOutboxByTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.OutboxType{model.OutboxLedgerPayinCredit, model.OutboxMerchantCallback}, outboxTypes(entries))

	dispatcher := NewOutboxDispatcher(env.paygate)
	n, err := dispatcher.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err = env.ds.GetOutboxByTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, model.OutboxSent, e.Status, e.Type)
	}

	assert.Equal(t, []string{resp.TransactionID + ":SUCCESS:LEDGER_PAYIN_CREDIT"}, env.ledger.Keys())
	sent := env.callbacks.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "payin.success", sent[0].Event)
	assert.Equal(t, "T1", sent[0].OrderID)
	assert.Equal(t, int64(1000), sent[0].Amount)

	// a redelivered webhook changes nothing
	ack, err = env.paygate.IngestWebhook(ctx, "payin", testProvider, testLegalEntity, body)
	require.NoError(t, err)
	assert.True(t, ack.AlreadyProcessed)
	assert.Equal(t, model.StatusSuccess, ack.Status)

	entries, err = env.ds.GetOutboxByTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	txn, err := env.paygate.GetTransaction(ctx, testMerchant, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, []model.EventType{model.EventCreated, model.EventProviderCalled, model.EventWebhookSuccess}, eventTypes(txn.Events))
}

func TestPayoutProviderTimeoutFailsAndVoids(t *testing.T) {
	gateway := &fakeGateway{
		initiate: func(ctx context.Context, _ provider.InitiateRequest) (*provider.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	env := newTestEnv(t, gateway, nil)
	ctx := context.Background()

	resp, err := env.paygate.InitiatePayout(ctx, testMerchant, paymentRequest("P1", 500))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, resp.Status)
	assert.NotEmpty(t, resp.FailureReason)
	assert.Equal(t, 3, gateway.InitiateCalls(), "one call plus two retries")

	txn, err := env.paygate.GetTransaction(ctx, testMerchant, resp.TransactionID)
	require.NoError(t, err)
	last := txn.Events[len(txn.Events)-1]
	assert.Equal(t, model.EventProviderFailed, last.Type)
	assert.Equal(t, string(resilience.ResultTimeout), last.Payload["result"])

	entries, err := env.ds.GetOutboxByTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.OutboxType{
		model.OutboxLedgerPayoutHold,
		model.OutboxLedgerPayoutVoid,
		model.OutboxMerchantCallback,
	}, outboxTypes(entries))

	_, err = NewOutboxDispatcher(env.paygate).Drain(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		resp.TransactionID + ":PENDING:LEDGER_PAYOUT_HOLD",
		resp.TransactionID + ":FAILED:LEDGER_PAYOUT_VOID",
	}, env.ledger.Keys())

	sent := env.callbacks.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "payout.failed", sent[0].Event)
	assert.Equal(t, model.StatusFailed, sent[0].Status)
}
