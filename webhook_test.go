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
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/internal/resilience"
	"github.com/blnkfinance/paygate/internal/webhookqueue"
	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testQueueKey   = "paygate:webhooks:queue"
	testDelayedKey = "paygate:webhooks:delayed"
)

func setupWebhookQueue(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient, webhookqueue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := webhookqueue.NewListQueue(client, webhookqueue.Options{
		MaxAttempts: 2,
		Backoff:     resilience.BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	return mr, client, q
}

func processingPayin(t *testing.T, env *testEnv, orderID string) *InitiateResponse {
	t.Helper()
	resp, err := env.paygate.InitiatePayin(context.Background(), testMerchant, paymentRequest(orderID, 1500))
	require.NoError(t, err)
	require.Equal(t, model.StatusProcessing, resp.Status)
	return resp
}

func TestIngestWebhook_InvalidType(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{}, nil)

	_, err := env.paygate.IngestWebhook(context.Background(), "refund", testProvider, testLegalEntity, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))
}

func TestIngestWebhook_MalformedGoesToDeadLetter(t *testing.T) {
	_, _, q := setupWebhookQueue(t)
	env := newTestEnv(t, &fakeGateway{}, nil, WithWebhookQueue(q))
	ctx := context.Background()

	ack, err := env.paygate.IngestWebhook(ctx, "payin", testProvider, testLegalEntity, []byte(`not json`))
	require.NoError(t, err)
	assert.Equal(t, WebhookDeadLettered, ack.Outcome)

	dead, err := env.paygate.WebhookDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ack.WebhookID, dead[0].ID)
	assert.Contains(t, dead[0].LastError, "malformed")
}

func TestIngestWebhook_UnknownProviderGoesToDeadLetter(t *testing.T) {
	_, _, q := setupWebhookQueue(t)
	env := newTestEnv(t, &fakeGateway{}, nil, WithWebhookQueue(q))

	body := notificationBody(t, "txn_1", "", "success")
	ack, err := env.paygate.IngestWebhook(context.Background(), "payin", "nobody", testLegalEntity, body)
	require.NoError(t, err)
	assert.Equal(t, WebhookDeadLettered, ack.Outcome)
}

func TestIngestWebhook_ProviderMismatchGoesToDeadLetter(t *testing.T) {
	_, _, q := setupWebhookQueue(t)
	env := newTestEnv(t, &fakeGateway{}, nil, WithWebhookQueue(q))
	env.registry.Register("other", &fakeGateway{})
	resp := processingPayin(t, env, "order-mismatch")

	body := notificationBody(t, resp.TransactionID, "", "success")
	ack, err := env.paygate.IngestWebhook(context.Background(), "payin", "other", testLegalEntity, body)
	require.NoError(t, err)
	assert.Equal(t, WebhookDeadLettered, ack.Outcome)

	txn, err := env.ds.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, txn.Status)
}

func TestIngestWebhook_UnknownTransactionIsQueued(t *testing.T) {
	mr, _, q := setupWebhookQueue(t)
	env := newTestEnv(t, &fakeGateway{}, nil, WithWebhookQueue(q))

	body := notificationBody(t, "", "ref_not_yet_known", "success")
	ack, err := env.paygate.IngestWebhook(context.Background(), "payin", testProvider, testLegalEntity, body)
	require.NoError(t, err)
	assert.Equal(t, WebhookQueued, ack.Outcome)

	queued, err := mr.List(testQueueKey)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestIngestWebhook_NoQueueReturnsError(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{}, nil)

	body := notificationBody(t, "", "ref_not_yet_known", "success")
	_, err := env.paygate.IngestWebhook(context.Background(), "payin", testProvider, testLegalEntity, body)
	require.Error(t, err)
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestIngestWebhook_ResolvesByProviderRef(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{}, nil)
	resp := processingPayin(t, env, "order-ref")

	body := notificationBody(t, "", resp.ProviderRef, "failed")
	ack, err := env.paygate.IngestWebhook(context.Background(), "payin", testProvider, testLegalEntity, body)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, ack.Outcome)
	assert.Equal(t, resp.TransactionID, ack.TransactionID)
	assert.Equal(t, model.StatusFailed, ack.Status)
}

func TestIngestWebhook_LateSignalAfterTerminal(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{}, nil)
	ctx := context.Background()
	resp := processingPayin(t, env, "order-late")

	_, err := env.paygate.IngestWebhook(ctx, "payin", testProvider, testLegalEntity, notificationBody(t, resp.TransactionID, "", "success"))
	require.NoError(t, err)

	ack, err := env.paygate.IngestWebhook(ctx, "payin", testProvider, testLegalEntity, notificationBody(t, resp.TransactionID, "", "failed"))
	require.NoError(t, err)
	assert.True(t, ack.AlreadyProcessed)
	assert.Equal(t, model.StatusSuccess, ack.Status)

	entries, err := env.ds.GetOutboxByTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "a late failure owes no side effects")
}

func TestWebhookWorker_ProcessesQueuedTask(t *testing.T) {
	_, _, q := setupWebhookQueue(t)
	env := newTestEnv(t, &fakeGateway{}, nil, WithWebhookQueue(q))
	ctx := context.Background()
	resp := processingPayin(t, env, "order-worker")

	task := webhookqueue.NewTask("payin", testProvider, testLegalEntity, notificationBody(t, resp.TransactionID, "", "success"))
	require.NoError(t, q.Enqueue(ctx, task))

	handled, err := NewWebhookWorker(env.paygate).ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	txn, err := env.ds.GetTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, txn.Status)
}

func TestWebhookWorker_RetriesThenDeadLetters(t *testing.T) {
	mr, _, q := setupWebhookQueue(t)
	env := newTestEnv(t, &fakeGateway{}, nil, WithWebhookQueue(q))
	ctx := context.Background()
	worker := NewWebhookWorker(env.paygate)

	task := webhookqueue.NewTask("payin", testProvider, testLegalEntity, notificationBody(t, "txn_missing", "", "success"))
	task.MaxAttempts = 1
	require.NoError(t, q.Enqueue(ctx, task))

	handled, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	delayed, err := mr.ZMembers(testDelayedKey)
	require.NoError(t, err)
	assert.Len(t, delayed, 1)

	time.Sleep(20 * time.Millisecond)
	handled, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	dead, err := env.paygate.WebhookDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, task.ID, dead[0].ID)
	assert.Equal(t, 2, dead[0].Attempt)
}

func TestWebhookWorker_RecoversFromPanic(t *testing.T) {
	mr, _, q := setupWebhookQueue(t)
	gateway := &fakeGateway{
		webhook: func(context.Context, provider.WebhookType, []byte) (*provider.WebhookEvent, error) {
			panic("adapter bug")
		},
	}
	env := newTestEnv(t, gateway, nil, WithWebhookQueue(q))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, webhookqueue.NewTask("payin", testProvider, testLegalEntity, []byte(`{}`))))

	handled, err := NewWebhookWorker(env.paygate).ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	delayed, err := mr.ZMembers(testDelayedKey)
	require.NoError(t, err)
	assert.Len(t, delayed, 1, "a panicking task is retried like any other failure")
}

func TestWebhookWorker_StartStop(t *testing.T) {
	_, _, q := setupWebhookQueue(t)
	env := newTestEnv(t, &fakeGateway{}, nil, WithWebhookQueue(q))
	env.config.Queue.DequeueTimeoutSec = 1

	worker := NewWebhookWorker(env.paygate)
	worker.Start(context.Background())
	assert.True(t, worker.IsRunning())
	worker.Stop()
	assert.False(t, worker.IsRunning())
}
