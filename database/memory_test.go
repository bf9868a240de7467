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

package database

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callbackEffect(txn *model.Transaction) ([]model.OutboxEntry, error) {
	entry, err := model.NewOutboxEntry(txn, txn.Status, model.OutboxMerchantCallback, nil, 3)
	if err != nil {
		return nil, err
	}
	return []model.OutboxEntry{entry}, nil
}

func TestMemory_CreateTransactionIsIdempotentPerOrder(t *testing.T) {
	ds := NewMemoryDataSource()
	ctx := context.Background()

	first := sampleTransaction()
	stored, created, err := ds.CreateTransaction(ctx, first, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.TransactionID, stored.TransactionID)

	second := sampleTransaction()
	second.TransactionID = "txn_other"
	stored, created, err = ds.CreateTransaction(ctx, second, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TransactionID, stored.TransactionID)

	events, err := ds.GetTransactionEvents(ctx, first.TransactionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCreated, events[0].Type)

	_, err = ds.GetTransaction(ctx, "txn_other")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestMemory_TransitionRespectsLifecycle(t *testing.T) {
	ds := NewMemoryDataSource()
	ctx := context.Background()
	_, _, err := ds.CreateTransaction(ctx, sampleTransaction(), nil)
	require.NoError(t, err)

	txn, applied, err := ds.TransitionTransaction(ctx, model.Transition{
		TransactionID: "txn_1", To: model.StatusProcessing, Event: model.EventProviderCalled, ProviderRef: "ref-1",
	}, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "ref-1", txn.ProviderRef)

	txn, applied, err = ds.TransitionTransaction(ctx, model.Transition{
		TransactionID: "txn_1", To: model.StatusSuccess, Event: model.EventWebhookSuccess, ProviderRef: "ref-2",
	}, callbackEffect)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusSuccess, txn.Status)
	assert.Equal(t, "ref-1", txn.ProviderRef, "provider reference is never overwritten")

	// terminal: the duplicate is reported, not applied
	txn, applied, err = ds.TransitionTransaction(ctx, model.Transition{
		TransactionID: "txn_1", To: model.StatusFailed, Event: model.EventWebhookFailed,
	}, callbackEffect)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.StatusSuccess, txn.Status)

	entries, err := ds.GetOutboxByTransaction(ctx, "txn_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "txn_1:SUCCESS:MERCHANT_CALLBACK", entries[0].DedupeKey)

	events, err := ds.GetTransactionEvents(ctx, "txn_1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.StatusProcessing, events[2].FromStatus)
}

func TestMemory_ConcurrentTransitionsApplyOnce(t *testing.T) {
	ds := NewMemoryDataSource()
	ctx := context.Background()
	_, _, err := ds.CreateTransaction(ctx, sampleTransaction(), nil)
	require.NoError(t, err)

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := model.StatusSuccess
			if i%2 == 0 {
				to = model.StatusFailed
			}
			_, ok, err := ds.TransitionTransaction(ctx, model.Transition{
				TransactionID: "txn_1", To: to, Event: model.EventWebhookSuccess,
			}, callbackEffect)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&applied, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied)
	entries, err := ds.GetOutboxByTransaction(ctx, "txn_1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemory_OutboxLifecycle(t *testing.T) {
	ds := NewMemoryDataSource()
	ctx := context.Background()
	txn := sampleTransaction()

	entry, err := model.NewOutboxEntry(txn, model.StatusSuccess, model.OutboxLedgerPayinCredit, nil, 2)
	require.NoError(t, err)
	inserted, err := ds.EnqueueOutbox(ctx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)
	select {
	case <-ds.Notifications():
	default:
		t.Fatal("expected an outbox notification")
	}

	dup := entry
	dup.ID = "obx_dup"
	inserted, err = ds.EnqueueOutbox(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	now := time.Now().UTC().Add(time.Second)
	claimed, err := ds.ClaimOutbox(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	// already claimed
	again, err := ds.ClaimOutbox(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, ds.RescheduleOutbox(ctx, entry.ID, now.Add(time.Minute), "ledger down"))
	notDue, err := ds.ClaimOutbox(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, notDue)

	claimed, err = ds.ClaimOutbox(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)

	require.NoError(t, ds.MarkOutboxFailed(ctx, entry.ID, "ledger down"))
	failed, err := ds.GetFailedOutbox(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	retried, err := ds.RetryFailedOutbox(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, retried.Status)
	assert.Equal(t, 0, retried.Attempts)

	claimed, err = ds.ClaimOutbox(ctx, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, ds.MarkOutboxSent(ctx, entry.ID))
	assert.True(t, apierror.HasCode(ds.MarkOutboxSent(ctx, entry.ID), apierror.ErrNotFound))
}

func TestMemory_ClaimOutboxWaitsForHold(t *testing.T) {
	ds := NewMemoryDataSource()
	ctx := context.Background()
	txn := sampleTransaction()

	hold, err := model.NewOutboxEntry(txn, model.StatusPending, model.OutboxLedgerPayoutHold, nil, 5)
	require.NoError(t, err)
	commit, err := model.NewOutboxEntry(txn, model.StatusSuccess, model.OutboxLedgerPayoutCommit, nil, 5)
	require.NoError(t, err)
	for _, e := range []model.OutboxEntry{hold, commit} {
		_, err := ds.EnqueueOutbox(ctx, e)
		require.NoError(t, err)
	}

	now := time.Now().UTC().Add(time.Second)
	claimed, err := ds.ClaimOutbox(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, model.OutboxLedgerPayoutHold, claimed[0].Type)

	require.NoError(t, ds.RescheduleOutbox(ctx, hold.ID, now.Add(time.Minute), "ledger down"))
	claimed, err = ds.ClaimOutbox(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "commit waits while the hold is unsent")

	claimed, err = ds.ClaimOutbox(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, model.OutboxLedgerPayoutHold, claimed[0].Type)
	require.NoError(t, ds.MarkOutboxSent(ctx, hold.ID))

	claimed, err = ds.ClaimOutbox(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, model.OutboxLedgerPayoutCommit, claimed[0].Type)
	assert.Equal(t, 1, claimed[0].Attempts)
}

func TestMemory_ReleaseStaleOutbox(t *testing.T) {
	ds := NewMemoryDataSource()
	ctx := context.Background()

	entry, err := model.NewOutboxEntry(sampleTransaction(), model.StatusSuccess, model.OutboxMerchantCallback, nil, 5)
	require.NoError(t, err)
	_, err = ds.EnqueueOutbox(ctx, entry)
	require.NoError(t, err)

	claimedAt := time.Now().UTC().Add(time.Second)
	_, err = ds.ClaimOutbox(ctx, claimedAt, 1)
	require.NoError(t, err)

	n, err := ds.ReleaseStaleOutbox(ctx, claimedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = ds.ReleaseStaleOutbox(ctx, claimedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_ExpiredTransactions(t *testing.T) {
	ds := NewMemoryDataSource()
	ctx := context.Background()
	now := time.Now().UTC()

	old := sampleTransaction()
	old.ExpiresAt = now.Add(-time.Minute)
	fresh := sampleTransaction()
	fresh.TransactionID, fresh.OrderID = "txn_2", "order-2"
	done := sampleTransaction()
	done.TransactionID, done.OrderID, done.Status = "txn_3", "order-3", model.StatusSuccess
	done.ExpiresAt = now.Add(-time.Hour)

	for _, txn := range []*model.Transaction{old, fresh, done} {
		_, _, err := ds.CreateTransaction(ctx, txn, nil)
		require.NoError(t, err)
	}

	expired, err := ds.ClaimExpiredTransactions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "txn_1", expired[0].TransactionID)
}

func TestMemory_ClaimExpiredRotatesSweptRows(t *testing.T) {
	ds := NewMemoryDataSource()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"txn_a", "txn_b", "txn_c"} {
		txn := sampleTransaction()
		txn.TransactionID, txn.OrderID = id, "order-"+id
		txn.ExpiresAt = now.Add(time.Duration(i-10) * time.Minute)
		_, _, err := ds.CreateTransaction(ctx, txn, nil)
		require.NoError(t, err)
	}

	first, err := ds.ClaimExpiredTransactions(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "txn_a", first[0].TransactionID)
	assert.Equal(t, "txn_b", first[1].TransactionID)

	second, err := ds.ClaimExpiredTransactions(ctx, now.Add(time.Second), 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "txn_c", second[0].TransactionID, "rows never swept come first")
	assert.Equal(t, "txn_a", second[1].TransactionID)
}

func TestMemory_MerchantsAndChannels(t *testing.T) {
	ds := NewMemoryDataSource()
	ctx := context.Background()

	require.NoError(t, ds.UpsertMerchant(ctx, &model.Merchant{MerchantID: "m1", Active: true}))
	c := &model.Channel{ProviderID: "sandbox", LegalEntityID: "le_1", Active: true}
	require.NoError(t, ds.UpsertChannel(ctx, c))

	m, err := ds.GetMerchant(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.Active)

	got, err := ds.GetChannel(ctx, "sandbox", "le_1")
	require.NoError(t, err)
	assert.Equal(t, c.ChannelID, got.ChannelID)

	_, err = ds.GetChannel(ctx, "sandbox", "le_2")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}
