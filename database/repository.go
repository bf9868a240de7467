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
	"time"

	"github.com/blnkfinance/paygate/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	transaction // Transactions and their event log
	outbox      // Pending side effects
	merchant    // Merchant and channel configuration
}

// EffectsFunc computes the outbox entries a successful transition produces.
// It runs inside the database transaction that applies the status change and
// sees the updated record.
type EffectsFunc func(txn *model.Transaction) ([]model.OutboxEntry, error)

// transaction defines methods for handling transactions.
type transaction interface {
	// CreateTransaction inserts a PENDING transaction with its CREATED event
	// and initial outbox entries. When (merchant_id, order_id) already exists
	// the stored record is returned and created is false.
	CreateTransaction(ctx context.Context, txn *model.Transaction, effects []model.OutboxEntry) (stored *model.Transaction, created bool, err error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByOrderID(ctx context.Context, merchantID, orderID string) (*model.Transaction, error)
	GetTransactionByProviderRef(ctx context.Context, providerID, providerRef string) (*model.Transaction, error)
	GetTransactionEvents(ctx context.Context, id string) ([]model.Event, error)
	// TransitionTransaction moves a transaction to t.To only if its current
	// status allows it, appending the event and the produced outbox entries
	// atomically. applied is false when the status did not allow the move; the
	// current record is returned either way.
	TransitionTransaction(ctx context.Context, t model.Transition, effects EffectsFunc) (txn *model.Transaction, applied bool, err error)
	// ClaimExpiredTransactions returns up to limit non-terminal transactions
	// whose expiry is at or before the cutoff and stamps them as swept at the
	// cutoff. Rows never swept come first, then the least recently swept, so
	// rows that stay open cannot hold every batch.
	ClaimExpiredTransactions(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error)
}

// outbox defines methods for the transactional outbox.
type outbox interface {
	// EnqueueOutbox inserts the entry unless its dedupe key exists.
	EnqueueOutbox(ctx context.Context, entry model.OutboxEntry) (inserted bool, err error)
	// ClaimOutbox moves up to limit due PENDING entries to PROCESSING and
	// counts the attempt. Concurrent claimers never receive the same entry.
	// A payout commit or void is not claimed while the hold of the same
	// transaction has not been sent.
	ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEntry, error)
	MarkOutboxSent(ctx context.Context, id string) error
	RescheduleOutbox(ctx context.Context, id string, next time.Time, lastError string) error
	MarkOutboxFailed(ctx context.Context, id string, lastError string) error
	// ReleaseStaleOutbox returns PROCESSING entries claimed before cutoff to PENDING.
	ReleaseStaleOutbox(ctx context.Context, cutoff time.Time) (int64, error)
	GetFailedOutbox(ctx context.Context, limit, offset int) ([]*model.OutboxEntry, error)
	RetryFailedOutbox(ctx context.Context, id string) (*model.OutboxEntry, error)
	GetOutboxByTransaction(ctx context.Context, transactionID string) ([]*model.OutboxEntry, error)
}

// merchant defines methods for reading and seeding routing configuration.
type merchant interface {
	GetMerchant(ctx context.Context, id string) (*model.Merchant, error)
	GetChannel(ctx context.Context, providerID, legalEntityID string) (*model.Channel, error)
	UpsertMerchant(ctx context.Context, m *model.Merchant) error
	UpsertChannel(ctx context.Context, c *model.Channel) error
}

var (
	_ IDataSource = (*Datasource)(nil)
	_ IDataSource = (*MemoryDataSource)(nil)
)
