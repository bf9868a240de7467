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
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/paygate/database"
	"github.com/blnkfinance/paygate/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

var _ database.IDataSource = (*MockDataSource)(nil)

func transactionArg(args mock.Arguments, i int) *model.Transaction {
	if t, ok := args.Get(i).(*model.Transaction); ok {
		return t
	}
	return nil
}

func outboxArgs(args mock.Arguments) []*model.OutboxEntry {
	if e, ok := args.Get(0).([]*model.OutboxEntry); ok {
		return e
	}
	return nil
}

// Transaction methods

func (m *MockDataSource) CreateTransaction(ctx context.Context, txn *model.Transaction, effects []model.OutboxEntry) (*model.Transaction, bool, error) {
	args := m.Called(ctx, txn, effects)
	return transactionArg(args, 0), args.Bool(1), args.Error(2)
}

func (m *MockDataSource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	args := m.Called(ctx, id)
	return transactionArg(args, 0), args.Error(1)
}

func (m *MockDataSource) GetTransactionByOrderID(ctx context.Context, merchantID, orderID string) (*model.Transaction, error) {
	args := m.Called(ctx, merchantID, orderID)
	return transactionArg(args, 0), args.Error(1)
}

func (m *MockDataSource) GetTransactionByProviderRef(ctx context.Context, providerID, providerRef string) (*model.Transaction, error) {
	args := m.Called(ctx, providerID, providerRef)
	return transactionArg(args, 0), args.Error(1)
}

func (m *MockDataSource) GetTransactionEvents(ctx context.Context, id string) ([]model.Event, error) {
	args := m.Called(ctx, id)
	events, _ := args.Get(0).([]model.Event)
	return events, args.Error(1)
}

func (m *MockDataSource) TransitionTransaction(ctx context.Context, t model.Transition, effects database.EffectsFunc) (*model.Transaction, bool, error) {
	args := m.Called(ctx, t, effects)
	return transactionArg(args, 0), args.Bool(1), args.Error(2)
}

func (m *MockDataSource) ClaimExpiredTransactions(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	args := m.Called(ctx, cutoff, limit)
	txns, _ := args.Get(0).([]*model.Transaction)
	return txns, args.Error(1)
}

// Outbox methods

func (m *MockDataSource) EnqueueOutbox(ctx context.Context, entry model.OutboxEntry) (bool, error) {
	args := m.Called(ctx, entry)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEntry, error) {
	args := m.Called(ctx, now, limit)
	return outboxArgs(args), args.Error(1)
}

func (m *MockDataSource) MarkOutboxSent(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) RescheduleOutbox(ctx context.Context, id string, next time.Time, lastError string) error {
	args := m.Called(ctx, id, next, lastError)
	return args.Error(0)
}

func (m *MockDataSource) MarkOutboxFailed(ctx context.Context, id string, lastError string) error {
	args := m.Called(ctx, id, lastError)
	return args.Error(0)
}

func (m *MockDataSource) ReleaseStaleOutbox(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) GetFailedOutbox(ctx context.Context, limit, offset int) ([]*model.OutboxEntry, error) {
	args := m.Called(ctx, limit, offset)
	return outboxArgs(args), args.Error(1)
}

func (m *MockDataSource) RetryFailedOutbox(ctx context.Context, id string) (*model.OutboxEntry, error) {
	args := m.Called(ctx, id)
	entry, _ := args.Get(0).(*model.OutboxEntry)
	return entry, args.Error(1)
}

func (m *MockDataSource) GetOutboxByTransaction(ctx context.Context, transactionID string) ([]*model.OutboxEntry, error) {
	args := m.Called(ctx, transactionID)
	return outboxArgs(args), args.Error(1)
}

// Merchant methods

func (m *MockDataSource) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	args := m.Called(ctx, id)
	merchant, _ := args.Get(0).(*model.Merchant)
	return merchant, args.Error(1)
}

func (m *MockDataSource) GetChannel(ctx context.Context, providerID, legalEntityID string) (*model.Channel, error) {
	args := m.Called(ctx, providerID, legalEntityID)
	channel, _ := args.Get(0).(*model.Channel)
	return channel, args.Error(1)
}

func (m *MockDataSource) UpsertMerchant(ctx context.Context, merchant *model.Merchant) error {
	args := m.Called(ctx, merchant)
	return args.Error(0)
}

func (m *MockDataSource) UpsertChannel(ctx context.Context, channel *model.Channel) error {
	args := m.Called(ctx, channel)
	return args.Error(0)
}
