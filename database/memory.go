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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/model"
)

// MemoryDataSource keeps everything in process behind a single mutex. It
// honours the same conditional-update and dedupe rules as Postgres and backs
// the workflow tests and single-node development.
type MemoryDataSource struct {
	mu           sync.Mutex
	transactions map[string]*model.Transaction
	byOrder      map[string]string
	events       map[string][]model.Event
	outbox       map[string]*model.OutboxEntry
	outboxByKey  map[string]string
	merchants    map[string]*model.Merchant
	channels     map[string]*model.Channel
	sweptAt      map[string]time.Time
	eventSeq     int64
	notify       chan struct{}
}

func NewMemoryDataSource() *MemoryDataSource {
	return &MemoryDataSource{
		transactions: make(map[string]*model.Transaction),
		byOrder:      make(map[string]string),
		events:       make(map[string][]model.Event),
		outbox:       make(map[string]*model.OutboxEntry),
		outboxByKey:  make(map[string]string),
		merchants:    make(map[string]*model.Merchant),
		channels:     make(map[string]*model.Channel),
		sweptAt:      make(map[string]time.Time),
		notify:       make(chan struct{}, 1),
	}
}

// Notifications fires after new outbox entries are stored, like OutboxChannel does for Postgres.
func (m *MemoryDataSource) Notifications() <-chan struct{} {
	return m.notify
}

func orderKey(merchantID, orderID string) string {
	return merchantID + "\x00" + orderID
}

func copyTransaction(t *model.Transaction) *model.Transaction {
	c := *t
	if t.MetaData != nil {
		c.MetaData = make(map[string]interface{}, len(t.MetaData))
		for k, v := range t.MetaData {
			c.MetaData[k] = v
		}
	}
	c.Events = nil
	return &c
}

func copyOutbox(e *model.OutboxEntry) *model.OutboxEntry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.ClaimedAt != nil {
		at := *e.ClaimedAt
		c.ClaimedAt = &at
	}
	return &c
}

func notFound(format string, args ...interface{}) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf(format, args...), nil)
}

func (m *MemoryDataSource) appendEventLocked(event model.Event) {
	m.eventSeq++
	event.ID = m.eventSeq
	m.events[event.TransactionID] = append(m.events[event.TransactionID], event)
}

func (m *MemoryDataSource) insertOutboxLocked(entries []model.OutboxEntry) int {
	inserted := 0
	for _, entry := range entries {
		if _, exists := m.outboxByKey[entry.DedupeKey]; exists {
			continue
		}
		e := entry
		m.outbox[e.ID] = copyOutbox(&e)
		m.outboxByKey[e.DedupeKey] = e.ID
		inserted++
	}
	if inserted > 0 {
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
	return inserted
}

func (m *MemoryDataSource) CreateTransaction(_ context.Context, txn *model.Transaction, effects []model.OutboxEntry) (*model.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byOrder[orderKey(txn.MerchantID, txn.OrderID)]; ok {
		return copyTransaction(m.transactions[id]), false, nil
	}
	if _, ok := m.transactions[txn.TransactionID]; ok {
		return nil, false, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction with ID '%s' already exists", txn.TransactionID), nil)
	}

	stored := copyTransaction(txn)
	m.transactions[stored.TransactionID] = stored
	m.byOrder[orderKey(stored.MerchantID, stored.OrderID)] = stored.TransactionID
	m.appendEventLocked(model.Event{
		TransactionID: stored.TransactionID,
		Type:          model.EventCreated,
		ToStatus:      stored.Status,
		Payload:       map[string]interface{}{"amount": stored.Amount, "currency": stored.Currency, "channel_id": stored.ChannelID},
		CreatedAt:     stored.CreatedAt,
	})
	m.insertOutboxLocked(effects)
	return copyTransaction(stored), true, nil
}

func (m *MemoryDataSource) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, notFound("Transaction with ID '%s' not found", id)
	}
	return copyTransaction(t), nil
}

func (m *MemoryDataSource) GetTransactionByOrderID(_ context.Context, merchantID, orderID string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOrder[orderKey(merchantID, orderID)]
	if !ok {
		return nil, notFound("Transaction with order ID '%s' not found", orderID)
	}
	return copyTransaction(m.transactions[id]), nil
}

func (m *MemoryDataSource) GetTransactionByProviderRef(_ context.Context, providerID, providerRef string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if providerRef != "" {
		for _, t := range m.transactions {
			if t.ProviderID == providerID && t.ProviderRef == providerRef {
				return copyTransaction(t), nil
			}
		}
	}
	return nil, notFound("Transaction with provider reference '%s' not found", providerRef)
}

func (m *MemoryDataSource) GetTransactionEvents(_ context.Context, id string) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Event(nil), m.events[id]...), nil
}

func (m *MemoryDataSource) TransitionTransaction(_ context.Context, t model.Transition, effects EffectsFunc) (*model.Transaction, bool, error) {
	if err := t.Validate(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transactions[t.TransactionID]
	if !ok {
		return nil, false, notFound("Transaction with ID '%s' not found", t.TransactionID)
	}
	if !model.CanTransition(stored.Status, t.To) {
		return copyTransaction(stored), false, nil
	}

	updated := copyTransaction(stored)
	from := updated.Status
	now := time.Now().UTC()
	updated.Status = t.To
	if updated.ProviderRef == "" {
		updated.ProviderRef = t.ProviderRef
	}
	if t.FailureReason != "" {
		updated.FailureReason = t.FailureReason
	}
	updated.UpdatedAt = now

	var entries []model.OutboxEntry
	if effects != nil {
		var err error
		entries, err = effects(copyTransaction(updated))
		if err != nil {
			return nil, false, fmt.Errorf("failed to build transition effects: %w", err)
		}
	}

	m.transactions[updated.TransactionID] = updated
	m.appendEventLocked(model.Event{
		TransactionID: updated.TransactionID,
		Type:          t.Event,
		FromStatus:    from,
		ToStatus:      t.To,
		Payload:       t.Payload,
		CreatedAt:     now,
	})
	m.insertOutboxLocked(entries)
	return copyTransaction(updated), true, nil
}

func (m *MemoryDataSource) ClaimExpiredTransactions(_ context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*model.Transaction
	for _, t := range m.transactions {
		if t.Status.IsTerminal() || t.ExpiresAt.IsZero() || t.ExpiresAt.After(cutoff) {
			continue
		}
		expired = append(expired, t)
	}
	sort.Slice(expired, func(i, j int) bool {
		si, sj := m.sweptAt[expired[i].TransactionID], m.sweptAt[expired[j].TransactionID]
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	claimed := make([]*model.Transaction, 0, len(expired))
	for _, t := range expired {
		m.sweptAt[t.TransactionID] = cutoff
		claimed = append(claimed, copyTransaction(t))
	}
	return claimed, nil
}

func (m *MemoryDataSource) EnqueueOutbox(_ context.Context, entry model.OutboxEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertOutboxLocked([]model.OutboxEntry{entry}) == 1, nil
}

func (m *MemoryDataSource) ClaimOutbox(_ context.Context, now time.Time, limit int) ([]*model.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*model.OutboxEntry
	for _, e := range m.outbox {
		if e.Status != model.OutboxPending || e.NextAttemptAt.After(now) {
			continue
		}
		if e.Type.SettlesHold() && m.holdUnsentLocked(e.TransactionID) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*model.OutboxEntry, 0, len(due))
	for _, e := range due {
		at := now
		e.Status = model.OutboxProcessing
		e.Attempts++
		e.ClaimedAt = &at
		e.UpdatedAt = now
		claimed = append(claimed, copyOutbox(e))
	}
	return claimed, nil
}

func (m *MemoryDataSource) holdUnsentLocked(transactionID string) bool {
	for _, e := range m.outbox {
		if e.TransactionID == transactionID && e.Type == model.OutboxLedgerPayoutHold && e.Status != model.OutboxSent {
			return true
		}
	}
	return false
}

func (m *MemoryDataSource) processingEntry(id string) (*model.OutboxEntry, error) {
	e, ok := m.outbox[id]
	if !ok || e.Status != model.OutboxProcessing {
		return nil, notFound("Outbox entry '%s' is not being processed", id)
	}
	return e, nil
}

func (m *MemoryDataSource) MarkOutboxSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.processingEntry(id)
	if err != nil {
		return err
	}
	e.Status = model.OutboxSent
	e.LastError = ""
	e.ClaimedAt = nil
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryDataSource) RescheduleOutbox(_ context.Context, id string, next time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.processingEntry(id)
	if err != nil {
		return err
	}
	e.Status = model.OutboxPending
	e.NextAttemptAt = next
	e.LastError = lastError
	e.ClaimedAt = nil
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryDataSource) MarkOutboxFailed(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.processingEntry(id)
	if err != nil {
		return err
	}
	e.Status = model.OutboxFailed
	e.LastError = lastError
	e.ClaimedAt = nil
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryDataSource) ReleaseStaleOutbox(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released int64
	for _, e := range m.outbox {
		if e.Status == model.OutboxProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = model.OutboxPending
			e.ClaimedAt = nil
			e.UpdatedAt = time.Now().UTC()
			released++
		}
	}
	return released, nil
}

func (m *MemoryDataSource) GetFailedOutbox(_ context.Context, limit, offset int) ([]*model.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []*model.OutboxEntry
	for _, e := range m.outbox {
		if e.Status == model.OutboxFailed {
			failed = append(failed, copyOutbox(e))
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].UpdatedAt.After(failed[j].UpdatedAt) })
	if offset >= len(failed) {
		return nil, nil
	}
	failed = failed[offset:]
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (m *MemoryDataSource) RetryFailedOutbox(_ context.Context, id string) (*model.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok || e.Status != model.OutboxFailed {
		return nil, notFound("Failed outbox entry '%s' not found", id)
	}
	now := time.Now().UTC()
	e.Status = model.OutboxPending
	e.Attempts = 0
	e.NextAttemptAt = now
	e.LastError = ""
	e.UpdatedAt = now
	return copyOutbox(e), nil
}

func (m *MemoryDataSource) GetOutboxByTransaction(_ context.Context, transactionID string) ([]*model.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*model.OutboxEntry
	for _, e := range m.outbox {
		if e.TransactionID == transactionID {
			entries = append(entries, copyOutbox(e))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (m *MemoryDataSource) GetMerchant(_ context.Context, id string) (*model.Merchant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merchant, ok := m.merchants[id]
	if !ok {
		return nil, notFound("Merchant with ID '%s' not found", id)
	}
	c := *merchant
	return &c, nil
}

func (m *MemoryDataSource) GetChannel(_ context.Context, providerID, legalEntityID string) (*model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.ChannelKey(providerID, legalEntityID)
	channel, ok := m.channels[key]
	if !ok {
		return nil, notFound("Channel '%s' not found", key)
	}
	c := *channel
	return &c, nil
}

func (m *MemoryDataSource) UpsertMerchant(_ context.Context, merchant *model.Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *merchant
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.merchants[c.MerchantID] = &c
	return nil
}

func (m *MemoryDataSource) UpsertChannel(_ context.Context, channel *model.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel.ChannelID == "" {
		channel.ChannelID = model.GenerateUUIDWithSuffix("chn")
	}
	c := *channel
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.channels[model.ChannelKey(c.ProviderID, c.LegalEntityID)] = &c
	return nil
}
