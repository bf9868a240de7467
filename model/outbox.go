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

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type OutboxType string

const (
	OutboxLedgerPayinCredit  OutboxType = "LEDGER_PAYIN_CREDIT"
	OutboxLedgerPayoutHold   OutboxType = "LEDGER_PAYOUT_HOLD"
	OutboxLedgerPayoutCommit OutboxType = "LEDGER_PAYOUT_COMMIT"
	OutboxLedgerPayoutVoid   OutboxType = "LEDGER_PAYOUT_VOID"
	OutboxMerchantCallback   OutboxType = "MERCHANT_CALLBACK"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxSent       OutboxStatus = "SENT"
	OutboxFailed     OutboxStatus = "FAILED"
)

// IsLedger reports whether the entry posts to the ledger rather than calling a merchant.
func (t OutboxType) IsLedger() bool {
	return t != OutboxMerchantCallback
}

// SettlesHold reports whether the entry commits or voids a payout hold and
// therefore must not run before the hold has been posted.
func (t OutboxType) SettlesHold() bool {
	return t == OutboxLedgerPayoutCommit || t == OutboxLedgerPayoutVoid
}

type OutboxEntry struct {
	ID            string          `json:"id"`
	Type          OutboxType      `json:"type"`
	TransactionID string          `json:"transaction_id"`
	Payload       json.RawMessage `json:"payload"`
	DedupeKey     string          `json:"dedupe_key"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	Status        OutboxStatus    `json:"status"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DedupeKey identifies one logical side effect of one transaction reaching one status.
func DedupeKey(transactionID string, target Status, effect OutboxType) string {
	return fmt.Sprintf("%s:%s:%s", transactionID, target, effect)
}

// NewOutboxEntry builds a PENDING entry due immediately.
func NewOutboxEntry(txn *Transaction, target Status, effect OutboxType, payload interface{}, maxAttempts int) (OutboxEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return OutboxEntry{}, err
	}
	now := time.Now().UTC()
	return OutboxEntry{
		ID:            GenerateUUIDWithSuffix("obx"),
		Type:          effect,
		TransactionID: txn.TransactionID,
		Payload:       raw,
		DedupeKey:     DedupeKey(txn.TransactionID, target, effect),
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		Status:        OutboxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// LedgerPosting is the payload of a ledger outbox entry.
type LedgerPosting struct {
	TransactionID string          `json:"transaction_id"`
	MerchantID    string          `json:"merchant_id"`
	Type          TransactionType `json:"type"`
	Operation     OutboxType      `json:"operation"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	ProviderID    string          `json:"provider_id"`
	LegalEntityID string          `json:"legal_entity_id"`
}

// CallbackPayload is the body delivered to a merchant's callback url.
type CallbackPayload struct {
	Event         string          `json:"event"`
	TransactionID string          `json:"transaction_id"`
	OrderID       string          `json:"order_id"`
	MerchantID    string          `json:"merchant_id"`
	Type          TransactionType `json:"type"`
	Status        Status          `json:"status"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	ProviderRef   string          `json:"provider_ref,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
