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
	"errors"
	"fmt"
	"time"
)

type TransactionType string

const (
	TypePayin  TransactionType = "PAYIN"
	TypePayout TransactionType = "PAYOUT"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// EventType labels an entry in a transaction's append-only event log.
type EventType string

const (
	EventCreated           EventType = "CREATED"
	EventProviderCalled    EventType = "PROVIDER_CALLED"
	EventProviderFailed    EventType = "PROVIDER_FAILED"
	EventWebhookSuccess    EventType = "WEBHOOK_SUCCESS"
	EventWebhookFailed     EventType = "WEBHOOK_FAILED"
	EventWebhookProcessing EventType = "WEBHOOK_PROCESSING"
	EventStatusSynced      EventType = "STATUS_SYNCED"
	EventExpired           EventType = "EXPIRED"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusSuccess, StatusFailed, StatusExpired},
	StatusProcessing: {StatusSuccess, StatusFailed},
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusExpired
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses a transaction may be in for a move to target to apply.
func AllowedFrom(target Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusProcessing} {
		if CanTransition(s, target) {
			from = append(from, s)
		}
	}
	return from
}

type Transaction struct {
	TransactionID string                 `json:"transaction_id"`
	MerchantID    string                 `json:"merchant_id"`
	OrderID       string                 `json:"order_id"`
	ProviderRef   string                 `json:"provider_ref,omitempty"`
	Type          TransactionType        `json:"type"`
	Amount        int64                  `json:"amount"`
	Currency      string                 `json:"currency"`
	Status        Status                 `json:"status"`
	PaymentMode   string                 `json:"payment_mode,omitempty"`
	ProviderID    string                 `json:"provider_id"`
	LegalEntityID string                 `json:"legal_entity_id"`
	ChannelID     string                 `json:"channel_id"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
	ExpiresAt     time.Time              `json:"expires_at"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Events        []Event                `json:"events,omitempty"`
}

// Event is one immutable entry in a transaction's history.
type Event struct {
	ID            int64                  `json:"-"`
	TransactionID string                 `json:"transaction_id"`
	Type          EventType              `json:"type"`
	FromStatus    Status                 `json:"from_status,omitempty"`
	ToStatus      Status                 `json:"to_status"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

func (transaction *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(transaction)
}

func (transaction *Transaction) IsPayout() bool {
	return transaction.Type == TypePayout
}

// Expired reports whether the transaction has outlived its expiry time.
func (transaction *Transaction) Expired(now time.Time) bool {
	return !transaction.ExpiresAt.IsZero() && now.After(transaction.ExpiresAt)
}

// Transition describes one requested state change. It is the only shape in
// which status moves are expressed, whatever the signal source.
type Transition struct {
	TransactionID string
	To            Status
	Event         EventType
	ProviderRef   string
	FailureReason string
	Payload       map[string]interface{}
}

func (t Transition) Validate() error {
	if t.TransactionID == "" {
		return errors.New("transition requires a transaction id")
	}
	if !t.To.Valid() || t.To == StatusPending {
		return fmt.Errorf("%w: target %q", ErrInvalidTransition, t.To)
	}
	if t.Event == "" {
		return errors.New("transition requires an event type")
	}
	return nil
}
