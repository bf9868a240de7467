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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("paygate.database")

const transactionColumns = "transaction_id, merchant_id, order_id, provider_ref, type, amount, currency, status, payment_mode, provider_id, legal_entity_id, channel_id, failure_reason, meta_data, expires_at, created_at, updated_at"

// qualified prefixes every column of a comma separated list with alias.
func qualified(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// scanTransaction reads transactionColumns, after any leading columns passed in lead.
func scanTransaction(row scanner, lead ...interface{}) (*model.Transaction, error) {
	txn := &model.Transaction{}
	var metaDataJSON []byte
	dest := append(lead,
		&txn.TransactionID, &txn.MerchantID, &txn.OrderID, &txn.ProviderRef, &txn.Type, &txn.Amount,
		&txn.Currency, &txn.Status, &txn.PaymentMode, &txn.ProviderID, &txn.LegalEntityID, &txn.ChannelID,
		&txn.FailureReason, &metaDataJSON, &txn.ExpiresAt, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}
	return txn, nil
}

func nullableJSON(v map[string]interface{}) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func (d Datasource) CreateTransaction(ctx context.Context, txn *model.Transaction, effects []model.OutboxEntry) (*model.Transaction, bool, error) {
	ctx, span := tracer.Start(ctx, "Saving transaction to db")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", txn.TransactionID), attribute.String("order.id", txn.OrderID))

	metaDataJSON, err := nullableJSON(txn.MetaData)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO paygate.transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (merchant_id, order_id) DO NOTHING
	`,
		txn.TransactionID, txn.MerchantID, txn.OrderID, txn.ProviderRef, txn.Type, txn.Amount,
		txn.Currency, txn.Status, txn.PaymentMode, txn.ProviderID, txn.LegalEntityID, txn.ChannelID,
		txn.FailureReason, metaDataJSON, txn.ExpiresAt, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rows == 0 {
		_ = tx.Rollback()
		existing, err := d.GetTransactionByOrderID(ctx, txn.MerchantID, txn.OrderID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	event := model.Event{
		TransactionID: txn.TransactionID,
		Type:          model.EventCreated,
		ToStatus:      txn.Status,
		Payload:       map[string]interface{}{"amount": txn.Amount, "currency": txn.Currency, "channel_id": txn.ChannelID},
		CreatedAt:     txn.CreatedAt,
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return nil, false, err
	}
	if _, err := insertOutboxEntries(ctx, tx, txn.TransactionID, effects); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return txn, true, nil
}

func (d Datasource) getTransactionWhere(ctx context.Context, where string, notFound string, args ...interface{}) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM paygate.transactions
		WHERE `+where, args...)

	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, notFound, err)
		}
		var apiErr apierror.APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}
	return txn, nil
}

func (d Datasource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching transaction from db")
	defer span.End()

	return d.getTransactionWhere(ctx, "transaction_id = $1",
		fmt.Sprintf("Transaction with ID '%s' not found", id), id)
}

func (d Datasource) GetTransactionByOrderID(ctx context.Context, merchantID, orderID string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching transaction by order id")
	defer span.End()

	return d.getTransactionWhere(ctx, "merchant_id = $1 AND order_id = $2",
		fmt.Sprintf("Transaction with order ID '%s' not found", orderID), merchantID, orderID)
}

func (d Datasource) GetTransactionByProviderRef(ctx context.Context, providerID, providerRef string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching transaction by provider reference")
	defer span.End()

	return d.getTransactionWhere(ctx, "provider_id = $1 AND provider_ref = $2",
		fmt.Sprintf("Transaction with provider reference '%s' not found", providerRef), providerID, providerRef)
}

func (d Datasource) GetTransactionEvents(ctx context.Context, id string) ([]model.Event, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, transaction_id, type, from_status, to_status, payload, created_at
		FROM paygate.transaction_events
		WHERE transaction_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction events", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			event       model.Event
			payloadJSON []byte
		)
		if err := rows.Scan(&event.ID, &event.TransactionID, &event.Type, &event.FromStatus, &event.ToStatus, &payloadJSON, &event.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction event", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal event payload", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating transaction events", err)
	}
	return events, nil
}

func (d Datasource) TransitionTransaction(ctx context.Context, t model.Transition, effects EffectsFunc) (*model.Transaction, bool, error) {
	ctx, span := tracer.Start(ctx, "Applying transaction transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.id", t.TransactionID),
		attribute.String("transition.to", string(t.To)),
		attribute.String("transition.event", string(t.Event)),
	)

	if err := t.Validate(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	allowed := make([]string, 0, 2)
	for _, s := range model.AllowedFrom(t.To) {
		allowed = append(allowed, string(s))
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		UPDATE paygate.transactions AS t
		SET status = $2,
			provider_ref = COALESCE(NULLIF(t.provider_ref, ''), $3),
			failure_reason = COALESCE(NULLIF($4, ''), t.failure_reason),
			updated_at = $5
		FROM (
			SELECT transaction_id, status FROM paygate.transactions WHERE transaction_id = $1 FOR UPDATE
		) AS prev
		WHERE t.transaction_id = prev.transaction_id AND t.status = ANY($6)
		RETURNING prev.status, `+qualified("t", transactionColumns),
		t.TransactionID, t.To, t.ProviderRef, t.FailureReason, now, pq.Array(allowed),
	)

	var from model.Status
	txn, err := scanTransaction(row, &from)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			current, err := d.GetTransaction(ctx, t.TransactionID)
			if err != nil {
				return nil, false, err
			}
			return current, false, nil
		}
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transaction status", err)
	}

	event := model.Event{
		TransactionID: txn.TransactionID,
		Type:          t.Event,
		FromStatus:    from,
		ToStatus:      t.To,
		Payload:       t.Payload,
		CreatedAt:     now,
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return nil, false, err
	}

	if effects != nil {
		entries, err := effects(txn)
		if err != nil {
			return nil, false, fmt.Errorf("failed to build transition effects: %w", err)
		}
		if _, err := insertOutboxEntries(ctx, tx, txn.TransactionID, entries); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transition", err)
	}
	return txn, true, nil
}

func (d Datasource) ClaimExpiredTransactions(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Claiming expired transactions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE paygate.transactions t
		SET swept_at = $2
		FROM (
			SELECT transaction_id
			FROM paygate.transactions
			WHERE status = ANY($1) AND expires_at <= $2
			ORDER BY swept_at NULLS FIRST, expires_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) due
		WHERE t.transaction_id = due.transaction_id
		RETURNING `+qualified("t", transactionColumns),
		pq.Array([]string{string(model.StatusPending), string(model.StatusProcessing)}), cutoff, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim expired transactions", err)
	}
	defer rows.Close()

	var transactions []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction", err)
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating transactions", err)
	}
	return transactions, nil
}

func insertEvent(ctx context.Context, db execer, event model.Event) error {
	payload, err := nullableJSON(event.Payload)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal event payload", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO paygate.transaction_events (transaction_id, type, from_status, to_status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.TransactionID, event.Type, event.FromStatus, event.ToStatus, payload, event.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction event", err)
	}
	return nil
}
