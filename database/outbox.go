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
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/model"
	"github.com/lib/pq"
)

const outboxColumns = "id, type, transaction_id, payload, dedupe_key, attempts, max_attempts, next_attempt_at, last_error, status, claimed_at, created_at, updated_at"

func scanOutbox(row scanner) (*model.OutboxEntry, error) {
	var (
		entry     model.OutboxEntry
		payload   []byte
		claimedAt sql.NullTime
	)
	err := row.Scan(&entry.ID, &entry.Type, &entry.TransactionID, &payload, &entry.DedupeKey, &entry.Attempts,
		&entry.MaxAttempts, &entry.NextAttemptAt, &entry.LastError, &entry.Status, &claimedAt, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	entry.Payload = payload
	if claimedAt.Valid {
		entry.ClaimedAt = &claimedAt.Time
	}
	return &entry, nil
}

func scanOutboxRows(rows *sql.Rows) ([]*model.OutboxEntry, error) {
	defer rows.Close()
	var entries []*model.OutboxEntry
	for rows.Next() {
		entry, err := scanOutbox(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating outbox entries", err)
	}
	return entries, nil
}

// insertOutboxEntries writes entries, skipping dedupe keys that already exist,
// and signals OutboxChannel when at least one row was new. The notification is
// delivered by Postgres only when the surrounding transaction commits.
func insertOutboxEntries(ctx context.Context, db execer, transactionID string, entries []model.OutboxEntry) (int64, error) {
	var inserted int64
	for _, entry := range entries {
		result, err := db.ExecContext(ctx, `
			INSERT INTO paygate.outbox (id, type, transaction_id, payload, dedupe_key, attempts, max_attempts, next_attempt_at, last_error, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (dedupe_key) DO NOTHING
		`, entry.ID, entry.Type, entry.TransactionID, []byte(entry.Payload), entry.DedupeKey, entry.Attempts, entry.MaxAttempts,
			entry.NextAttemptAt, entry.LastError, entry.Status, entry.CreatedAt, entry.UpdatedAt)
		if err != nil {
			return inserted, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue outbox entry", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
		}
		inserted += n
	}

	if inserted > 0 {
		if _, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, OutboxChannel, transactionID); err != nil {
			return inserted, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to notify outbox listeners", err)
		}
	}
	return inserted, nil
}

func (d Datasource) EnqueueOutbox(ctx context.Context, entry model.OutboxEntry) (bool, error) {
	ctx, span := tracer.Start(ctx, "Enqueueing outbox entry")
	defer span.End()

	n, err := insertOutboxEntries(ctx, d.Conn, entry.TransactionID, []model.OutboxEntry{entry})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d Datasource) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEntry, error) {
	ctx, span := tracer.Start(ctx, "Claiming outbox entries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE paygate.outbox
		SET status = 'PROCESSING', attempts = attempts + 1, claimed_at = $1, updated_at = $1
		WHERE id IN (
			SELECT o.id FROM paygate.outbox o
			WHERE o.status = 'PENDING' AND o.next_attempt_at <= $1
			AND NOT (o.type = ANY($3) AND EXISTS (
				SELECT 1 FROM paygate.outbox h
				WHERE h.transaction_id = o.transaction_id AND h.type = $4 AND h.status <> 'SENT'
			))
			ORDER BY o.next_attempt_at, o.created_at
			LIMIT $2
			FOR UPDATE OF o SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		now, limit,
		pq.Array([]string{string(model.OutboxLedgerPayoutCommit), string(model.OutboxLedgerPayoutVoid)}),
		string(model.OutboxLedgerPayoutHold))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim outbox entries", err)
	}
	return scanOutboxRows(rows)
}

func (d Datasource) updateOutbox(ctx context.Context, id, query string, args ...interface{}) error {
	result, err := d.Conn.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update outbox entry", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Outbox entry '%s' is not being processed", id), nil)
	}
	return nil
}

func (d Datasource) MarkOutboxSent(ctx context.Context, id string) error {
	return d.updateOutbox(ctx, id, `
		UPDATE paygate.outbox
		SET status = 'SENT', last_error = '', claimed_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'PROCESSING'
	`, time.Now().UTC())
}

func (d Datasource) RescheduleOutbox(ctx context.Context, id string, next time.Time, lastError string) error {
	return d.updateOutbox(ctx, id, `
		UPDATE paygate.outbox
		SET status = 'PENDING', next_attempt_at = $2, last_error = $3, claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'PROCESSING'
	`, next, lastError, time.Now().UTC())
}

func (d Datasource) MarkOutboxFailed(ctx context.Context, id string, lastError string) error {
	return d.updateOutbox(ctx, id, `
		UPDATE paygate.outbox
		SET status = 'FAILED', last_error = $2, claimed_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'PROCESSING'
	`, lastError, time.Now().UTC())
}

func (d Datasource) ReleaseStaleOutbox(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE paygate.outbox
		SET status = 'PENDING', claimed_at = NULL, updated_at = NOW()
		WHERE status = 'PROCESSING' AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release stale outbox entries", err)
	}
	return result.RowsAffected()
}

func (d Datasource) GetFailedOutbox(ctx context.Context, limit, offset int) ([]*model.OutboxEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM paygate.outbox
		WHERE status = 'FAILED'
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve failed outbox entries", err)
	}
	return scanOutboxRows(rows)
}

func (d Datasource) RetryFailedOutbox(ctx context.Context, id string) (*model.OutboxEntry, error) {
	row := d.Conn.QueryRowContext(ctx, `
		UPDATE paygate.outbox
		SET status = 'PENDING', attempts = 0, next_attempt_at = $2, last_error = '', updated_at = $2
		WHERE id = $1 AND status = 'FAILED'
		RETURNING `+outboxColumns,
		id, time.Now().UTC())

	entry, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Failed outbox entry '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retry outbox entry", err)
	}
	return entry, nil
}

func (d Datasource) GetOutboxByTransaction(ctx context.Context, transactionID string) ([]*model.OutboxEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM paygate.outbox
		WHERE transaction_id = $1
		ORDER BY created_at
	`, transactionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve outbox entries", err)
	}
	return scanOutboxRows(rows)
}
