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
	"fmt"
	"strings"

	"github.com/blnkfinance/paygate/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("paygate")

// CallbackEvent is the event name sent to merchants for a status.
func CallbackEvent(txn *model.Transaction) string {
	return strings.ToLower(fmt.Sprintf("%s.%s", txn.Type, txn.Status))
}

// applyTransition is the only path that changes a transaction's status.
// applied is false when the current status does not allow the move; this is
// how duplicate and late signals are absorbed.
func (p *Paygate) applyTransition(ctx context.Context, t model.Transition) (*model.Transaction, bool, error) {
	ctx, span := tracer.Start(ctx, "ApplyTransition")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.id", t.TransactionID),
		attribute.String("transaction.target", string(t.To)),
		attribute.String("transaction.event", string(t.Event)),
	)

	txn, applied, err := p.datasource.TransitionTransaction(ctx, t, p.transitionEffects)
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to move transaction %s to %s: %w", t.TransactionID, t.To, err)
	}

	fields := logrus.Fields{
		"transaction_id": txn.TransactionID,
		"order_id":       txn.OrderID,
		"event":          t.Event,
		"status":         txn.Status,
	}
	if !applied {
		if txn.Status != t.To {
			logrus.WithFields(fields).WithField("requested", t.To).Warn("transition ignored, transaction already moved on")
		} else {
			logrus.WithFields(fields).Debug("transition already applied")
		}
		return txn, false, nil
	}
	logrus.WithFields(fields).Info("transaction status changed")
	return txn, true, nil
}

// transitionEffects returns the outbox entries a status change owes. It runs
// inside the store's transaction, so the entries commit with the status.
func (p *Paygate) transitionEffects(txn *model.Transaction) ([]model.OutboxEntry, error) {
	if !txn.Status.IsTerminal() {
		return nil, nil
	}

	var entries []model.OutboxEntry
	if op, ok := ledgerOperationFor(txn); ok {
		entry, err := p.ledgerEntry(txn, txn.Status, op)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	cb, err := model.NewOutboxEntry(txn, txn.Status, model.OutboxMerchantCallback, callbackPayload(txn), p.config.Outbox.MaxAttempts)
	if err != nil {
		return nil, err
	}
	return append(entries, cb), nil
}

func callbackPayload(txn *model.Transaction) model.CallbackPayload {
	return model.CallbackPayload{
		Event:         CallbackEvent(txn),
		TransactionID: txn.TransactionID,
		OrderID:       txn.OrderID,
		MerchantID:    txn.MerchantID,
		Type:          txn.Type,
		Status:        txn.Status,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		ProviderRef:   txn.ProviderRef,
		FailureReason: txn.FailureReason,
		Timestamp:     txn.UpdatedAt,
	}
}
