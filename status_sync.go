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

	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/internal/resilience"
	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/sirupsen/logrus"
)

// GetTransaction returns a transaction with its event log. A non-empty
// merchantID must own the transaction.
func (p *Paygate) GetTransaction(ctx context.Context, merchantID, id string) (*model.Transaction, error) {
	txn, err := p.datasource.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if merchantID != "" && txn.MerchantID != merchantID {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("transaction with ID '%s' not found", id), nil)
	}
	events, err := p.datasource.GetTransactionEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	txn.Events = events
	return txn, nil
}

// SyncStatus asks the provider for the current state of a non-terminal
// transaction and applies it when it differs. Terminal transactions are
// returned as they are. Calling it repeatedly is safe.
func (p *Paygate) SyncStatus(ctx context.Context, merchantID, orderID string) (*model.Transaction, error) {
	txn, err := p.datasource.GetTransactionByOrderID(ctx, merchantID, orderID)
	if err != nil {
		return nil, err
	}
	return p.syncTransaction(ctx, txn)
}

func (p *Paygate) syncTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	if txn.Status.IsTerminal() {
		return txn, nil
	}

	ctx, span := tracer.Start(ctx, "SyncStatus")
	defer span.End()

	gateway, err := p.providers.Get(txn.ProviderID)
	if err != nil {
		return nil, err
	}

	result, err := resilience.Execute(ctx, p.wrapper, txn.ChannelID, actionCheckStatus, func(ctx context.Context) (*provider.Result, error) {
		return gateway.CheckStatus(ctx, txn)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("status check for %s failed: %w", txn.TransactionID, err)
	}

	if !result.Status.Valid() || result.Status == txn.Status || result.Status == model.StatusPending {
		return txn, nil
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id":  txn.TransactionID,
		"order_id":        txn.OrderID,
		"status":          txn.Status,
		"provider_status": result.Status,
	}).Info("provider reports a different status")

	updated, _, err := p.applyTransition(ctx, model.Transition{
		TransactionID: txn.TransactionID,
		To:            result.Status,
		Event:         model.EventStatusSynced,
		ProviderRef:   result.ProviderRef,
		FailureReason: result.FailureReason,
		Payload:       map[string]interface{}{"provider_status": string(result.Status)},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
