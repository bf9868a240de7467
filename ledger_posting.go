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
	"encoding/json"
	"fmt"

	"github.com/blnkfinance/paygate/model"
)

// ledgerOperationFor returns the ledger operation a terminal transaction owes:
// payins are credited on success, payout holds are committed on success and
// voided otherwise.
func ledgerOperationFor(txn *model.Transaction) (model.OutboxType, bool) {
	switch {
	case txn.Type == model.TypePayin && txn.Status == model.StatusSuccess:
		return model.OutboxLedgerPayinCredit, true
	case txn.Type == model.TypePayout && txn.Status == model.StatusSuccess:
		return model.OutboxLedgerPayoutCommit, true
	case txn.Type == model.TypePayout && (txn.Status == model.StatusFailed || txn.Status == model.StatusExpired):
		return model.OutboxLedgerPayoutVoid, true
	}
	return "", false
}

func ledgerPosting(txn *model.Transaction, op model.OutboxType) model.LedgerPosting {
	return model.LedgerPosting{
		TransactionID: txn.TransactionID,
		MerchantID:    txn.MerchantID,
		Type:          txn.Type,
		Operation:     op,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		ProviderID:    txn.ProviderID,
		LegalEntityID: txn.LegalEntityID,
	}
}

// ledgerEntry builds the outbox entry for op, keyed on the status it belongs to.
func (p *Paygate) ledgerEntry(txn *model.Transaction, target model.Status, op model.OutboxType) (model.OutboxEntry, error) {
	return model.NewOutboxEntry(txn, target, op, ledgerPosting(txn, op), p.config.Outbox.MaxAttempts)
}

// postLedger executes a ledger outbox entry. The dedupe key doubles as the
// ledger idempotency key, so a redelivered entry posts once.
func (p *Paygate) postLedger(ctx context.Context, entry *model.OutboxEntry) error {
	var posting model.LedgerPosting
	if err := json.Unmarshal(entry.Payload, &posting); err != nil {
		return fmt.Errorf("invalid ledger payload on outbox entry %s: %w", entry.ID, err)
	}
	return p.ledger.Post(ctx, entry.DedupeKey, posting)
}
