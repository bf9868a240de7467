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
	"errors"
	"fmt"

	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/internal/notification"
	"github.com/blnkfinance/paygate/internal/webhookqueue"
	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// WebhookOutcome says what happened to a received webhook.
type WebhookOutcome string

const (
	WebhookProcessed    WebhookOutcome = "processed"
	WebhookQueued       WebhookOutcome = "queued"
	WebhookDeadLettered WebhookOutcome = "dead_lettered"
)

// ErrWebhookMismatch means the webhook names a transaction routed to another provider.
var ErrWebhookMismatch = errors.New("webhook does not belong to the transaction's provider")

// WebhookAck is returned to the provider once the webhook is processed or durably stored.
type WebhookAck struct {
	WebhookID        string         `json:"webhook_id"`
	Outcome          WebhookOutcome `json:"outcome"`
	AlreadyProcessed bool           `json:"already_processed"`
	TransactionID    string         `json:"transaction_id,omitempty"`
	Status           model.Status   `json:"status,omitempty"`
}

// WebhookResult is the outcome of applying one webhook to its transaction.
type WebhookResult struct {
	Transaction      *model.Transaction
	AlreadyProcessed bool
}

// IsPermanentWebhookError reports whether retrying the webhook can never succeed.
func IsPermanentWebhookError(err error) bool {
	return errors.Is(err, provider.ErrMalformedPayload) ||
		errors.Is(err, provider.ErrUnknownProvider) ||
		errors.Is(err, ErrWebhookMismatch)
}

// IngestWebhook processes a provider webhook on the spot and falls back to the
// webhook queue when that fails. Only a failure to store the webhook is
// returned, so the provider redelivers it.
func (p *Paygate) IngestWebhook(ctx context.Context, webhookType, providerID, legalEntityID string, body []byte) (*WebhookAck, error) {
	wt, err := provider.ParseWebhookType(webhookType)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	task := webhookqueue.NewTask(string(wt), providerID, legalEntityID, body)
	task.MaxAttempts = p.config.Queue.MaxAttempts
	fields := logrus.Fields{
		"webhook_id":      task.ID,
		"webhook_type":    wt,
		"provider_id":     providerID,
		"legal_entity_id": legalEntityID,
	}

	result, procErr := p.ProcessWebhook(ctx, task)
	if procErr == nil {
		return &WebhookAck{
			WebhookID:        task.ID,
			Outcome:          WebhookProcessed,
			AlreadyProcessed: result.AlreadyProcessed,
			TransactionID:    result.Transaction.TransactionID,
			Status:           result.Transaction.Status,
		}, nil
	}

	if p.webhooks == nil {
		return nil, procErr
	}

	if IsPermanentWebhookError(procErr) {
		logrus.WithFields(fields).WithError(procErr).Error("webhook can never be processed, dead-lettering")
		if err := p.webhooks.DeadLetter(ctx, task, procErr); err != nil {
			return nil, fmt.Errorf("failed to dead-letter webhook %s: %w", task.ID, err)
		}
		notification.NotifyError(fmt.Errorf("webhook %s from %s dead-lettered: %w", task.ID, providerID, procErr))
		return &WebhookAck{WebhookID: task.ID, Outcome: WebhookDeadLettered}, nil
	}

	logrus.WithFields(fields).WithError(procErr).Warn("webhook processing failed, queueing for retry")
	if err := p.webhooks.Enqueue(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to queue webhook %s: %w", task.ID, err)
	}
	return &WebhookAck{WebhookID: task.ID, Outcome: WebhookQueued}, nil
}

// ProcessWebhook applies one webhook. Processing the same webhook again is a
// no-op reported through AlreadyProcessed.
func (p *Paygate) ProcessWebhook(ctx context.Context, task *webhookqueue.Task) (*WebhookResult, error) {
	ctx, span := tracer.Start(ctx, "ProcessWebhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.id", task.ID),
		attribute.String("provider.id", task.ProviderID),
	)

	gateway, err := p.providers.Get(task.ProviderID)
	if err != nil {
		return nil, err
	}

	event, err := gateway.HandleWebhook(ctx, provider.WebhookType(task.Type), task.Payload)
	if err != nil {
		return nil, err
	}

	txn, err := p.webhookTransaction(ctx, task.ProviderID, event)
	if err != nil {
		return nil, err
	}
	if txn.ProviderID != task.ProviderID {
		return nil, fmt.Errorf("%w: %s is routed to %s, not %s", ErrWebhookMismatch, txn.TransactionID, txn.ProviderID, task.ProviderID)
	}

	eventType := model.EventWebhookProcessing
	switch event.Status {
	case model.StatusSuccess:
		eventType = model.EventWebhookSuccess
	case model.StatusFailed:
		eventType = model.EventWebhookFailed
	}

	payload := map[string]interface{}{"webhook_id": task.ID}
	if event.EventID != "" {
		payload["event_id"] = event.EventID
	}
	if len(event.Raw) > 0 {
		payload["body"] = event.Raw
	}

	updated, applied, err := p.applyTransition(ctx, model.Transition{
		TransactionID: txn.TransactionID,
		To:            event.Status,
		Event:         eventType,
		ProviderRef:   event.ProviderRef,
		FailureReason: event.FailureReason,
		Payload:       payload,
	})
	if err != nil {
		return nil, err
	}
	return &WebhookResult{Transaction: updated, AlreadyProcessed: !applied}, nil
}

func (p *Paygate) webhookTransaction(ctx context.Context, providerID string, event *provider.WebhookEvent) (*model.Transaction, error) {
	if event.TransactionID != "" {
		txn, err := p.datasource.GetTransaction(ctx, event.TransactionID)
		if err == nil || event.ProviderRef == "" {
			return txn, err
		}
	}
	return p.datasource.GetTransactionByProviderRef(ctx, providerID, event.ProviderRef)
}

// WebhookDeadLetters lists webhooks that exhausted their retries.
func (p *Paygate) WebhookDeadLetters(ctx context.Context, limit int) ([]*webhookqueue.Task, error) {
	if p.webhooks == nil {
		return []*webhookqueue.Task{}, nil
	}
	return p.webhooks.DeadLetters(ctx, limit)
}
