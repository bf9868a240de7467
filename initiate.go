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
	"github.com/blnkfinance/paygate/internal/resilience"
	"github.com/blnkfinance/paygate/internal/routing"
	"github.com/blnkfinance/paygate/internal/throttle"
	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	actionInitiatePayin  = "initiate_payin"
	actionInitiatePayout = "initiate_payout"
	actionCheckStatus    = "check_status"
)

// InitiateResponse is what a merchant gets back from a payin or payout request.
type InitiateResponse struct {
	TransactionID string       `json:"transaction_id"`
	OrderID       string       `json:"order_id"`
	Status        model.Status `json:"status"`
	ProviderRef   string       `json:"provider_ref,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	// Existing is true when the order had already been initiated.
	Existing bool `json:"existing"`
}

func newInitiateResponse(txn *model.Transaction, existing bool) *InitiateResponse {
	return &InitiateResponse{
		TransactionID: txn.TransactionID,
		OrderID:       txn.OrderID,
		Status:        txn.Status,
		ProviderRef:   txn.ProviderRef,
		FailureReason: txn.FailureReason,
		Existing:      existing,
	}
}

// InitiatePayin starts collecting req.Amount from a customer.
func (p *Paygate) InitiatePayin(ctx context.Context, merchantID string, req model.PaymentRequest) (*InitiateResponse, error) {
	return p.initiate(ctx, merchantID, model.TypePayin, req)
}

// InitiatePayout starts disbursing req.Amount to a beneficiary. The ledger
// hold is enqueued with the record, before the provider is called.
func (p *Paygate) InitiatePayout(ctx context.Context, merchantID string, req model.PaymentRequest) (*InitiateResponse, error) {
	return p.initiate(ctx, merchantID, model.TypePayout, req)
}

func (p *Paygate) initiate(ctx context.Context, merchantID string, txnType model.TransactionType, req model.PaymentRequest) (*InitiateResponse, error) {
	ctx, span := tracer.Start(ctx, "Initiate")
	defer span.End()
	span.SetAttributes(
		attribute.String("merchant.id", merchantID),
		attribute.String("order.id", req.OrderID),
		attribute.String("transaction.type", string(txnType)),
	)

	existing, err := p.datasource.GetTransactionByOrderID(ctx, merchantID, req.OrderID)
	if err == nil {
		if existing.Type != txnType {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("order %s was already used for a %s", req.OrderID, existing.Type), nil)
		}
		return newInitiateResponse(existing, true), nil
	}
	if !apierror.HasCode(err, apierror.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up order %s: %w", req.OrderID, err)
	}

	if err := p.admit(ctx, merchantID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	channel, err := p.selector.SelectChannel(ctx, merchantID, txnType)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	gateway, err := p.providers.Get(channel.ProviderID)
	if err != nil {
		return nil, &routing.ConfigError{MerchantID: merchantID, Type: txnType, Reason: err.Error()}
	}

	if err := p.limiter.Consume(ctx, throttle.ChannelScope(channel.ChannelID), orDefault(channel.TPSLimit, p.config.Throttle.ChannelTPS), p.config.Throttle.Window()); err != nil {
		return nil, err
	}

	txn := p.newTransaction(merchantID, txnType, channel, req)
	var effects []model.OutboxEntry
	if txnType == model.TypePayout {
		hold, err := p.ledgerEntry(txn, model.StatusPending, model.OutboxLedgerPayoutHold)
		if err != nil {
			return nil, err
		}
		effects = append(effects, hold)
	}

	stored, created, err := p.datasource.CreateTransaction(ctx, txn, effects)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record transaction for order %s: %w", req.OrderID, err)
	}
	if !created {
		// a concurrent request for the same order won
		return newInitiateResponse(stored, true), nil
	}
	span.SetAttributes(attribute.String("transaction.id", stored.TransactionID))

	fields := logrus.Fields{
		"transaction_id": stored.TransactionID,
		"order_id":       stored.OrderID,
		"merchant_id":    merchantID,
		"provider_id":    stored.ProviderID,
		"channel_id":     stored.ChannelID,
	}
	logrus.WithFields(fields).Info("transaction created")

	if err := p.scheduler.ScheduleExpiry(ctx, stored.TransactionID, stored.ExpiresAt); err != nil {
		logrus.WithFields(fields).WithError(err).Warn("failed to schedule transaction expiry, the sweeper will pick it up")
	}

	final, err := p.callProvider(ctx, gateway, stored, req)
	if err != nil {
		return nil, err
	}
	return newInitiateResponse(final, false), nil
}

// admit applies the system and merchant throttles. The merchant's own limit
// wins over the configured default when it is set.
func (p *Paygate) admit(ctx context.Context, merchantID string) error {
	window := p.config.Throttle.Window()
	if err := p.limiter.Consume(ctx, throttle.SystemScope, p.config.Throttle.SystemTPS, window); err != nil {
		return err
	}

	limit := p.config.Throttle.MerchantTPS
	if m, err := p.selector.Merchant(ctx, merchantID); err == nil && m.TPSLimit > 0 {
		limit = m.TPSLimit
	}
	return p.limiter.Consume(ctx, throttle.MerchantScope(merchantID), limit, window)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (p *Paygate) newTransaction(merchantID string, txnType model.TransactionType, channel *model.Channel, req model.PaymentRequest) *model.Transaction {
	now := p.now()
	meta := make(map[string]interface{}, len(req.MetaData)+2)
	for k, v := range req.MetaData {
		meta[k] = v
	}
	meta["party"] = req.Party
	if req.Description != "" {
		meta["description"] = req.Description
	}

	return &model.Transaction{
		TransactionID: model.GenerateUUIDWithSuffix("txn"),
		MerchantID:    merchantID,
		OrderID:       req.OrderID,
		Type:          txnType,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        model.StatusPending,
		PaymentMode:   req.PaymentMode,
		ProviderID:    channel.ProviderID,
		LegalEntityID: channel.LegalEntityID,
		ChannelID:     channel.ChannelID,
		MetaData:      meta,
		ExpiresAt:     now.Add(p.config.Transaction.ExpiryTTL()),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// callProvider sends the transaction to its provider and records the outcome
// on a context detached from the caller's.
func (p *Paygate) callProvider(ctx context.Context, gateway provider.Gateway, txn *model.Transaction, req model.PaymentRequest) (*model.Transaction, error) {
	action := actionInitiatePayin
	initiate := gateway.InitiatePayin
	if txn.IsPayout() {
		action = actionInitiatePayout
		initiate = gateway.InitiatePayout
	}

	callbackURL := ""
	if m, err := p.selector.Merchant(ctx, txn.MerchantID); err == nil {
		callbackURL = m.CallbackURL
	}
	providerReq := provider.InitiateRequest{
		Transaction: txn,
		Party:       req.Party,
		Description: req.Description,
		CallbackURL: callbackURL,
	}

	result, callErr := resilience.Execute(ctx, p.wrapper, txn.ChannelID, action, func(ctx context.Context) (*provider.Result, error) {
		return initiate(ctx, providerReq)
	})

	writeCtx := context.WithoutCancel(ctx)
	fields := logrus.Fields{"transaction_id": txn.TransactionID, "order_id": txn.OrderID, "provider_id": txn.ProviderID}

	if callErr != nil {
		if errors.Is(callErr, context.Canceled) || ctx.Err() != nil {
			// outcome unknown; expiry and status-sync settle it
			logrus.WithFields(fields).Warn("request cancelled during provider call, leaving transaction pending")
			return txn, nil
		}
		logrus.WithFields(fields).WithError(callErr).Error("provider call failed")
		updated, _, err := p.applyTransition(writeCtx, model.Transition{
			TransactionID: txn.TransactionID,
			To:            model.StatusFailed,
			Event:         model.EventProviderFailed,
			FailureReason: callErr.Error(),
			Payload: map[string]interface{}{
				"action": action,
				"result": string(resilience.ResultOf(callErr)),
				"error":  callErr.Error(),
			},
		})
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	target := result.Status
	if !target.Valid() || target == model.StatusPending || target == model.StatusExpired {
		target = model.StatusProcessing
	}
	payload := map[string]interface{}{"action": action, "provider_status": string(result.Status)}
	if len(result.Raw) > 0 {
		payload["response"] = result.Raw
	}

	updated, _, err := p.applyTransition(writeCtx, model.Transition{
		TransactionID: txn.TransactionID,
		To:            target,
		Event:         model.EventProviderCalled,
		ProviderRef:   result.ProviderRef,
		FailureReason: result.FailureReason,
		Payload:       payload,
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
