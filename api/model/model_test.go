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
	"testing"

	"github.com/blnkfinance/paygate/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayin() PayinRequest {
	return PayinRequest{
		PaymentFields: PaymentFields{
			OrderID:     "order-1",
			Amount:      "10.50",
			Currency:    "usd",
			PaymentMode: "card",
		},
		Customer: model.Party{Name: "Ada", Email: "ada@example.com"},
	}
}

func TestValidatePayinRequest(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *PayinRequest)
		wantErr bool
	}{
		{name: "Valid request", mutate: func(r *PayinRequest) {}},
		{name: "Missing order id", mutate: func(r *PayinRequest) { r.OrderID = "" }, wantErr: true},
		{name: "Zero amount", mutate: func(r *PayinRequest) { r.Amount = "0" }, wantErr: true},
		{name: "Negative amount", mutate: func(r *PayinRequest) { r.Amount = "-5" }, wantErr: true},
		{name: "Sub-minor precision", mutate: func(r *PayinRequest) { r.Amount = "1.005" }, wantErr: true},
		{name: "Not a number", mutate: func(r *PayinRequest) { r.Amount = "ten" }, wantErr: true},
		{name: "Bad currency", mutate: func(r *PayinRequest) { r.Currency = "dollars" }, wantErr: true},
		{name: "Missing payment mode", mutate: func(r *PayinRequest) { r.PaymentMode = "" }, wantErr: true},
		{name: "Non-hex hash", mutate: func(r *PayinRequest) { r.Hash = "not-hex" }, wantErr: true},
		{name: "Bad customer email", mutate: func(r *PayinRequest) { r.Customer.Email = "nope" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validPayin()
			tt.mutate(&req)
			err := req.ValidatePayinRequest()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePayoutRequest_RequiresBeneficiary(t *testing.T) {
	req := PayoutRequest{
		PaymentFields: PaymentFields{OrderID: "p-1", Amount: "5", Currency: "NGN", PaymentMode: "bank_transfer"},
	}
	assert.Error(t, req.ValidatePayoutRequest())

	req.Beneficiary = model.Party{Name: "Grace", AccountNumber: "0123456789", BankCode: "058"}
	assert.NoError(t, req.ValidatePayoutRequest())
}

func TestToPaymentRequest(t *testing.T) {
	req := validPayin()
	require.NoError(t, req.ValidatePayinRequest())

	out, err := req.ToPaymentRequest()
	require.NoError(t, err)
	assert.Equal(t, int64(1050), out.Amount)
	assert.Equal(t, "USD", out.Currency)
	assert.Equal(t, "Ada", out.Party.Name)
}

func TestVerifyHash(t *testing.T) {
	req := validPayin()
	require.NoError(t, req.ValidatePayinRequest())

	assert.True(t, req.VerifyHash(""), "merchants without a secret are not checked")
	assert.False(t, req.VerifyHash("whsec"))

	req.Hash = model.Sign("whsec", "10.50|USD|order-1|card")
	assert.True(t, req.VerifyHash("whsec"))

	req.Amount = "11.50"
	assert.False(t, req.VerifyHash("whsec"))
}
