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
	"errors"
	"regexp"
	"strings"

	"github.com/blnkfinance/paygate/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	hexPattern      = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// PaymentFields are shared by payin and payout requests. Amount is a decimal
// string in major units ("10.50").
type PaymentFields struct {
	OrderID     string                 `json:"order_id"`
	Amount      string                 `json:"amount"`
	Currency    string                 `json:"currency"`
	PaymentMode string                 `json:"payment_mode"`
	Description string                 `json:"description"`
	MetaData    map[string]interface{} `json:"meta_data"`
	Hash        string                 `json:"hash"`
}

type PayinRequest struct {
	PaymentFields
	Customer model.Party `json:"customer"`
}

type PayoutRequest struct {
	PaymentFields
	Beneficiary model.Party `json:"beneficiary"`
}

func amountValidation(currency string) validation.RuleFunc {
	return func(value interface{}) error {
		amount, ok := value.(string)
		if !ok {
			return errors.New("invalid type for amount")
		}
		_, err := model.ToMinorUnits(amount, currency)
		if errors.Is(err, model.ErrNonPositiveAmount) {
			return errors.New("must be greater than zero")
		}
		if errors.Is(err, model.ErrAmountPrecision) {
			return errors.New("has more decimal places than the currency allows")
		}
		if err != nil {
			return errors.New("must be a decimal number such as 10.50")
		}
		return nil
	}
}

func (p *PaymentFields) rules() []*validation.FieldRules {
	return []*validation.FieldRules{
		validation.Field(&p.OrderID, validation.Required, validation.Length(1, 128)),
		validation.Field(&p.Currency, validation.Required, validation.Match(currencyPattern).Error("must be an ISO 4217 code such as USD")),
		validation.Field(&p.Amount, validation.Required, validation.By(amountValidation(p.Currency))),
		validation.Field(&p.PaymentMode, validation.Required, validation.Length(1, 64)),
		validation.Field(&p.Hash, validation.When(p.Hash != "", validation.Match(hexPattern).Error("must be hex encoded"))),
	}
}

func (r *PayinRequest) ValidatePayinRequest() error {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if err := validation.ValidateStruct(&r.PaymentFields, r.rules()...); err != nil {
		return err
	}
	return validation.ValidateStruct(&r.Customer,
		validation.Field(&r.Customer.Email, validation.When(r.Customer.Email != "", validation.Match(emailPattern))),
	)
}

func (r *PayoutRequest) ValidatePayoutRequest() error {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if err := validation.ValidateStruct(&r.PaymentFields, r.rules()...); err != nil {
		return err
	}
	return validation.ValidateStruct(&r.Beneficiary,
		validation.Field(&r.Beneficiary.Name, validation.Required),
		validation.Field(&r.Beneficiary.AccountNumber, validation.Required),
		validation.Field(&r.Beneficiary.Email, validation.When(r.Beneficiary.Email != "", validation.Match(emailPattern))),
	)
}

// HashMessage is the string the merchant signs with its secret.
func (p *PaymentFields) HashMessage() string {
	return model.RequestHashMessage(p.Amount, p.Currency, p.OrderID, p.PaymentMode)
}

// VerifyHash checks the request hash against the merchant secret. Merchants
// without a secret do not sign their requests.
func (p *PaymentFields) VerifyHash(secret string) bool {
	if secret == "" {
		return true
	}
	return model.VerifySignature(secret, p.HashMessage(), p.Hash)
}

func (p *PaymentFields) toPaymentRequest(party model.Party) (model.PaymentRequest, error) {
	amount, err := model.ToMinorUnits(p.Amount, p.Currency)
	if err != nil {
		return model.PaymentRequest{}, err
	}
	return model.PaymentRequest{
		OrderID:     p.OrderID,
		Amount:      amount,
		Currency:    p.Currency,
		PaymentMode: p.PaymentMode,
		Description: p.Description,
		Party:       party,
		MetaData:    p.MetaData,
	}, nil
}

func (r *PayinRequest) ToPaymentRequest() (model.PaymentRequest, error) {
	return r.toPaymentRequest(r.Customer)
}

func (r *PayoutRequest) ToPaymentRequest() (model.PaymentRequest, error) {
	return r.toPaymentRequest(r.Beneficiary)
}
