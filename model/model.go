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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerateUUIDWithSuffix generates a UUID prefixed with the given module name.
func GenerateUUIDWithSuffix(module string) string {
	return fmt.Sprintf("%s_%s", module, uuid.New().String())
}

// currencyExponents lists ISO 4217 currencies whose minor unit is not 2 digits.
var currencyExponents = map[string]int32{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0, "UGX": 0, "XAF": 0, "XOF": 0,
	"BHD": 3, "KWD": 3, "OMR": 3, "JOD": 3, "TND": 3, "IQD": 3, "LYD": 3,
}

func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

var (
	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
	ErrAmountPrecision   = errors.New("amount has more decimal places than the currency allows")
)

// ToMinorUnits converts a decimal amount string such as "10.50" into an
// integer count of the currency's minor unit.
func ToMinorUnits(amount, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !d.IsPositive() {
		return 0, ErrNonPositiveAmount
	}
	scaled := d.Shift(CurrencyExponent(currency))
	if !scaled.IsInteger() {
		return 0, ErrAmountPrecision
	}
	if scaled.GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, fmt.Errorf("amount %q is out of range", amount)
	}
	return scaled.IntPart(), nil
}

// FromMinorUnits renders a minor-unit amount back as a decimal string.
func FromMinorUnits(amount int64, currency string) string {
	exp := CurrencyExponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}

// Sign returns hex(HMAC-SHA256(secret, message)).
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares a presented signature with the expected one in constant time.
func VerifySignature(secret, message, signature string) bool {
	expected, err := hex.DecodeString(Sign(secret, message))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// RequestHashMessage is the canonical string a merchant signs when initiating a transaction.
func RequestHashMessage(amount, currency, orderID, paymentMode string) string {
	return strings.Join([]string{amount, currency, orderID, paymentMode}, "|")
}
