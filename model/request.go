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

// Party holds the customer (payin) or beneficiary (payout) snapshot.
type Party struct {
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	BankCode      string `json:"bank_code,omitempty"`
}

// PaymentRequest is a validated merchant request with the amount already in minor units.
type PaymentRequest struct {
	OrderID     string                 `json:"order_id"`
	Amount      int64                  `json:"amount"`
	Currency    string                 `json:"currency"`
	PaymentMode string                 `json:"payment_mode"`
	Description string                 `json:"description,omitempty"`
	Party       Party                  `json:"party"`
	MetaData    map[string]interface{} `json:"meta_data,omitempty"`
}
