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

import "time"

// Route points a merchant's service at one provider and legal entity.
type Route struct {
	ProviderID    string `json:"provider_id"`
	LegalEntityID string `json:"legal_entity_id"`
}

func (r Route) IsSet() bool {
	return r.ProviderID != "" && r.LegalEntityID != ""
}

type Merchant struct {
	MerchantID  string    `json:"merchant_id"`
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	PayinRoute  Route     `json:"payin_route"`
	PayoutRoute Route     `json:"payout_route"`
	CallbackURL string    `json:"callback_url"`
	Secret      string    `json:"-" msgpack:"secret"`
	TPSLimit    int       `json:"tps_limit"`
	CreatedAt   time.Time `json:"created_at"`
}

// RouteFor returns the merchant route configured for a transaction type.
func (m *Merchant) RouteFor(t TransactionType) Route {
	if t == TypePayout {
		return m.PayoutRoute
	}
	return m.PayinRoute
}

// Channel is a configured provider and legal entity pairing.
type Channel struct {
	ChannelID     string    `json:"channel_id"`
	ProviderID    string    `json:"provider_id"`
	LegalEntityID string    `json:"legal_entity_id"`
	Active        bool      `json:"active"`
	PayinActive   bool      `json:"payin_active"`
	PayoutActive  bool      `json:"payout_active"`
	TPSLimit      int       `json:"tps_limit"`
	CreatedAt     time.Time `json:"created_at"`
}

func (c *Channel) Supports(t TransactionType) bool {
	if t == TypePayout {
		return c.PayoutActive
	}
	return c.PayinActive
}

// ChannelKey is the lookup key for a channel.
func ChannelKey(providerID, legalEntityID string) string {
	return providerID + ":" + legalEntityID
}
