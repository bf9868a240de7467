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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/model"
)

func (d Datasource) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	ctx, span := tracer.Start(ctx, "Fetching merchant from db")
	defer span.End()

	m := &model.Merchant{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT merchant_id, name, active, payin_provider_id, payin_legal_entity_id, payout_provider_id, payout_legal_entity_id,
			callback_url, secret, tps_limit, created_at
		FROM paygate.merchants
		WHERE merchant_id = $1
	`, id).Scan(&m.MerchantID, &m.Name, &m.Active, &m.PayinRoute.ProviderID, &m.PayinRoute.LegalEntityID,
		&m.PayoutRoute.ProviderID, &m.PayoutRoute.LegalEntityID, &m.CallbackURL, &m.Secret, &m.TPSLimit, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Merchant with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve merchant", err)
	}
	return m, nil
}

func (d Datasource) GetChannel(ctx context.Context, providerID, legalEntityID string) (*model.Channel, error) {
	ctx, span := tracer.Start(ctx, "Fetching channel from db")
	defer span.End()

	c := &model.Channel{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT channel_id, provider_id, legal_entity_id, active, payin_active, payout_active, tps_limit, created_at
		FROM paygate.channels
		WHERE provider_id = $1 AND legal_entity_id = $2
	`, providerID, legalEntityID).Scan(&c.ChannelID, &c.ProviderID, &c.LegalEntityID, &c.Active, &c.PayinActive,
		&c.PayoutActive, &c.TPSLimit, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("Channel '%s' not found", model.ChannelKey(providerID, legalEntityID)), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve channel", err)
	}
	return c, nil
}

func (d Datasource) UpsertMerchant(ctx context.Context, m *model.Merchant) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO paygate.merchants (merchant_id, name, active, payin_provider_id, payin_legal_entity_id,
			payout_provider_id, payout_legal_entity_id, callback_url, secret, tps_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (merchant_id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			payin_provider_id = EXCLUDED.payin_provider_id,
			payin_legal_entity_id = EXCLUDED.payin_legal_entity_id,
			payout_provider_id = EXCLUDED.payout_provider_id,
			payout_legal_entity_id = EXCLUDED.payout_legal_entity_id,
			callback_url = EXCLUDED.callback_url,
			secret = EXCLUDED.secret,
			tps_limit = EXCLUDED.tps_limit
	`, m.MerchantID, m.Name, m.Active, m.PayinRoute.ProviderID, m.PayinRoute.LegalEntityID,
		m.PayoutRoute.ProviderID, m.PayoutRoute.LegalEntityID, m.CallbackURL, m.Secret, m.TPSLimit)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save merchant", err)
	}
	return nil
}

func (d Datasource) UpsertChannel(ctx context.Context, c *model.Channel) error {
	if c.ChannelID == "" {
		c.ChannelID = model.GenerateUUIDWithSuffix("chn")
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO paygate.channels (channel_id, provider_id, legal_entity_id, active, payin_active, payout_active, tps_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_id, legal_entity_id) DO UPDATE SET
			active = EXCLUDED.active,
			payin_active = EXCLUDED.payin_active,
			payout_active = EXCLUDED.payout_active,
			tps_limit = EXCLUDED.tps_limit
	`, c.ChannelID, c.ProviderID, c.LegalEntityID, c.Active, c.PayinActive, c.PayoutActive, c.TPSLimit)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save channel", err)
	}
	return nil
}
