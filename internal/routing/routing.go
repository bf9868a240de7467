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

package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/internal/cache"
	"github.com/blnkfinance/paygate/model"
	"go.opentelemetry.io/otel"
)

const defaultTTL = 5 * time.Minute

// ConfigError means the merchant cannot be routed. It is never a provider error.
type ConfigError struct {
	MerchantID string
	Type       model.TransactionType
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("merchant %s cannot route %s: %s", e.MerchantID, e.Type, e.Reason)
}

// Source reads merchant and channel configuration from the system of record.
type Source interface {
	GetMerchant(ctx context.Context, merchantID string) (*model.Merchant, error)
	GetChannel(ctx context.Context, providerID, legalEntityID string) (*model.Channel, error)
}

type Selector struct {
	source Source
	cache  cache.Cache
	ttl    time.Duration
}

// NewSelector reads through c with the given ttl. A nil cache reads the source directly.
func NewSelector(source Source, c cache.Cache, ttl time.Duration) *Selector {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Selector{source: source, cache: c, ttl: ttl}
}

func merchantKey(merchantID string) string {
	return "paygate:merchant:" + merchantID
}

func channelKey(providerID, legalEntityID string) string {
	return "paygate:channel:" + model.ChannelKey(providerID, legalEntityID)
}

// Merchant returns the merchant configuration.
func (s *Selector) Merchant(ctx context.Context, merchantID string) (*model.Merchant, error) {
	if s.cache == nil {
		return s.source.GetMerchant(ctx, merchantID)
	}

	var m model.Merchant
	err := s.cache.GetOrLoad(ctx, merchantKey(merchantID), &m, s.ttl, func(ctx context.Context) (interface{}, error) {
		return s.source.GetMerchant(ctx, merchantID)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Selector) channel(ctx context.Context, providerID, legalEntityID string) (*model.Channel, error) {
	if s.cache == nil {
		return s.source.GetChannel(ctx, providerID, legalEntityID)
	}

	var c model.Channel
	err := s.cache.GetOrLoad(ctx, channelKey(providerID, legalEntityID), &c, s.ttl, func(ctx context.Context) (interface{}, error) {
		return s.source.GetChannel(ctx, providerID, legalEntityID)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SelectChannel resolves the channel a merchant's payin or payout must use.
// Missing or inactive configuration yields *ConfigError; lookup failures are
// returned as they are.
func (s *Selector) SelectChannel(ctx context.Context, merchantID string, serviceType model.TransactionType) (*model.Channel, error) {
	ctx, span := otel.Tracer("paygate.routing").Start(ctx, "SelectChannel")
	defer span.End()

	configErr := func(reason string) error {
		return &ConfigError{MerchantID: merchantID, Type: serviceType, Reason: reason}
	}

	merchant, err := s.Merchant(ctx, merchantID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return nil, configErr("merchant not found")
		}
		return nil, err
	}
	if !merchant.Active {
		return nil, configErr("merchant is inactive")
	}

	route := merchant.RouteFor(serviceType)
	if !route.IsSet() {
		return nil, configErr("no route configured")
	}

	channel, err := s.channel(ctx, route.ProviderID, route.LegalEntityID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return nil, configErr(fmt.Sprintf("channel %s not found", model.ChannelKey(route.ProviderID, route.LegalEntityID)))
		}
		return nil, err
	}
	if !channel.Active {
		return nil, configErr(fmt.Sprintf("channel %s is inactive", channel.ChannelID))
	}
	if !channel.Supports(serviceType) {
		return nil, configErr(fmt.Sprintf("%s is inactive on channel %s", serviceType, channel.ChannelID))
	}
	return channel, nil
}

// Invalidate drops cached configuration for a merchant.
func (s *Selector) Invalidate(ctx context.Context, merchantID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, merchantKey(merchantID))
}
