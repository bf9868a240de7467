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
	"fmt"
	"time"

	"github.com/blnkfinance/paygate/config"
	"github.com/blnkfinance/paygate/provider"
	"github.com/blnkfinance/paygate/provider/httpjson"
	"github.com/blnkfinance/paygate/provider/sandbox"
	"github.com/sirupsen/logrus"
)

// DefaultProviderID is registered with the sandbox adapter when no provider is configured.
const DefaultProviderID = "sandbox"

// NewProviderRegistry builds one adapter per configured provider.
func NewProviderRegistry(providers []config.ProviderConfig) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	if len(providers) == 0 {
		logrus.Warnf("no providers configured, registering %q sandbox provider", DefaultProviderID)
		registry.Register(DefaultProviderID, sandbox.New())
		return registry, nil
	}

	for _, p := range providers {
		switch p.Kind {
		case config.ProviderKindSandbox, "":
			registry.Register(p.ID, sandbox.New())
		case config.ProviderKindHTTP:
			registry.Register(p.ID, httpjson.New(httpjson.Config{
				ProviderID: p.ID,
				BaseURL:    p.BaseURL,
				APIKey:     p.APIKey,
				Timeout:    time.Duration(p.TimeoutSec) * time.Second,
			}))
		default:
			return nil, fmt.Errorf("provider %s has unknown kind %q", p.ID, p.Kind)
		}
		logrus.WithFields(logrus.Fields{"provider_id": p.ID, "kind": p.Kind}).Info("provider registered")
	}
	return registry, nil
}
