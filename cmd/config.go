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
package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/blnkfinance/paygate/config"
	"github.com/spf13/cobra"
)

const redacted = "********"

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// redactedConfig copies cnf with every credential masked.
func redactedConfig(cnf *config.Configuration) config.Configuration {
	out := *cnf
	out.Server.SecretKey = redact(out.Server.SecretKey)
	out.Ledger.APIKey = redact(out.Ledger.APIKey)
	out.Notification.Slack.WebhookUrl = redact(out.Notification.Slack.WebhookUrl)

	out.Providers = make([]config.ProviderConfig, len(cnf.Providers))
	for i, p := range cnf.Providers {
		p.APIKey = redact(p.APIKey)
		out.Providers[i] = p
	}
	return out
}

func configCommands(app *paygateInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the computed configuration with credentials masked",
		Run: func(cmd *cobra.Command, args []string) {
			data, err := json.MarshalIndent(redactedConfig(app.cnf), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}
			fmt.Println(string(data))
		},
	}
}
