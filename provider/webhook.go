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

package provider

import (
	"encoding/json"
	"fmt"
)

// JSONNotification is the flat notification body understood by the bundled adapters.
type JSONNotification struct {
	EventID       string `json:"event_id"`
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
}

// ParseJSONNotification decodes body into a WebhookEvent. Bodies that are not
// JSON, name no transaction, or carry an unknown status wrap ErrMalformedPayload.
func ParseJSONNotification(body []byte) (*WebhookEvent, error) {
	var n JSONNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if n.TransactionID == "" && n.Reference == "" {
		return nil, fmt.Errorf("%w: no transaction_id or reference", ErrMalformedPayload)
	}
	status, ok := NormalizeStatus(n.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, n.Status)
	}

	var raw map[string]interface{}
	_ = json.Unmarshal(body, &raw)

	return &WebhookEvent{
		EventID:       n.EventID,
		TransactionID: n.TransactionID,
		ProviderRef:   n.Reference,
		Status:        status,
		FailureReason: n.Reason,
		Raw:           raw,
	}, nil
}
