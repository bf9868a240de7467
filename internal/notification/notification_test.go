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

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/blnkfinance/paygate/config"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackPayload(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := slackPayload(errors.New("outbox entry obx_1 failed"), now)

	require.Len(t, msg.Blocks, 3)
	assert.Equal(t, "header", msg.Blocks[0].Type)
	assert.Contains(t, msg.Blocks[1].Fields[0].Text, "outbox entry obx_1 failed")
	assert.Contains(t, msg.Blocks[2].Fields[0].Text, now.Format(time.RFC822))
}

func TestSlackNotification(t *testing.T) {
	httpmock.ActivateNonDefault(slackClient)
	defer httpmock.DeactivateAndReset()

	var received slackMessage
	httpmock.RegisterResponder(http.MethodPost, "https://hooks.slack.test/T1",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&received))
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	err := SlackNotification(context.Background(), "https://hooks.slack.test/T1", errors.New("webhook dead-lettered"))
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Contains(t, received.Blocks[1].Fields[0].Text, "webhook dead-lettered")
}

func TestNotifyError_SendsWhenConfigured(t *testing.T) {
	httpmock.ActivateNonDefault(slackClient)
	defer httpmock.DeactivateAndReset()

	cnf := config.MockDefaults()
	cnf.Notification.Slack.WebhookUrl = "https://hooks.slack.test/T2"
	config.MockConfig(cnf)

	httpmock.RegisterResponder(http.MethodPost, "https://hooks.slack.test/T2",
		httpmock.NewStringResponder(http.StatusOK, "ok"))

	NotifyError(errors.New("boom"))

	assert.Eventually(t, func() bool {
		return httpmock.GetTotalCallCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
