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
package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 1 << 20

// ReceiveWebhook stores and processes a provider notification. Once the
// webhook is processed, queued or dead-lettered the provider gets a 200 so it
// stops redelivering.
func (a Api) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	if len(body) > maxWebhookBody {
		logrus.WithField("provider", c.Param("provider_id")).Warn("webhook body too large")
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "webhook body exceeds 1MB"})
		return
	}

	ack, err := a.paygate.IngestWebhook(c.Request.Context(), c.Param("type"), c.Param("provider_id"), c.Param("legal_entity_id"), body)
	if err != nil {
		logrus.WithError(err).WithField("provider", c.Param("provider_id")).Error("webhook not accepted")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}
