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
	"net/http"

	"github.com/blnkfinance/paygate"
	"github.com/blnkfinance/paygate/api/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	paygate *paygate.Paygate
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	conf := a.paygate.Config()

	// Providers call these; the payload is authenticated by the provider adapter.
	router.POST("/webhook/:type/:provider_id/:legal_entity_id", a.ReceiveWebhook)

	merchant := router.Group("/", middleware.MerchantMiddleware())
	merchant.POST("/payins", a.InitiatePayin)
	merchant.POST("/payouts", a.InitiatePayout)
	merchant.GET("/transactions/:id", a.GetTransaction)
	merchant.POST("/transactions/sync/:order_id", a.SyncStatus)

	admin := router.Group("/admin")
	if conf.Server.Secure {
		admin.Use(middleware.SecretKeyAuthMiddleware(conf))
	}
	admin.GET("/transactions/:id", a.GetAnyTransaction)
	admin.GET("/outbox/failed", a.GetFailedOutbox)
	admin.POST("/outbox/:id/retry", a.RetryOutboxEntry)
	admin.GET("/webhooks/dead-letter", a.GetWebhookDeadLetters)

	return router
}

func NewAPI(p *paygate.Paygate) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := p.Config()

	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{paygate: p, router: r}
}
