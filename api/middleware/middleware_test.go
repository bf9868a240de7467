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
package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blnkfinance/paygate/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSecretKeyAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     map[string]string
		wantStatus int
	}{
		{name: "Valid key", configured: "sk_live", header: map[string]string{SecretKeyHeader: "sk_live"}, wantStatus: http.StatusOK},
		{name: "Wrong key", configured: "sk_live", header: map[string]string{SecretKeyHeader: "sk_test"}, wantStatus: http.StatusUnauthorized},
		{name: "Missing key", configured: "sk_live", wantStatus: http.StatusUnauthorized},
		{name: "Server without key", configured: "", header: map[string]string{SecretKeyHeader: "x"}, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := &config.Configuration{Server: config.ServerConfig{SecretKey: tt.configured}}
			router := gin.New()
			router.Use(SecretKeyAuthMiddleware(conf))
			router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := serve(router, tt.header)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestMerchantMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(MerchantMiddleware())
	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, MerchantID(c)) })

	w := serve(router, map[string]string{MerchantIDHeader: " m_42 "})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "m_42", w.Body.String())

	w = serve(router, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	rps := 1.0
	burst := 1
	conf := &config.Configuration{RateLimit: config.RateLimitConfig{RequestsPerSecond: &rps, Burst: &burst}}

	router := gin.New()
	router.Use(RateLimitMiddleware(conf))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, nil).Code)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	router := gin.New()
	router.Use(RateLimitMiddleware(&config.Configuration{}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(router, nil).Code)
	}
}
