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
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/internal/resilience"
	"github.com/blnkfinance/paygate/internal/routing"
	"github.com/blnkfinance/paygate/internal/throttle"
	"github.com/blnkfinance/paygate/provider"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// respondError writes err with the status its kind maps to.
func respondError(c *gin.Context, err error) {
	var limitErr *throttle.LimitExceededError
	var configErr *routing.ConfigError
	var apiErr apierror.APIError
	var providerErr *provider.HTTPError

	switch {
	case errors.As(err, &limitErr):
		retryAfter := int(math.Ceil(limitErr.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "code": apierror.ErrRateLimited})
	case errors.As(err, &configErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": apierror.ErrConfiguration})
	case resilience.IsProviderFailure(err):
		logrus.WithError(err).Warn("provider unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": apierror.ErrUnavailable})
	case errors.As(err, &providerErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": apierror.ErrUnavailable})
	case errors.As(err, &apiErr):
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": apiErr.Message, "code": apiErr.Code})
	default:
		logrus.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error", "code": apierror.ErrInternalServer})
	}
}
