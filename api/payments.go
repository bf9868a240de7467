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
	"context"
	"net/http"

	"github.com/blnkfinance/paygate"
	"github.com/blnkfinance/paygate/api/middleware"
	model2 "github.com/blnkfinance/paygate/api/model"
	"github.com/blnkfinance/paygate/internal/apierror"
	"github.com/blnkfinance/paygate/internal/routing"
	"github.com/blnkfinance/paygate/model"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type initiateFunc func(ctx context.Context, merchantID string, req model.PaymentRequest) (*paygate.InitiateResponse, error)

// InitiatePayin starts a collection from the customer named in the request.
//
// Responses:
// - 201 Created: a new transaction was recorded.
// - 200 OK: the order had already been initiated; the stored outcome is returned.
// - 400 Bad Request: the body failed validation.
// - 401 Unauthorized: the request hash does not match the merchant secret.
// - 422 Unprocessable Entity: the merchant cannot be routed.
// - 429 Too Many Requests: a TPS limit was hit.
func (a Api) InitiatePayin(c *gin.Context) {
	var req model2.PayinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := req.ValidatePayinRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err})
		return
	}
	a.initiate(c, model.TypePayin, &req.PaymentFields, req.ToPaymentRequest, a.paygate.InitiatePayin)
}

// InitiatePayout sends funds to the beneficiary named in the request. It
// answers with the same statuses as InitiatePayin.
func (a Api) InitiatePayout(c *gin.Context) {
	var req model2.PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := req.ValidatePayoutRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err})
		return
	}
	a.initiate(c, model.TypePayout, &req.PaymentFields, req.ToPaymentRequest, a.paygate.InitiatePayout)
}

func (a Api) initiate(c *gin.Context, txnType model.TransactionType, fields *model2.PaymentFields, convert func() (model.PaymentRequest, error), run initiateFunc) {
	ctx := c.Request.Context()
	merchantID := middleware.MerchantID(c)

	merchant, err := a.paygate.Selector().Merchant(ctx, merchantID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			respondError(c, &routing.ConfigError{MerchantID: merchantID, Type: txnType, Reason: "merchant is not configured"})
			return
		}
		respondError(c, err)
		return
	}
	if !fields.VerifyHash(merchant.Secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "request hash does not match", "code": apierror.ErrUnauthorized})
		return
	}

	paymentRequest, err := convert()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := run(ctx, merchantID, paymentRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Existing {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}
