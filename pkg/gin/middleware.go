// Package gin provides payment-gating middleware for gin servers. Requests
// without a valid payment get a 402 with the accepted payment requirements;
// requests with one are verified, settled and passed through with the
// settlement receipt in the response headers.
package gin

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/x402labs/vaultpay"
)

// Header names carried on paid requests and responses.
const (
	PaymentHeader         = "X-Payment"
	PaymentResponseHeader = "X-Payment-Response"
)

// PaymentMiddleware gates a route behind payment. The requirements describe
// what the route accepts; an empty Resource is filled from the request path.
func PaymentMiddleware(engine vaultpay.FacilitatorClient, requirements vaultpay.PaymentRequirements) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqs := requirements
		if reqs.Resource == "" {
			reqs.Resource = c.Request.URL.Path
		}

		header := c.GetHeader(PaymentHeader)
		if header == "" {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, vaultpay.PaymentRequired{
				Error:   "payment required",
				Accepts: []vaultpay.PaymentRequirements{reqs},
			})
			return
		}

		payloadBytes, err := vaultpay.DecodePaymentHeader(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, vaultpay.PaymentRequired{
				Error:   "invalid payment header encoding",
				Accepts: []vaultpay.PaymentRequirements{reqs},
			})
			return
		}
		requirementsBytes, err := json.Marshal(reqs)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		verifyResp, err := engine.Verify(c.Request.Context(), payloadBytes, requirementsBytes)
		if err != nil && verifyResp.InvalidReason == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, vaultpay.PaymentRequired{
				Error:   "payment verification unavailable",
				Accepts: []vaultpay.PaymentRequirements{reqs},
			})
			return
		}
		if !verifyResp.IsValid {
			c.AbortWithStatusJSON(statusForReason(verifyResp.InvalidReason), vaultpay.PaymentRequired{
				Error:   verifyResp.InvalidReason,
				Accepts: []vaultpay.PaymentRequirements{reqs},
			})
			return
		}

		settleResp, err := engine.Settle(c.Request.Context(), payloadBytes, requirementsBytes)
		if err != nil || !settleResp.Success {
			reason := settleResp.ErrorReason
			if reason == "" {
				reason = vaultpay.ErrSettlementUnavailable
			}
			c.AbortWithStatusJSON(statusForReason(reason), vaultpay.PaymentRequired{
				Error:   reason,
				Accepts: []vaultpay.PaymentRequirements{reqs},
			})
			return
		}

		if receipt, err := vaultpay.EncodeSettleResponseHeader(settleResp); err == nil {
			c.Header(PaymentResponseHeader, receipt)
		}
		c.Next()
	}
}

// statusForReason maps engine error codes onto HTTP statuses: client-side
// validation failures are 400, payment-level rejections are 402, and
// transient settlement trouble is 503.
func statusForReason(reason string) int {
	switch reason {
	case vaultpay.ErrSettlementUnavailable:
		return http.StatusServiceUnavailable
	case vaultpay.ErrSettlementRejected,
		vaultpay.ErrInsufficientBalance,
		vaultpay.ErrInsufficientDeposit,
		vaultpay.ErrInsufficientAmount:
		return http.StatusPaymentRequired
	default:
		return http.StatusBadRequest
	}
}
