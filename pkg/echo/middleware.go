// Package echo provides payment-gating middleware for echo servers,
// mirroring the gin middleware.
package echo

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/x402labs/vaultpay"
)

// Header names carried on paid requests and responses.
const (
	PaymentHeader         = "X-Payment"
	PaymentResponseHeader = "X-Payment-Response"
)

// PaymentMiddleware gates routes behind payment. The requirements describe
// what the routes accept; an empty Resource is filled from the request path.
func PaymentMiddleware(engine vaultpay.FacilitatorClient, requirements vaultpay.PaymentRequirements) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqs := requirements
			if reqs.Resource == "" {
				reqs.Resource = c.Request().URL.Path
			}

			header := c.Request().Header.Get(PaymentHeader)
			if header == "" {
				return c.JSON(http.StatusPaymentRequired, vaultpay.PaymentRequired{
					Error:   "payment required",
					Accepts: []vaultpay.PaymentRequirements{reqs},
				})
			}

			payloadBytes, err := vaultpay.DecodePaymentHeader(header)
			if err != nil {
				return c.JSON(http.StatusBadRequest, vaultpay.PaymentRequired{
					Error:   "invalid payment header encoding",
					Accepts: []vaultpay.PaymentRequirements{reqs},
				})
			}
			requirementsBytes, err := json.Marshal(reqs)
			if err != nil {
				return err
			}

			verifyResp, err := engine.Verify(c.Request().Context(), payloadBytes, requirementsBytes)
			if err != nil && verifyResp.InvalidReason == "" {
				return c.JSON(http.StatusServiceUnavailable, vaultpay.PaymentRequired{
					Error:   "payment verification unavailable",
					Accepts: []vaultpay.PaymentRequirements{reqs},
				})
			}
			if !verifyResp.IsValid {
				return c.JSON(statusForReason(verifyResp.InvalidReason), vaultpay.PaymentRequired{
					Error:   verifyResp.InvalidReason,
					Accepts: []vaultpay.PaymentRequirements{reqs},
				})
			}

			settleResp, err := engine.Settle(c.Request().Context(), payloadBytes, requirementsBytes)
			if err != nil || !settleResp.Success {
				reason := settleResp.ErrorReason
				if reason == "" {
					reason = vaultpay.ErrSettlementUnavailable
				}
				return c.JSON(statusForReason(reason), vaultpay.PaymentRequired{
					Error:   reason,
					Accepts: []vaultpay.PaymentRequirements{reqs},
				})
			}

			if receipt, err := vaultpay.EncodeSettleResponseHeader(settleResp); err == nil {
				c.Response().Header().Set(PaymentResponseHeader, receipt)
			}
			return next(c)
		}
	}
}

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
