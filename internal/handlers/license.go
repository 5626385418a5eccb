// internal/handlers/license.go
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shubra2641/liceinc-sub010/internal/models"
	"github.com/shubra2641/liceinc-sub010/internal/services"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

// LicenseHandler is the machine-facing verification surface: installers and
// periodic checks call it with the shared API token.
type LicenseHandler struct {
	verification *services.VerificationService
}

func NewLicenseHandler(verification *services.VerificationService) *LicenseHandler {
	return &LicenseHandler{
		verification: verification,
	}
}

// statusForReason maps a terminal decision to an HTTP status. The body
// carries the precise reason; the status is for clients that only look at
// codes.
func statusForReason(reason models.ReasonCode) int {
	switch reason {
	case models.ReasonAllowed:
		return http.StatusOK
	case models.ReasonInvalidLicense:
		return http.StatusNotFound
	case models.ReasonLicenseExpired, models.ReasonLicenseSuspended,
		models.ReasonDomainBlocked, models.ReasonDomainNotAllowed,
		models.ReasonDomainLimit:
		return http.StatusForbidden
	case models.ReasonRateLimited:
		return http.StatusTooManyRequests
	case models.ReasonMarketplaceUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// POST /v1/license/verify
func (h *LicenseHandler) Verify(c *gin.Context) {
	var req services.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid verification request", err.Error())
		return
	}

	if req.Source != "" && !req.Source.Valid() {
		utils.BadRequestResponse(c, "Invalid verification source", nil)
		return
	}

	req.IPAddress = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()

	result := h.verification.Verify(c.Request.Context(), req)

	status := statusForReason(result.Reason)
	if result.Reason == models.ReasonRateLimited && result.RetryAfter > 0 {
		c.Header("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds())))
	}

	if result.Allowed {
		utils.SuccessResponse(c, result)
		return
	}
	utils.ErrorResponse(c, status, string(result.Reason), result.Message, result)
}

// POST /v1/license/register
func (h *LicenseHandler) Register(c *gin.Context) {
	var req services.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid registration request", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	req.IPAddress = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()

	result, err := h.verification.RegisterLicense(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrProductNotFound):
			utils.NotFoundResponse(c, "Product")
		case errors.Is(err, services.ErrPurchaseInvalid):
			utils.ErrorResponse(c, http.StatusNotFound, "PURCHASE_INVALID",
				"Purchase code was not recognized", nil)
		case errors.Is(err, services.ErrMarketplaceUnreachable):
			utils.ErrorResponse(c, http.StatusServiceUnavailable, "MARKETPLACE_UNREACHABLE",
				"Purchase verification is temporarily unavailable", nil)
		default:
			utils.InternalErrorResponse(c, "Registration failed")
		}
		return
	}

	if result.Existing {
		utils.SuccessResponse(c, result)
		return
	}
	utils.CreatedResponse(c, result)
}

// POST /v1/license/status
//
// Status takes the identifier in the body rather than the URL so license
// keys never land in access logs.
func (h *LicenseHandler) Status(c *gin.Context) {
	var req struct {
		Identifier string `json:"identifier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "License identifier is required", err.Error())
		return
	}

	snapshot, err := h.verification.Status(req.Identifier)
	if err != nil {
		if errors.Is(err, services.ErrLicenseNotFound) {
			utils.NotFoundResponse(c, "License")
			return
		}
		utils.InternalErrorResponse(c, "Status lookup failed")
		return
	}

	utils.SuccessResponse(c, gin.H{"license": snapshot})
}
