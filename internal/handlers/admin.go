// internal/handlers/admin.go
package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shubra2641/liceinc-sub010/internal/models"
	"github.com/shubra2641/liceinc-sub010/internal/services"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

// AdminHandler exposes the audit trail and the manual license and binding
// transitions to the admin panel.
type AdminHandler struct {
	store  *services.LicenseStore
	ledger *services.DomainLedger
	logs   *services.VerificationLogService
}

func NewAdminHandler(store *services.LicenseStore, ledger *services.DomainLedger, logs *services.VerificationLogService) *AdminHandler {
	return &AdminHandler{
		store:  store,
		ledger: ledger,
		logs:   logs,
	}
}

// GET /v1/admin/verification-logs
func (h *AdminHandler) GetVerificationLogs(c *gin.Context) {
	params := services.LogQueryParams{
		PaginationParams: utils.GetPaginationParams(c),
		Domain:           c.Query("domain"),
		IPAddress:        c.Query("ip"),
	}

	if outcome := c.Query("outcome"); outcome != "" {
		o := models.VerificationOutcome(outcome)
		params.Outcome = &o
	}
	if source := c.Query("source"); source != "" {
		s := models.VerificationSource(source)
		params.Source = &s
	}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	logs, total, err := h.logs.QueryForAdmin(params)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to fetch verification logs")
		return
	}

	result := utils.CreatePaginationResult(logs, total, params.PaginationParams)
	utils.PaginatedResponse(c, result)
}

// GET /v1/admin/licenses/:id/history
func (h *AdminHandler) GetLicenseHistory(c *gin.Context) {
	licenseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid license ID", nil)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := h.logs.History(licenseID, limit)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to fetch verification history")
		return
	}

	utils.SuccessResponse(c, gin.H{"history": logs})
}

// GET /v1/admin/verification-logs/stats
func (h *AdminHandler) GetLogStats(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	stats, err := h.logs.Stats(days)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to compute verification stats")
		return
	}

	utils.SuccessResponse(c, gin.H{"stats": stats})
}

// GET /v1/admin/verification-logs/suspicious
func (h *AdminHandler) GetSuspiciousActivity(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	minAttempts, _ := strconv.Atoi(c.DefaultQuery("min_attempts", "10"))

	rows, err := h.logs.SuspiciousActivity(hours, minAttempts)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to fetch suspicious activity")
		return
	}

	utils.SuccessResponse(c, gin.H{"suspicious": rows})
}

// DELETE /v1/admin/verification-logs?days=N
func (h *AdminHandler) PurgeVerificationLogs(c *gin.Context) {
	days, err := strconv.Atoi(c.Query("days"))
	if err != nil || days < 1 {
		utils.BadRequestResponse(c, "days must be a positive integer", nil)
		return
	}

	deleted, err := h.logs.PurgeOlderThan(days)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to purge verification logs")
		return
	}

	utils.SuccessResponse(c, gin.H{"deleted": deleted})
}

// POST /v1/admin/licenses/:id/suspend
func (h *AdminHandler) SuspendLicense(c *gin.Context) {
	licenseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid license ID", nil)
		return
	}

	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Suspension reason is required", err.Error())
		return
	}

	license, err := h.store.Suspend(licenseID, req.Reason)
	if err != nil {
		h.licenseTransitionError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"license": license})
}

// POST /v1/admin/licenses/:id/reactivate
func (h *AdminHandler) ReactivateLicense(c *gin.Context) {
	licenseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid license ID", nil)
		return
	}

	license, err := h.store.Reactivate(licenseID)
	if err != nil {
		h.licenseTransitionError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"license": license})
}

func (h *AdminHandler) licenseTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrLicenseNotFound):
		utils.NotFoundResponse(c, "License")
	case errors.Is(err, services.ErrLicenseSuspended),
		errors.Is(err, services.ErrLicenseInactive),
		errors.Is(err, services.ErrLicenseExpired):
		utils.BadRequestResponse(c, err.Error(), nil)
	default:
		utils.InternalErrorResponse(c, "License transition failed")
	}
}

// POST /v1/admin/domains/:id/block
func (h *AdminHandler) BlockBinding(c *gin.Context) {
	h.bindingAction(c, func(binding *models.DomainBinding, reason string) error {
		return h.ledger.BlockBinding(binding, reason)
	}, true)
}

// POST /v1/admin/domains/:id/flag
func (h *AdminHandler) FlagBinding(c *gin.Context) {
	h.bindingAction(c, func(binding *models.DomainBinding, reason string) error {
		return h.ledger.FlagSuspiciousBinding(binding, reason)
	}, true)
}

// POST /v1/admin/domains/:id/release
func (h *AdminHandler) ReleaseBinding(c *gin.Context) {
	h.bindingAction(c, func(binding *models.DomainBinding, _ string) error {
		return h.ledger.ReleaseBinding(binding)
	}, false)
}

func (h *AdminHandler) bindingAction(c *gin.Context, action func(*models.DomainBinding, string) error, needsReason bool) {
	bindingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid binding ID", nil)
		return
	}

	var reason string
	if needsReason {
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Reason is required", err.Error())
			return
		}
		reason = req.Reason
	}

	binding, err := h.ledger.FindBinding(bindingID)
	if err != nil {
		if errors.Is(err, services.ErrBindingNotFound) {
			utils.NotFoundResponse(c, "Domain binding")
			return
		}
		utils.InternalErrorResponse(c, "Binding lookup failed")
		return
	}

	if err := action(binding, reason); err != nil {
		if errors.Is(err, services.ErrDomainBlocked) {
			utils.BadRequestResponse(c, "Binding is blocked and cannot be changed here", nil)
			return
		}
		utils.InternalErrorResponse(c, "Binding update failed")
		return
	}

	utils.SuccessResponse(c, gin.H{"binding": binding})
}
