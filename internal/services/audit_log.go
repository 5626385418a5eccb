// internal/services/audit_log.go
package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/shubra2641/liceinc-sub010/internal/models"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

// VerificationLogService is the append-only audit trail of verification
// attempts. Append never surfaces an error to the caller: a verification
// decision must not be aborted because its audit write failed, so failures
// fall back to the structured log.
type VerificationLogService struct {
	db *gorm.DB
}

func NewVerificationLogService(db *gorm.DB) *VerificationLogService {
	return &VerificationLogService{db: db}
}

// AppendParams carries one attempt's worth of audit data. PurchaseCode is
// hashed before storage; the plaintext never reaches the table.
type AppendParams struct {
	License          *models.License
	PurchaseCode     string
	Domain           string
	IPAddress        string
	UserAgent        string
	Outcome          models.VerificationOutcome
	Message          string
	Source           models.VerificationSource
	ResponseData     models.JSONB
	IsSuspicious     bool
	SuspiciousReason string
}

// Append writes one audit entry, synchronously with the decision.
func (s *VerificationLogService) Append(p AppendParams) *models.VerificationLog {
	entry := &models.VerificationLog{
		PurchaseCodeHash: utils.HashString(p.PurchaseCode),
		Domain:           p.Domain,
		IPAddress:        p.IPAddress,
		UserAgent:        p.UserAgent,
		Outcome:          p.Outcome,
		Message:          p.Message,
		Source:           p.Source,
		ResponseData:     p.ResponseData,
		IsSuspicious:     p.IsSuspicious,
		SuspiciousReason: p.SuspiciousReason,
	}

	if p.Source == "" {
		entry.Source = models.SourceInstaller
	}
	if p.License != nil {
		id := p.License.ID
		entry.LicenseID = &id
	}
	if p.Outcome == models.OutcomeSuccess {
		now := time.Now()
		entry.VerifiedAt = &now
	}

	if err := s.db.Create(entry).Error; err != nil {
		// Fallback channel: the attempt must leave a trace somewhere.
		logrus.WithError(err).WithFields(logrus.Fields{
			"purchase_code_hash": entry.PurchaseCodeHash,
			"domain":             entry.Domain,
			"ip_address":         entry.IPAddress,
			"outcome":            entry.Outcome,
			"message":            entry.Message,
		}).Error("Failed to persist verification audit entry")
		return entry
	}

	if entry.Outcome != models.OutcomeSuccess {
		logrus.WithFields(logrus.Fields{
			"purchase_code_hash": entry.PurchaseCodeHash,
			"domain":             entry.Domain,
			"ip_address":         entry.IPAddress,
			"outcome":            entry.Outcome,
			"source":             entry.Source,
			"message":            entry.Message,
		}).Warn("License verification attempt denied")
	}

	return entry
}

// CountRecentAttempts counts attempts for a key tuple inside the window.
// Kept on the audit table so a database-backed lockout store can share the
// same data the in-memory one derives.
func (s *VerificationLogService) CountRecentAttempts(purchaseCodeHash, ip, domain string, window time.Duration) (int64, error) {
	var count int64
	err := s.db.Model(&models.VerificationLog{}).
		Where("purchase_code_hash = ? AND ip_address = ? AND domain = ? AND created_at >= ?",
			purchaseCodeHash, ip, domain, time.Now().Add(-window)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count recent attempts: %w", err)
	}
	return count, nil
}

type LogQueryParams struct {
	utils.PaginationParams
	Outcome   *models.VerificationOutcome
	Source    *models.VerificationSource
	Domain    string
	IPAddress string
	From      *time.Time
	To        *time.Time
}

// QueryForAdmin is the admin-facing filtered view, newest first.
func (s *VerificationLogService) QueryForAdmin(params LogQueryParams) ([]models.VerificationLog, int64, error) {
	query := s.db.Model(&models.VerificationLog{})

	if params.Outcome != nil {
		query = query.Where("outcome = ?", *params.Outcome)
	}
	if params.Source != nil {
		query = query.Where("source = ?", *params.Source)
	}
	if params.Domain != "" {
		query = query.Where("domain LIKE ?", "%"+params.Domain+"%")
	}
	if params.IPAddress != "" {
		query = query.Where("ip_address LIKE ?", "%"+params.IPAddress+"%")
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count verification logs: %w", err)
	}

	allowedSortFields := []string{"created_at", "outcome", "domain", "ip_address"}
	query = utils.ApplySort(query, params.PaginationParams, allowedSortFields)
	query = utils.ApplyPagination(query, params.PaginationParams)

	var logs []models.VerificationLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch verification logs: %w", err)
	}

	return logs, total, nil
}

// History returns a license's attempts, newest first.
func (s *VerificationLogService) History(licenseID uuid.UUID, limit int) ([]models.VerificationLog, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}

	var logs []models.VerificationLog
	err := s.db.Where("license_id = ?", licenseID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch verification history: %w", err)
	}
	return logs, nil
}

// PurgeOlderThan deletes entries past the retention threshold. Explicit
// admin operation, never run automatically, so evidence of an ongoing
// attack is not silently destroyed.
func (s *VerificationLogService) PurgeOlderThan(days int) (int64, error) {
	if days < 1 {
		return 0, fmt.Errorf("retention days must be at least 1")
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	result := s.db.Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&models.VerificationLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge verification logs: %w", result.Error)
	}

	logrus.WithFields(logrus.Fields{
		"days":    days,
		"removed": result.RowsAffected,
	}).Info("Verification log retention purge completed")

	return result.RowsAffected, nil
}

type LogStats struct {
	TotalAttempts      int64 `json:"total_attempts"`
	SuccessfulAttempts int64 `json:"successful_attempts"`
	FailedAttempts     int64 `json:"failed_attempts"`
	BlockedAttempts    int64 `json:"blocked_attempts"`
	ErrorAttempts      int64 `json:"error_attempts"`
	UniqueDomains      int64 `json:"unique_domains"`
	UniqueIPs          int64 `json:"unique_ips"`
}

// Stats aggregates attempt counts over the trailing period.
func (s *VerificationLogService) Stats(days int) (*LogStats, error) {
	if days < 1 || days > 365 {
		days = 30
	}
	since := time.Now().AddDate(0, 0, -days)

	stats := &LogStats{}
	base := func() *gorm.DB {
		return s.db.Model(&models.VerificationLog{}).Where("created_at >= ?", since)
	}

	if err := base().Count(&stats.TotalAttempts).Error; err != nil {
		return nil, fmt.Errorf("failed to compute verification stats: %w", err)
	}

	outcomes := []struct {
		outcome models.VerificationOutcome
		dest    *int64
	}{
		{models.OutcomeSuccess, &stats.SuccessfulAttempts},
		{models.OutcomeFailed, &stats.FailedAttempts},
		{models.OutcomeBlocked, &stats.BlockedAttempts},
		{models.OutcomeError, &stats.ErrorAttempts},
	}
	for _, o := range outcomes {
		if err := base().Where("outcome = ?", o.outcome).Count(o.dest).Error; err != nil {
			return nil, fmt.Errorf("failed to compute verification stats: %w", err)
		}
	}

	if err := base().Distinct("domain").Count(&stats.UniqueDomains).Error; err != nil {
		return nil, fmt.Errorf("failed to compute verification stats: %w", err)
	}
	if err := base().Distinct("ip_address").Count(&stats.UniqueIPs).Error; err != nil {
		return nil, fmt.Errorf("failed to compute verification stats: %w", err)
	}

	return stats, nil
}

type SuspiciousActivityRow struct {
	PurchaseCodeHash string `json:"purchase_code_hash"`
	IPAddress        string `json:"ip_address"`
	Attempts         int64  `json:"attempts"`
}

// SuspiciousActivity lists key tuples with an abnormal number of failed
// attempts in the lookback window, for admin review.
func (s *VerificationLogService) SuspiciousActivity(hours, minAttempts int) ([]SuspiciousActivityRow, error) {
	if hours < 1 || hours > 720 {
		hours = 24
	}
	if minAttempts < 1 {
		minAttempts = 5
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	var rows []SuspiciousActivityRow
	err := s.db.Model(&models.VerificationLog{}).
		Select("purchase_code_hash, ip_address, COUNT(*) as attempts").
		Where("created_at >= ? AND outcome IN ?", since,
			[]models.VerificationOutcome{models.OutcomeFailed, models.OutcomeBlocked}).
		Group("purchase_code_hash, ip_address").
		Having("COUNT(*) >= ?", minAttempts).
		Order("attempts DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query suspicious activity: %w", err)
	}

	return rows, nil
}
