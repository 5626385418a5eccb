// internal/services/license_store.go
package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/shubra2641/liceinc-sub010/internal/config"
	"github.com/shubra2641/liceinc-sub010/internal/models"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

var (
	ErrLicenseNotFound  = errors.New("license not found")
	ErrLicenseExpired   = errors.New("license expired")
	ErrLicenseSuspended = errors.New("license suspended")
	ErrLicenseInactive  = errors.New("license inactive")
	ErrProductNotFound  = errors.New("product not found")
)

// LicenseStore owns durable license state. Status-adjacent fields are only
// mutated here and by admin operations; verification callers go through the
// engine.
type LicenseStore struct {
	db  *gorm.DB
	cfg config.LicenseConfig
}

func NewLicenseStore(db *gorm.DB, cfg config.LicenseConfig) *LicenseStore {
	return &LicenseStore{
		db:  db,
		cfg: cfg,
	}
}

// FindActiveByKeyOrCode looks a license up by license key or purchase code.
// Expiry is evaluated at read time: a license whose license_expires_at has
// passed is reported expired even if a batch job has not yet flipped its
// status column. Not-found and expired are distinct errors because callers
// report them differently.
func (s *LicenseStore) FindActiveByKeyOrCode(identifier string) (*models.License, error) {
	var license models.License
	err := s.db.Preload("Product").
		Where("license_key = ? OR purchase_code = ?", identifier, identifier).
		First(&license).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("license lookup failed: %w", err)
	}

	grace := time.Duration(s.cfg.ExpiredGraceDays) * 24 * time.Hour
	if license.IsExpired(time.Now(), grace) {
		return &license, ErrLicenseExpired
	}

	switch license.Status {
	case models.LicenseStatusActive:
		return &license, nil
	case models.LicenseStatusSuspended:
		return &license, ErrLicenseSuspended
	case models.LicenseStatusExpired:
		return &license, ErrLicenseExpired
	default:
		return &license, ErrLicenseInactive
	}
}

// FindProductBySlug resolves the product a registration targets.
func (s *LicenseStore) FindProductBySlug(slug string) (*models.Product, error) {
	var product models.Product
	err := s.db.Where("slug = ? AND is_active = ?", slug, true).First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("product lookup failed: %w", err)
	}
	return &product, nil
}

// FindProductByEnvatoItem maps a marketplace sale to the local product it
// licenses. An empty item id never matches; products without a configured
// item id are not sold through the marketplace.
func (s *LicenseStore) FindProductByEnvatoItem(itemID string) (*models.Product, error) {
	if itemID == "" {
		return nil, ErrProductNotFound
	}

	var product models.Product
	err := s.db.Where("envato_item_id = ? AND is_active = ?", itemID, true).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("product lookup failed: %w", err)
	}
	return &product, nil
}

// RecordVerificationSuccess bumps the verification counters and last-seen
// fields. Side effect only; never changes status.
func (s *LicenseStore) RecordVerificationSuccess(license *models.License, domain, ip string) error {
	now := time.Now()
	err := s.db.Model(license).Updates(map[string]interface{}{
		"last_verified_at":     now,
		"last_verified_ip":     ip,
		"last_verified_domain": domain,
		"verification_count":   gorm.Expr("verification_count + 1"),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to record verification: %w", err)
	}

	license.LastVerifiedAt = &now
	license.LastVerifiedIP = ip
	license.LastVerifiedDomain = domain
	license.VerificationCount++
	return nil
}

// MarkSuspicious flags a license for admin review. Flagging and punitive
// action are decoupled: status is untouched so admins can review before a
// lockout becomes permanent.
func (s *LicenseStore) MarkSuspicious(license *models.License, reason string) error {
	err := s.db.Model(license).Updates(map[string]interface{}{
		"is_suspicious":     true,
		"suspicious_reason": reason,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to mark license suspicious: %w", err)
	}

	license.IsSuspicious = true
	license.SuspiciousReason = reason

	logrus.WithFields(logrus.Fields{
		"license_id": license.ID,
		"reason":     reason,
	}).Warn("License flagged as suspicious")
	return nil
}

// Suspend is an admin transition. Active licenses can always move to
// suspended; the reverse only happens through Reactivate.
func (s *LicenseStore) Suspend(id uuid.UUID, reason string) (*models.License, error) {
	var license models.License
	if err := s.db.First(&license, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("license lookup failed: %w", err)
	}

	if license.Status != models.LicenseStatusActive {
		return nil, fmt.Errorf("cannot suspend license in status %q", license.Status)
	}

	updates := map[string]interface{}{"status": models.LicenseStatusSuspended}
	if reason != "" {
		updates["notes"] = reason
	}
	if err := s.db.Model(&license).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to suspend license: %w", err)
	}

	license.Status = models.LicenseStatusSuspended
	return &license, nil
}

// Reactivate is the only path back to active. The verification flow never
// resurrects a suspended, expired, or inactive license on its own.
func (s *LicenseStore) Reactivate(id uuid.UUID) (*models.License, error) {
	var license models.License
	if err := s.db.First(&license, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("license lookup failed: %w", err)
	}

	if license.Status == models.LicenseStatusActive {
		return &license, nil
	}

	err := s.db.Model(&license).Updates(map[string]interface{}{
		"status":            models.LicenseStatusActive,
		"is_suspicious":     false,
		"suspicious_reason": "",
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to reactivate license: %w", err)
	}

	license.Status = models.LicenseStatusActive
	license.IsSuspicious = false
	license.SuspiciousReason = ""
	return &license, nil
}

// CreateFromPurchase issues a license for a verified purchase code. The
// license key is generated, never derived from the code. Extended licenses
// expire after a year; other types run until suspended or admin-expired.
func (s *LicenseStore) CreateFromPurchase(product *models.Product, purchaseCode string, userID *uuid.UUID) (*models.License, error) {
	key, err := utils.GenerateLicenseKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate license key: %w", err)
	}

	maxDomains := models.DefaultMaxDomains(product.LicenseType)
	if maxDomains < s.cfg.DefaultMaxDomains {
		maxDomains = s.cfg.DefaultMaxDomains
	}

	supportDays := product.SupportDays
	if supportDays <= 0 {
		supportDays = 365
	}
	supportExpires := time.Now().AddDate(0, 0, supportDays)

	license := &models.License{
		ProductID:        product.ID,
		UserID:           userID,
		PurchaseCode:     purchaseCode,
		LicenseKey:       key,
		Status:           models.LicenseStatusActive,
		LicenseType:      product.LicenseType,
		MaxDomains:       maxDomains,
		SupportExpiresAt: &supportExpires,
	}

	if product.LicenseType == models.LicenseTypeExtended {
		expires := time.Now().AddDate(1, 0, 0)
		license.LicenseExpiresAt = &expires
	}

	if err := s.db.Create(license).Error; err != nil {
		return nil, fmt.Errorf("failed to create license: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"license_id":   license.ID,
		"product_id":   product.ID,
		"license_type": license.LicenseType,
	}).Info("License created from purchase")

	return license, nil
}

// FindByPurchaseCode fetches a license regardless of status. Used by the
// registration flow where "already exists" is a success condition.
func (s *LicenseStore) FindByPurchaseCode(purchaseCode string, productID uuid.UUID) (*models.License, error) {
	var license models.License
	err := s.db.Where("purchase_code = ? AND product_id = ?", purchaseCode, productID).
		First(&license).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("license lookup failed: %w", err)
	}
	return &license, nil
}
