// internal/services/domain_ledger.go
package services

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shubra2641/liceinc-sub010/internal/config"
	"github.com/shubra2641/liceinc-sub010/internal/database"
	"github.com/shubra2641/liceinc-sub010/internal/models"
)

var (
	ErrInvalidDomain      = errors.New("invalid domain")
	ErrDomainNotAllowed   = errors.New("domain not allowed by policy")
	ErrDomainBlocked      = errors.New("domain is blocked")
	ErrDomainLimitReached = errors.New("domain limit reached")
	ErrBindingNotFound    = errors.New("domain binding not found")
)

// BindingResolution classifies how a requesting domain relates to a
// license's ledger.
type BindingResolution int

const (
	BindingNotBound BindingResolution = iota
	BindingActive
	BindingInactive
	BindingBlocked
)

// RequestMeta is the best-effort, non-authoritative metadata attached to a
// new binding.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	Country   string
}

// DomainLedger maintains the per-license collection of bound domains.
// Capacity is bounded by the license's max_domains counting only bindings
// with status=active.
type DomainLedger struct {
	db  *gorm.DB
	cfg config.LicenseConfig
}

func NewDomainLedger(db *gorm.DB, cfg config.LicenseConfig) *DomainLedger {
	return &DomainLedger{
		db:  db,
		cfg: cfg,
	}
}

// NormalizeDomain lowercases the host and strips scheme, userinfo, path,
// port, and a leading www. Policy toggles decide whether localhost-style
// hosts and IP literals are acceptable; both are useful for development
// licenses and dangerous in production, so neither is implicit.
func (l *DomainLedger) NormalizeDomain(raw string) (string, error) {
	domain := strings.ToLower(strings.TrimSpace(raw))
	if domain == "" {
		return "", ErrInvalidDomain
	}

	if strings.Contains(domain, "://") {
		parsed, err := url.Parse(domain)
		if err != nil || parsed.Host == "" {
			return "", ErrInvalidDomain
		}
		domain = parsed.Host
	} else {
		// Bare host, possibly with path or port attached
		if idx := strings.IndexAny(domain, "/?#"); idx >= 0 {
			domain = domain[:idx]
		}
	}

	if at := strings.LastIndex(domain, "@"); at >= 0 {
		domain = domain[at+1:]
	}

	if host, _, err := net.SplitHostPort(domain); err == nil {
		domain = host
	}
	domain = strings.Trim(domain, "[]")
	domain = strings.TrimPrefix(domain, "www.")

	if domain == "" || strings.ContainsAny(domain, " \t") {
		return "", ErrInvalidDomain
	}

	if isLocalhost(domain) {
		if !l.cfg.AllowLocalhost {
			return "", ErrDomainNotAllowed
		}
		return domain, nil
	}

	if ip := net.ParseIP(domain); ip != nil {
		if !l.cfg.AllowIPDomains {
			return "", ErrDomainNotAllowed
		}
		if (ip.IsLoopback() || ip.IsPrivate()) && !l.cfg.AllowLocalhost {
			return "", ErrDomainNotAllowed
		}
		return domain, nil
	}

	if !strings.Contains(domain, ".") {
		return "", ErrInvalidDomain
	}

	return domain, nil
}

func isLocalhost(domain string) bool {
	if domain == "localhost" || strings.HasSuffix(domain, ".localhost") {
		return true
	}
	if domain == "127.0.0.1" || domain == "::1" {
		return true
	}
	return false
}

// ResolveBinding finds the binding covering the given normalized domain.
// Exact match wins; wildcard-subdomain coverage is an explicit configuration
// toggle because it widens what a single binding authorizes.
func (l *DomainLedger) ResolveBinding(license *models.License, domain string) (*models.DomainBinding, BindingResolution, error) {
	var binding models.DomainBinding
	err := l.db.Where("license_id = ? AND domain = ?", license.ID, domain).
		First(&binding).Error
	if err == nil {
		return &binding, resolutionFor(binding.Status), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, BindingNotBound, fmt.Errorf("binding lookup failed: %w", err)
	}

	if !l.cfg.AllowWildcardSubdomains {
		return nil, BindingNotBound, nil
	}

	// Wildcard mode: a binding for example.com also covers shop.example.com.
	var candidates []models.DomainBinding
	if err := l.db.Where("license_id = ?", license.ID).Find(&candidates).Error; err != nil {
		return nil, BindingNotBound, fmt.Errorf("binding lookup failed: %w", err)
	}

	for i := range candidates {
		if strings.HasSuffix(domain, "."+candidates[i].Domain) {
			return &candidates[i], resolutionFor(candidates[i].Status), nil
		}
	}

	return nil, BindingNotBound, nil
}

// lockLicenseRow takes a FOR UPDATE lock on the license so capacity
// counts and inserts in the same transaction serialize per license. The
// sqlite test driver drops the locking clause; its writers serialize anyway.
func lockLicenseRow(tx *gorm.DB, licenseID uuid.UUID) (*models.License, error) {
	var owner models.License
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&owner, "id = ?", licenseID).Error
	if err != nil {
		return nil, fmt.Errorf("license lock failed: %w", err)
	}
	return &owner, nil
}

func resolutionFor(status models.DomainStatus) BindingResolution {
	switch status {
	case models.DomainStatusActive:
		return BindingActive
	case models.DomainStatusBlocked:
		return BindingBlocked
	default:
		return BindingInactive
	}
}

// BindNewDomain creates a binding for a not-yet-bound domain. The blocked
// check, the capacity count, and the insert run in one transaction holding a
// row lock on the license, so two concurrent first-time bindings for
// different domains cannot both pass the count under read committed. The
// unique (license_id, domain) constraint backstops same-domain races.
func (l *DomainLedger) BindNewDomain(license *models.License, domain string, meta RequestMeta) (*models.DomainBinding, error) {
	now := time.Now()
	binding := &models.DomainBinding{
		LicenseID:  license.ID,
		Domain:     domain,
		Status:     models.DomainStatusActive,
		IsVerified: false,
		AddedAt:    now,
		LastUsedAt: &now,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Country:    meta.Country,
	}

	err := database.WithTransaction(l.db, func(tx *gorm.DB) error {
		owner, err := lockLicenseRow(tx, license.ID)
		if err != nil {
			return err
		}

		var existing models.DomainBinding
		err = tx.Where("license_id = ? AND domain = ?", license.ID, domain).
			First(&existing).Error
		if err == nil {
			if existing.Status == models.DomainStatusBlocked {
				return ErrDomainBlocked
			}
			// Raced with another first-time verification; reuse its row.
			*binding = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("binding lookup failed: %w", err)
		}

		var activeCount int64
		err = tx.Model(&models.DomainBinding{}).
			Where("license_id = ? AND status = ?", license.ID, models.DomainStatusActive).
			Count(&activeCount).Error
		if err != nil {
			return fmt.Errorf("failed to count active bindings: %w", err)
		}

		if activeCount >= int64(owner.MaxDomains) {
			return ErrDomainLimitReached
		}

		if err := tx.Create(binding).Error; err != nil {
			return fmt.Errorf("failed to create binding: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"license_id": license.ID,
		"domain":     domain,
	}).Info("Domain bound to license")

	return binding, nil
}

// ReactivateBinding turns an inactive binding active again, consuming one
// unit of capacity. Runs under the same license row lock and transactional
// capacity check as a first-time binding so releases cannot be used to
// exceed max_domains.
func (l *DomainLedger) ReactivateBinding(license *models.License, binding *models.DomainBinding) error {
	if binding.Status == models.DomainStatusBlocked {
		return ErrDomainBlocked
	}

	err := database.WithTransaction(l.db, func(tx *gorm.DB) error {
		owner, err := lockLicenseRow(tx, license.ID)
		if err != nil {
			return err
		}

		var activeCount int64
		err = tx.Model(&models.DomainBinding{}).
			Where("license_id = ? AND status = ? AND id <> ?",
				license.ID, models.DomainStatusActive, binding.ID).
			Count(&activeCount).Error
		if err != nil {
			return fmt.Errorf("failed to count active bindings: %w", err)
		}

		if activeCount >= int64(owner.MaxDomains) {
			return ErrDomainLimitReached
		}

		return tx.Model(binding).Update("status", models.DomainStatusActive).Error
	})
	if err != nil {
		return err
	}

	binding.Status = models.DomainStatusActive
	logrus.WithFields(logrus.Fields{
		"license_id": license.ID,
		"domain":     binding.Domain,
	}).Info("Domain binding reactivated")
	return nil
}

// TouchBinding records a successful re-verification from an already-bound
// domain.
func (l *DomainLedger) TouchBinding(binding *models.DomainBinding) error {
	now := time.Now()
	err := l.db.Model(binding).Updates(map[string]interface{}{
		"last_used_at":       now,
		"is_verified":        true,
		"verification_count": gorm.Expr("verification_count + 1"),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to touch binding: %w", err)
	}

	binding.LastUsedAt = &now
	binding.IsVerified = true
	binding.VerificationCount++
	return nil
}

// FlagSuspiciousBinding annotates a binding for admin review. Reversible.
func (l *DomainLedger) FlagSuspiciousBinding(binding *models.DomainBinding, reason string) error {
	err := l.db.Model(binding).Updates(map[string]interface{}{
		"is_suspicious":     true,
		"suspicious_reason": reason,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to flag binding: %w", err)
	}

	binding.IsSuspicious = true
	binding.SuspiciousReason = reason
	return nil
}

// BlockBinding is the terminal punitive state. There is no automatic path
// back; only an admin creating a fresh decision can ever undo it, and the
// verification flow never will.
func (l *DomainLedger) BlockBinding(binding *models.DomainBinding, reason string) error {
	err := l.db.Model(binding).Updates(map[string]interface{}{
		"status":            models.DomainStatusBlocked,
		"is_suspicious":     true,
		"suspicious_reason": reason,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to block binding: %w", err)
	}

	binding.Status = models.DomainStatusBlocked
	binding.IsSuspicious = true
	binding.SuspiciousReason = reason

	logrus.WithFields(logrus.Fields{
		"binding_id": binding.ID,
		"license_id": binding.LicenseID,
		"domain":     binding.Domain,
		"reason":     reason,
	}).Warn("Domain binding blocked")
	return nil
}

// ReleaseBinding frees a unit of capacity by marking a binding inactive.
// Blocked bindings cannot be released; that would be a resurrection path.
func (l *DomainLedger) ReleaseBinding(binding *models.DomainBinding) error {
	if binding.Status == models.DomainStatusBlocked {
		return ErrDomainBlocked
	}

	err := l.db.Model(binding).Update("status", models.DomainStatusInactive).Error
	if err != nil {
		return fmt.Errorf("failed to release binding: %w", err)
	}

	binding.Status = models.DomainStatusInactive
	return nil
}

// FindBinding fetches a binding by id for admin operations.
func (l *DomainLedger) FindBinding(id uuid.UUID) (*models.DomainBinding, error) {
	var binding models.DomainBinding
	if err := l.db.First(&binding, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBindingNotFound
		}
		return nil, fmt.Errorf("binding lookup failed: %w", err)
	}
	return &binding, nil
}

// ActiveBindingCount returns the live (non-blocked, non-inactive) binding
// count for a license.
func (l *DomainLedger) ActiveBindingCount(licenseID uuid.UUID) (int64, error) {
	var count int64
	err := l.db.Model(&models.DomainBinding{}).
		Where("license_id = ? AND status = ?", licenseID, models.DomainStatusActive).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active bindings: %w", err)
	}
	return count, nil
}
