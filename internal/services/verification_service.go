// internal/services/verification_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shubra2641/liceinc-sub010/internal/config"
	"github.com/shubra2641/liceinc-sub010/internal/models"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

// VerificationService orchestrates a verification attempt across the lockout
// guard, the license store, the domain ledger, the marketplace client, and
// the audit log. Every attempt, whatever its fate, produces exactly one
// audit entry.
type VerificationService struct {
	store       *LicenseStore
	ledger      *DomainLedger
	logs        *VerificationLogService
	guard       LockoutStore
	marketplace MarketplaceClient
	cfg         config.LicenseConfig
}

func NewVerificationService(
	store *LicenseStore,
	ledger *DomainLedger,
	logs *VerificationLogService,
	guard LockoutStore,
	marketplace MarketplaceClient,
	cfg config.LicenseConfig,
) *VerificationService {
	return &VerificationService{
		store:       store,
		ledger:      ledger,
		logs:        logs,
		guard:       guard,
		marketplace: marketplace,
		cfg:         cfg,
	}
}

// VerifyRequest is one installation's claim: "this license is allowed to run
// on this domain". Identifier is a license key or purchase code.
type VerifyRequest struct {
	Identifier string                    `json:"identifier" binding:"required"`
	Domain     string                    `json:"domain" binding:"required"`
	Source     models.VerificationSource `json:"source"`
	IPAddress  string                    `json:"-"`
	UserAgent  string                    `json:"-"`
}

// LicenseSnapshot is the caller-facing view of a license. Identifiers are
// deliberately absent.
type LicenseSnapshot struct {
	Status           models.LicenseStatus `json:"status"`
	LicenseType      models.LicenseType   `json:"license_type"`
	ProductName      string               `json:"product_name,omitempty"`
	MaxDomains       int                  `json:"max_domains"`
	DomainsUsed      int64                `json:"domains_used"`
	LicenseExpiresAt *time.Time           `json:"license_expires_at"`
	SupportExpiresAt *time.Time           `json:"support_expires_at"`
	SupportActive    bool                 `json:"support_active"`
}

// VerifyResult is the terminal decision for one attempt.
type VerifyResult struct {
	Allowed    bool              `json:"allowed"`
	Reason     models.ReasonCode `json:"reason"`
	Message    string            `json:"message"`
	RetryAfter time.Duration     `json:"-"`
	License    *LicenseSnapshot  `json:"license,omitempty"`
}

func snapshotFor(license *models.License, domainsUsed int64) *LicenseSnapshot {
	snap := &LicenseSnapshot{
		Status:           license.Status,
		LicenseType:      license.LicenseType,
		MaxDomains:       license.MaxDomains,
		DomainsUsed:      domainsUsed,
		LicenseExpiresAt: license.LicenseExpiresAt,
		SupportExpiresAt: license.SupportExpiresAt,
		SupportActive:    license.SupportActive(time.Now()),
	}
	if license.Product.Name != "" {
		snap.ProductName = license.Product.Name
	}
	return snap
}

// terminal finalizes one attempt: it writes the single audit entry for the
// decision and shapes the result. Every return path of Verify funnels here.
func (s *VerificationService) terminal(req VerifyRequest, domain string, license *models.License, reason models.ReasonCode, message string, extra models.JSONB) *VerifyResult {
	suspicious := reason == models.ReasonDomainLimit || reason == models.ReasonRateLimited
	suspiciousReason := ""
	if suspicious {
		suspiciousReason = string(reason)
	}

	s.logs.Append(AppendParams{
		License:          license,
		PurchaseCode:     req.Identifier,
		Domain:           domain,
		IPAddress:        req.IPAddress,
		UserAgent:        req.UserAgent,
		Outcome:          reason.Outcome(),
		Message:          message,
		Source:           req.Source,
		ResponseData:     extra,
		IsSuspicious:     suspicious,
		SuspiciousReason: suspiciousReason,
	})

	return &VerifyResult{
		Allowed: reason == models.ReasonAllowed,
		Reason:  reason,
		Message: message,
	}
}

// Verify runs the full decision pipeline for one attempt. The stages run in
// a fixed order so a flood of bad attempts is cut off before any database
// work, and an attacker cannot distinguish an unknown code from an inactive
// license by the response.
func (s *VerificationService) Verify(ctx context.Context, req VerifyRequest) *VerifyResult {
	if s.cfg.VerifyTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.VerifyTimeoutSeconds)*time.Second)
		defer cancel()
	}

	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Source == "" {
		req.Source = models.SourceInstaller
	}

	domain, domainErr := s.ledger.NormalizeDomain(req.Domain)
	if domain == "" {
		// Keep the raw value for the lockout key and the audit trail.
		domain = strings.ToLower(strings.TrimSpace(req.Domain))
	}

	// Stage 1: lockout guard. Runs before any database access and counts
	// this attempt regardless of its eventual outcome.
	key := LockoutKey(utils.HashString(req.Identifier), req.IPAddress, domain)
	decision := s.guard.CheckAndRecord(key)
	if !decision.Allowed {
		result := s.terminal(req, domain, nil, models.ReasonRateLimited,
			"Too many verification attempts, try again later", nil)
		result.RetryAfter = decision.RetryAfter
		return result
	}

	if domainErr != nil {
		reason := models.ReasonDomainNotAllowed
		return s.terminal(req, domain, nil, reason, "Domain is not eligible for license activation", nil)
	}

	if ctx.Err() != nil {
		return s.timeoutTerminal(req, domain, nil)
	}

	// Stage 2: license lookup. A purchase code with no local license is not
	// an authoritative miss; the marketplace gets the last word on it.
	marketplaceConfirmed := false
	license, err := s.store.FindActiveByKeyOrCode(req.Identifier)
	switch {
	case err == nil:
		// proceed
	case errors.Is(err, ErrLicenseNotFound):
		adopted, adoptErr := s.adoptFromMarketplace(ctx, req.Identifier)
		switch {
		case adoptErr == nil:
			license = adopted
			marketplaceConfirmed = true
		case errors.Is(adoptErr, ErrLicenseNotFound):
			return s.terminal(req, domain, nil, models.ReasonInvalidLicense,
				"License not found", nil)
		case errors.Is(adoptErr, ErrMarketplaceUnreachable):
			if ctx.Err() != nil {
				return s.timeoutTerminal(req, domain, nil)
			}
			return s.terminal(req, domain, nil, models.ReasonMarketplaceUnreachable,
				"Verification temporarily unavailable, try again later", nil)
		default:
			logrus.WithError(adoptErr).Error("License adoption failed during verification")
			return s.terminal(req, domain, nil, models.ReasonInternalError,
				"Verification temporarily unavailable", nil)
		}
	case errors.Is(err, ErrLicenseExpired):
		return s.terminal(req, domain, license, models.ReasonLicenseExpired,
			"License has expired", nil)
	case errors.Is(err, ErrLicenseSuspended):
		return s.terminal(req, domain, license, models.ReasonLicenseSuspended,
			"License is suspended", nil)
	case errors.Is(err, ErrLicenseInactive):
		// Indistinguishable from not-found for the caller; the audit log
		// keeps the real story.
		return s.terminal(req, domain, license, models.ReasonInvalidLicense,
			"License not found", models.JSONB{"detail": "license inactive"})
	default:
		logrus.WithError(err).Error("License lookup failed during verification")
		return s.terminal(req, domain, nil, models.ReasonInternalError,
			"Verification temporarily unavailable", nil)
	}

	// Stage 3: resolve the domain against the ledger.
	binding, resolution, err := s.ledger.ResolveBinding(license, domain)
	if err != nil {
		logrus.WithError(err).Error("Binding resolution failed during verification")
		return s.terminal(req, domain, license, models.ReasonInternalError,
			"Verification temporarily unavailable", nil)
	}

	switch resolution {
	case BindingBlocked:
		return s.terminal(req, domain, license, models.ReasonDomainBlocked,
			"Domain is blocked for this license", nil)

	case BindingActive:
		return s.commitSuccess(req, domain, license, binding)

	case BindingInactive:
		if err := s.ledger.ReactivateBinding(license, binding); err != nil {
			return s.bindFailure(req, domain, license, err)
		}
		return s.commitSuccess(req, domain, license, binding)
	}

	// Stage 4: unseen domain. Capacity is checked first so an at-capacity
	// license is denied without spending a marketplace call; the count inside
	// BindNewDomain stays authoritative under concurrency.
	used, err := s.ledger.ActiveBindingCount(license.ID)
	if err != nil {
		logrus.WithError(err).Error("Binding count failed during verification")
		return s.terminal(req, domain, license, models.ReasonInternalError,
			"Verification temporarily unavailable", nil)
	}
	if used >= int64(license.MaxDomains) {
		return s.terminal(req, domain, license, models.ReasonDomainLimit,
			fmt.Sprintf("Domain limit reached (%d allowed)", license.MaxDomains), nil)
	}

	// Optionally re-confirm the purchase with the marketplace before binding.
	// A license adopted moments ago was already confirmed.
	if s.cfg.VerifyNewDomains && s.marketplace != nil && !marketplaceConfirmed {
		_, err := s.marketplace.VerifyPurchaseCode(ctx, license.PurchaseCode)
		switch {
		case err == nil:
			// confirmed
		case errors.Is(err, ErrPurchaseInvalid):
			// The marketplace no longer recognizes a code we have on file.
			if markErr := s.store.MarkSuspicious(license, "purchase code rejected by marketplace"); markErr != nil {
				logrus.WithError(markErr).Warn("Failed to flag license after marketplace rejection")
			}
			return s.terminal(req, domain, license, models.ReasonInvalidLicense,
				"License not found", models.JSONB{"detail": "purchase code rejected by marketplace"})
		case s.cfg.FallbackInternal:
			logrus.WithError(err).Warn("Marketplace unreachable, deciding from local state")
		default:
			if ctx.Err() != nil {
				return s.timeoutTerminal(req, domain, license)
			}
			return s.terminal(req, domain, license, models.ReasonMarketplaceUnreachable,
				"Verification temporarily unavailable, try again later", nil)
		}
	}

	binding, err = s.ledger.BindNewDomain(license, domain, RequestMeta{
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return s.bindFailure(req, domain, license, err)
	}

	return s.commitSuccess(req, domain, license, binding)
}

// adoptFromMarketplace resolves an identifier no local license matches. When
// the marketplace confirms it as a sale of one of our items, a license is
// created on the spot, so a buyer can verify straight from their purchase
// code without registering first. Returns ErrLicenseNotFound when the code is
// authoritatively not ours and ErrMarketplaceUnreachable when no authoritative
// answer could be had.
func (s *VerificationService) adoptFromMarketplace(ctx context.Context, code string) (*models.License, error) {
	if s.marketplace == nil {
		return nil, ErrLicenseNotFound
	}

	info, err := s.marketplace.VerifyPurchaseCode(ctx, code)
	switch {
	case err == nil:
		// confirmed sale
	case errors.Is(err, ErrPurchaseInvalid):
		return nil, ErrLicenseNotFound
	case s.cfg.FallbackInternal:
		// Local state is allowed to decide, and local state says not found.
		logrus.WithError(err).Warn("Marketplace unreachable, treating unknown code as not found")
		return nil, ErrLicenseNotFound
	default:
		return nil, ErrMarketplaceUnreachable
	}

	product, err := s.store.FindProductByEnvatoItem(info.ItemID)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			// A real sale, but not of anything we license.
			return nil, ErrLicenseNotFound
		}
		return nil, err
	}

	license, err := s.store.CreateFromPurchase(product, code, nil)
	if err != nil {
		// Raced with another first sighting of the same code.
		if existing, lookupErr := s.store.FindActiveByKeyOrCode(code); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	license.Product = *product

	logrus.WithFields(logrus.Fields{
		"license_id": license.ID,
		"product_id": product.ID,
	}).Info("License adopted from marketplace purchase")

	return license, nil
}

func (s *VerificationService) timeoutTerminal(req VerifyRequest, domain string, license *models.License) *VerifyResult {
	return s.terminal(req, domain, license, models.ReasonInternalError,
		"Verification timed out", models.JSONB{"detail": "deadline exceeded"})
}

func (s *VerificationService) bindFailure(req VerifyRequest, domain string, license *models.License, err error) *VerifyResult {
	switch {
	case errors.Is(err, ErrDomainLimitReached):
		return s.terminal(req, domain, license, models.ReasonDomainLimit,
			fmt.Sprintf("Domain limit reached (%d allowed)", license.MaxDomains), nil)
	case errors.Is(err, ErrDomainBlocked):
		return s.terminal(req, domain, license, models.ReasonDomainBlocked,
			"Domain is blocked for this license", nil)
	default:
		logrus.WithError(err).Error("Domain binding failed during verification")
		return s.terminal(req, domain, license, models.ReasonInternalError,
			"Verification temporarily unavailable", nil)
	}
}

// commitSuccess is the single success terminal: touch the binding, bump the
// license counters, audit, and return the allowed decision with a snapshot.
func (s *VerificationService) commitSuccess(req VerifyRequest, domain string, license *models.License, binding *models.DomainBinding) *VerifyResult {
	if err := s.ledger.TouchBinding(binding); err != nil {
		logrus.WithError(err).Warn("Failed to touch binding after allowed verification")
	}
	if err := s.store.RecordVerificationSuccess(license, domain, req.IPAddress); err != nil {
		logrus.WithError(err).Warn("Failed to record verification counters")
	}

	used, err := s.ledger.ActiveBindingCount(license.ID)
	if err != nil {
		used = 0
	}

	result := s.terminal(req, domain, license, models.ReasonAllowed, "License verified", nil)
	result.License = snapshotFor(license, used)
	return result
}

// RegisterRequest activates a marketplace purchase as a local license,
// optionally binding the first domain in the same call.
type RegisterRequest struct {
	PurchaseCode string `json:"purchase_code" binding:"required" validate:"purchase_code"`
	ProductSlug  string `json:"product_slug" binding:"required"`
	Domain       string `json:"domain"`
	IPAddress    string `json:"-"`
	UserAgent    string `json:"-"`
}

// RegisterResult carries the issued license key. This is the only surface
// that ever returns the key in plaintext; the caller is expected to store it.
type RegisterResult struct {
	LicenseKey string           `json:"license_key"`
	License    *LicenseSnapshot `json:"license"`
	Existing   bool             `json:"existing"`
}

// RegisterLicense verifies a purchase code with the marketplace and creates
// the corresponding license. Re-registering an existing purchase returns the
// existing license instead of erroring, so a reinstall is not punished.
func (s *VerificationService) RegisterLicense(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	req.PurchaseCode = strings.TrimSpace(req.PurchaseCode)

	product, err := s.store.FindProductBySlug(req.ProductSlug)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.FindByPurchaseCode(req.PurchaseCode, product.ID); err == nil {
		used, _ := s.ledger.ActiveBindingCount(existing.ID)
		return &RegisterResult{
			LicenseKey: existing.LicenseKey,
			License:    snapshotFor(existing, used),
			Existing:   true,
		}, nil
	} else if !errors.Is(err, ErrLicenseNotFound) {
		return nil, err
	}

	if s.marketplace != nil {
		_, err := s.marketplace.VerifyPurchaseCode(ctx, req.PurchaseCode)
		switch {
		case err == nil:
			// confirmed
		case errors.Is(err, ErrPurchaseInvalid):
			return nil, ErrPurchaseInvalid
		case s.cfg.FallbackInternal:
			logrus.WithError(err).Warn("Marketplace unreachable during registration, creating unverified license")
		default:
			return nil, err
		}
	}

	license, err := s.store.CreateFromPurchase(product, req.PurchaseCode, nil)
	if err != nil {
		return nil, err
	}
	license.Product = *product

	var used int64
	if req.Domain != "" {
		if domain, err := s.ledger.NormalizeDomain(req.Domain); err == nil {
			if _, err := s.ledger.BindNewDomain(license, domain, RequestMeta{
				IPAddress: req.IPAddress,
				UserAgent: req.UserAgent,
			}); err == nil {
				used = 1
			} else {
				logrus.WithError(err).Warn("Initial domain binding failed during registration")
			}
		}
	}

	return &RegisterResult{
		LicenseKey: license.LicenseKey,
		License:    snapshotFor(license, used),
	}, nil
}

// Status returns a read-only snapshot of a license without consuming
// capacity, touching counters, or writing to the audit log.
func (s *VerificationService) Status(identifier string) (*LicenseSnapshot, error) {
	license, err := s.store.FindActiveByKeyOrCode(strings.TrimSpace(identifier))
	if err != nil && license == nil {
		return nil, err
	}

	used, countErr := s.ledger.ActiveBindingCount(license.ID)
	if countErr != nil {
		used = 0
	}

	snap := snapshotFor(license, used)
	if errors.Is(err, ErrLicenseExpired) {
		snap.Status = models.LicenseStatusExpired
	}
	return snap, nil
}

// History exposes a license's recent audit trail for admin review.
func (s *VerificationService) History(licenseID uuid.UUID, limit int) ([]models.VerificationLog, error) {
	return s.logs.History(licenseID, limit)
}
