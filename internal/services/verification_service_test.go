// internal/services/verification_service_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/shubra2641/liceinc-sub010/internal/config"
	"github.com/shubra2641/liceinc-sub010/internal/models"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

type engineFixture struct {
	db      *gorm.DB
	store   *LicenseStore
	ledger  *DomainLedger
	logs    *VerificationLogService
	market  *fakeMarketplace
	engine  *VerificationService
	cfg     config.LicenseConfig
	product *models.Product
	license *models.License
}

func newEngineFixture(t *testing.T, cfg config.LicenseConfig, guard LockoutStore) *engineFixture {
	t.Helper()

	db := newTestDB(t)
	store := NewLicenseStore(db, cfg)
	ledger := NewDomainLedger(db, cfg)
	logs := NewVerificationLogService(db)
	market := &fakeMarketplace{}
	if guard == nil {
		guard = allowAllGuard{}
	}

	product := seedProduct(t, db, models.LicenseTypeSingle)
	license := seedLicense(t, db, product, 1)

	return &engineFixture{
		db:      db,
		store:   store,
		ledger:  ledger,
		logs:    logs,
		market:  market,
		engine:  NewVerificationService(store, ledger, logs, guard, market, cfg),
		cfg:     cfg,
		product: product,
		license: license,
	}
}

func (f *engineFixture) verify(t *testing.T, identifier, domain string) *VerifyResult {
	t.Helper()
	return f.engine.Verify(context.Background(), VerifyRequest{
		Identifier: identifier,
		Domain:     domain,
		IPAddress:  "203.0.113.9",
		UserAgent:  "installer/1.0",
	})
}

func (f *engineFixture) logCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&models.VerificationLog{}).Count(&count).Error)
	return count
}

func TestVerifyFirstTimeBindsDomain(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)

	result := f.verify(t, f.license.LicenseKey, "https://www.example.com/wp-admin")

	assert.True(t, result.Allowed)
	assert.Equal(t, models.ReasonAllowed, result.Reason)
	require.NotNil(t, result.License)
	assert.Equal(t, int64(1), result.License.DomainsUsed)

	binding, resolution, err := f.ledger.ResolveBinding(f.license, "example.com")
	require.NoError(t, err)
	assert.Equal(t, BindingActive, resolution)
	assert.True(t, binding.IsVerified)
}

func TestVerifyIsIdempotentForBoundDomain(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)

	for i := 0; i < 3; i++ {
		result := f.verify(t, f.license.LicenseKey, "example.com")
		assert.True(t, result.Allowed, "verification %d", i+1)
	}

	// Still one binding, capacity untouched.
	count, err := f.ledger.ActiveBindingCount(f.license.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	var reloaded models.License
	require.NoError(t, f.db.First(&reloaded, "id = ?", f.license.ID).Error)
	assert.Equal(t, int64(3), reloaded.VerificationCount)
}

func TestVerifyEnforcesDomainCapacity(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)

	first := f.verify(t, f.license.LicenseKey, "one.example.com")
	assert.True(t, first.Allowed)

	second := f.verify(t, f.license.LicenseKey, "two.example.com")
	assert.False(t, second.Allowed)
	assert.Equal(t, models.ReasonDomainLimit, second.Reason)

	// The denied attempt is audited as failed and flagged.
	var entry models.VerificationLog
	require.NoError(t, f.db.Where("domain = ?", "two.example.com").First(&entry).Error)
	assert.Equal(t, models.OutcomeFailed, entry.Outcome)
	assert.True(t, entry.IsSuspicious)
}

func TestVerifyUnknownLicense(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)

	result := f.verify(t, "NO-SUCH-KEY", "example.com")

	assert.False(t, result.Allowed)
	assert.Equal(t, models.ReasonInvalidLicense, result.Reason)
	assert.Nil(t, result.License)
}

func TestVerifyInactiveLooksLikeUnknown(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)
	require.NoError(t, f.db.Model(f.license).
		Update("status", models.LicenseStatusInactive).Error)

	result := f.verify(t, f.license.LicenseKey, "example.com")

	// Caller cannot probe for existence, but the audit trail is precise.
	assert.Equal(t, models.ReasonInvalidLicense, result.Reason)
	assert.Equal(t, "License not found", result.Message)

	var entry models.VerificationLog
	require.NoError(t, f.db.Order("created_at DESC").First(&entry).Error)
	require.NotNil(t, entry.LicenseID)
	assert.Equal(t, f.license.ID, *entry.LicenseID)
}

func TestVerifyExpiredLicense(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)
	expired := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(f.license).
		Update("license_expires_at", expired).Error)

	result := f.verify(t, f.license.LicenseKey, "example.com")

	assert.False(t, result.Allowed)
	assert.Equal(t, models.ReasonLicenseExpired, result.Reason)
}

func TestVerifySuspendedLicense(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)
	require.NoError(t, f.db.Model(f.license).
		Update("status", models.LicenseStatusSuspended).Error)

	result := f.verify(t, f.license.LicenseKey, "example.com")

	assert.False(t, result.Allowed)
	assert.Equal(t, models.ReasonLicenseSuspended, result.Reason)
}

func TestVerifyBlockedDomainNeverResurrects(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)

	require.True(t, f.verify(t, f.license.LicenseKey, "example.com").Allowed)

	binding, _, err := f.ledger.ResolveBinding(f.license, "example.com")
	require.NoError(t, err)
	require.NoError(t, f.ledger.BlockBinding(binding, "abuse"))

	for i := 0; i < 3; i++ {
		result := f.verify(t, f.license.LicenseKey, "example.com")
		assert.False(t, result.Allowed)
		assert.Equal(t, models.ReasonDomainBlocked, result.Reason)
	}

	_, resolution, err := f.ledger.ResolveBinding(f.license, "example.com")
	require.NoError(t, err)
	assert.Equal(t, BindingBlocked, resolution)
}

func TestVerifyRejectedDomainByPolicy(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)

	result := f.verify(t, f.license.LicenseKey, "localhost")

	assert.False(t, result.Allowed)
	assert.Equal(t, models.ReasonDomainNotAllowed, result.Reason)
	// The valid license was never consulted for capacity.
	count, err := f.ledger.ActiveBindingCount(f.license.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestVerifyLockoutFlips(t *testing.T) {
	cfg := testLicenseConfig()
	cfg.MaxAttempts = 3
	guard := NewMemoryLockoutStore(3, 15*time.Minute, 15*time.Minute)
	f := newEngineFixture(t, cfg, guard)

	// Valid attempts count toward the guard too.
	for i := 0; i < 3; i++ {
		result := f.verify(t, f.license.LicenseKey, "example.com")
		assert.True(t, result.Allowed, "attempt %d", i+1)
	}

	result := f.verify(t, f.license.LicenseKey, "example.com")
	assert.False(t, result.Allowed)
	assert.Equal(t, models.ReasonRateLimited, result.Reason)
	assert.Greater(t, result.RetryAfter, time.Duration(0))

	// The denial is audited as blocked.
	var entry models.VerificationLog
	require.NoError(t, f.db.Order("created_at DESC").First(&entry).Error)
	assert.Equal(t, models.OutcomeBlocked, entry.Outcome)
}

func TestVerifyLockoutKeyedPerTuple(t *testing.T) {
	cfg := testLicenseConfig()
	cfg.MaxAttempts = 2
	guard := NewMemoryLockoutStore(2, 15*time.Minute, 15*time.Minute)
	f := newEngineFixture(t, cfg, guard)

	f.verify(t, "BAD-KEY", "example.com")
	f.verify(t, "BAD-KEY", "example.com")
	locked := f.verify(t, "BAD-KEY", "example.com")
	assert.Equal(t, models.ReasonRateLimited, locked.Reason)

	// A different identifier from the same IP is still served.
	ok := f.verify(t, f.license.LicenseKey, "example.com")
	assert.True(t, ok.Allowed)
}

func TestVerifyExactlyOneAuditEntryPerAttempt(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)

	attempts := []struct {
		identifier string
		domain     string
	}{
		{f.license.LicenseKey, "example.com"}, // allowed, binds
		{f.license.LicenseKey, "example.com"}, // allowed, idempotent
		{"NO-SUCH-KEY", "example.com"},        // invalid license
		{f.license.LicenseKey, "second.example.com"}, // domain limit
		{f.license.LicenseKey, "localhost"},   // domain policy
	}

	for i, a := range attempts {
		f.verify(t, a.identifier, a.domain)
		assert.Equal(t, int64(i+1), f.logCount(t), "after attempt %d", i+1)
	}
}

func TestVerifyMarketplaceRecheck(t *testing.T) {
	cfg := testLicenseConfig()
	cfg.VerifyNewDomains = true

	t.Run("confirmed purchase binds", func(t *testing.T) {
		f := newEngineFixture(t, cfg, nil)

		result := f.verify(t, f.license.LicenseKey, "example.com")
		assert.True(t, result.Allowed)
		assert.Equal(t, 1, f.market.calls)

		// Re-verification of a bound domain skips the marketplace.
		f.verify(t, f.license.LicenseKey, "example.com")
		assert.Equal(t, 1, f.market.calls)
	})

	t.Run("rejected purchase denies and flags", func(t *testing.T) {
		f := newEngineFixture(t, cfg, nil)
		f.market.err = ErrPurchaseInvalid

		result := f.verify(t, f.license.LicenseKey, "example.com")
		assert.False(t, result.Allowed)
		assert.Equal(t, models.ReasonInvalidLicense, result.Reason)

		var reloaded models.License
		require.NoError(t, f.db.First(&reloaded, "id = ?", f.license.ID).Error)
		assert.True(t, reloaded.IsSuspicious)
	})

	t.Run("unreachable without fallback is an error outcome", func(t *testing.T) {
		f := newEngineFixture(t, cfg, nil)
		f.market.err = ErrMarketplaceUnreachable

		result := f.verify(t, f.license.LicenseKey, "example.com")
		assert.False(t, result.Allowed)
		assert.Equal(t, models.ReasonMarketplaceUnreachable, result.Reason)

		var entry models.VerificationLog
		require.NoError(t, f.db.Order("created_at DESC").First(&entry).Error)
		assert.Equal(t, models.OutcomeError, entry.Outcome)

		// No capacity was consumed.
		count, err := f.ledger.ActiveBindingCount(f.license.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("unreachable with fallback decides locally", func(t *testing.T) {
		fallbackCfg := cfg
		fallbackCfg.FallbackInternal = true
		f := newEngineFixture(t, fallbackCfg, nil)
		f.market.err = ErrMarketplaceUnreachable

		result := f.verify(t, f.license.LicenseKey, "example.com")
		assert.True(t, result.Allowed)
	})
}

func TestVerifyUnknownCodeConsultsMarketplace(t *testing.T) {
	unseen := "86a43424-52a2-4f27-a4f9-2b6c46e9bd9d"

	t.Run("valid sale of a known item adopts a license", func(t *testing.T) {
		f := newEngineFixture(t, testLicenseConfig(), nil)
		require.NoError(t, f.db.Model(f.product).
			Update("envato_item_id", "1234567").Error)

		result := f.verify(t, unseen, "https://buyer.example.com")
		assert.True(t, result.Allowed)
		assert.Equal(t, models.ReasonAllowed, result.Reason)
		assert.Equal(t, 1, f.market.calls)

		var adopted models.License
		require.NoError(t, f.db.First(&adopted, "purchase_code = ?", unseen).Error)
		assert.Equal(t, f.product.ID, adopted.ProductID)
		assert.Equal(t, models.LicenseStatusActive, adopted.Status)

		// The adopted license is durable; the next attempt answers locally.
		again := f.verify(t, unseen, "buyer.example.com")
		assert.True(t, again.Allowed)
		assert.Equal(t, 1, f.market.calls)
	})

	t.Run("unreachable without fallback is an error outcome", func(t *testing.T) {
		f := newEngineFixture(t, testLicenseConfig(), nil)
		f.market.err = ErrMarketplaceUnreachable

		result := f.verify(t, unseen, "example.com")
		assert.False(t, result.Allowed)
		assert.Equal(t, models.ReasonMarketplaceUnreachable, result.Reason)
		assert.Equal(t, 1, f.market.calls)

		var entry models.VerificationLog
		require.NoError(t, f.db.Order("created_at DESC").First(&entry).Error)
		assert.Equal(t, models.OutcomeError, entry.Outcome)
	})

	t.Run("unreachable with fallback decides locally", func(t *testing.T) {
		cfg := testLicenseConfig()
		cfg.FallbackInternal = true
		f := newEngineFixture(t, cfg, nil)
		f.market.err = ErrMarketplaceUnreachable

		result := f.verify(t, unseen, "example.com")
		assert.False(t, result.Allowed)
		assert.Equal(t, models.ReasonInvalidLicense, result.Reason)
	})

	t.Run("rejected code stays invalid", func(t *testing.T) {
		f := newEngineFixture(t, testLicenseConfig(), nil)
		f.market.err = ErrPurchaseInvalid

		result := f.verify(t, unseen, "example.com")
		assert.Equal(t, models.ReasonInvalidLicense, result.Reason)
		assert.Equal(t, 1, f.market.calls)
	})

	t.Run("valid sale of an unknown item stays invalid", func(t *testing.T) {
		// The fixture product has no marketplace item id, so the confirmed
		// sale cannot be mapped to anything we license.
		f := newEngineFixture(t, testLicenseConfig(), nil)

		result := f.verify(t, unseen, "example.com")
		assert.Equal(t, models.ReasonInvalidLicense, result.Reason)

		var licenses int64
		require.NoError(t, f.db.Model(&models.License{}).Count(&licenses).Error)
		assert.Equal(t, int64(1), licenses)
	})
}

func TestVerifyCapacityDeniedBeforeMarketplace(t *testing.T) {
	cfg := testLicenseConfig()
	cfg.VerifyNewDomains = true
	f := newEngineFixture(t, cfg, nil)

	require.True(t, f.verify(t, f.license.LicenseKey, "one.example.com").Allowed)
	callsAfterBind := f.market.calls

	// An at-capacity license is denied on the limit even when the
	// marketplace is down; no call is spent on it.
	f.market.err = ErrMarketplaceUnreachable
	result := f.verify(t, f.license.LicenseKey, "two.example.com")
	assert.False(t, result.Allowed)
	assert.Equal(t, models.ReasonDomainLimit, result.Reason)
	assert.Equal(t, callsAfterBind, f.market.calls)
}

func TestVerifyAppliesConfiguredDeadline(t *testing.T) {
	cfg := testLicenseConfig()
	cfg.VerifyNewDomains = true
	cfg.VerifyTimeoutSeconds = 5
	f := newEngineFixture(t, cfg, nil)

	result := f.verify(t, f.license.LicenseKey, "example.com")
	assert.True(t, result.Allowed)
	assert.True(t, f.market.sawDeadline)
}

func TestVerifyCanceledContext(t *testing.T) {
	cfg := testLicenseConfig()
	cfg.VerifyTimeoutSeconds = 5
	f := newEngineFixture(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.engine.Verify(ctx, VerifyRequest{
		Identifier: f.license.LicenseKey,
		Domain:     "example.com",
		IPAddress:  "203.0.113.9",
	})

	assert.False(t, result.Allowed)
	assert.Equal(t, models.ReasonInternalError, result.Reason)

	// Audited as an error, no capacity consumed.
	assert.Equal(t, int64(1), f.logCount(t))
	var entry models.VerificationLog
	require.NoError(t, f.db.Order("created_at DESC").First(&entry).Error)
	assert.Equal(t, models.OutcomeError, entry.Outcome)

	count, err := f.ledger.ActiveBindingCount(f.license.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestVerifyNeverStoresPlaintextCode(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)

	f.verify(t, f.license.PurchaseCode, "example.com")

	var entries []models.VerificationLog
	require.NoError(t, f.db.Find(&entries).Error)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.NotEqual(t, f.license.PurchaseCode, entry.PurchaseCodeHash)
		assert.Equal(t, utils.HashString(f.license.PurchaseCode), entry.PurchaseCodeHash)
	}
}

func TestRegisterLicense(t *testing.T) {
	t.Run("creates license for valid purchase", func(t *testing.T) {
		f := newEngineFixture(t, testLicenseConfig(), nil)

		result, err := f.engine.RegisterLicense(context.Background(), RegisterRequest{
			PurchaseCode: "FRESH-CODE-1234-5678",
			ProductSlug:  f.product.Slug,
			Domain:       "example.org",
		})
		require.NoError(t, err)
		assert.Regexp(t, `^[A-Z0-9]{8}-`, result.LicenseKey)
		assert.False(t, result.Existing)
		assert.Equal(t, int64(1), result.License.DomainsUsed)
	})

	t.Run("re-registration returns existing license", func(t *testing.T) {
		f := newEngineFixture(t, testLicenseConfig(), nil)

		result, err := f.engine.RegisterLicense(context.Background(), RegisterRequest{
			PurchaseCode: f.license.PurchaseCode,
			ProductSlug:  f.product.Slug,
		})
		require.NoError(t, err)
		assert.True(t, result.Existing)
		assert.Equal(t, f.license.LicenseKey, result.LicenseKey)
	})

	t.Run("invalid purchase code", func(t *testing.T) {
		f := newEngineFixture(t, testLicenseConfig(), nil)
		f.market.err = ErrPurchaseInvalid

		_, err := f.engine.RegisterLicense(context.Background(), RegisterRequest{
			PurchaseCode: "BOGUS-CODE-0000-0000",
			ProductSlug:  f.product.Slug,
		})
		assert.ErrorIs(t, err, ErrPurchaseInvalid)
	})

	t.Run("unknown product", func(t *testing.T) {
		f := newEngineFixture(t, testLicenseConfig(), nil)

		_, err := f.engine.RegisterLicense(context.Background(), RegisterRequest{
			PurchaseCode: "FRESH-CODE-0000-0000",
			ProductSlug:  "does-not-exist",
		})
		assert.ErrorIs(t, err, ErrProductNotFound)
	})

	t.Run("marketplace down without fallback", func(t *testing.T) {
		f := newEngineFixture(t, testLicenseConfig(), nil)
		f.market.err = ErrMarketplaceUnreachable

		_, err := f.engine.RegisterLicense(context.Background(), RegisterRequest{
			PurchaseCode: "FRESH-CODE-9999-9999",
			ProductSlug:  f.product.Slug,
		})
		assert.ErrorIs(t, err, ErrMarketplaceUnreachable)
	})
}

func TestStatusIsReadOnly(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)
	require.True(t, f.verify(t, f.license.LicenseKey, "example.com").Allowed)
	before := f.logCount(t)

	snap, err := f.engine.Status(f.license.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusActive, snap.Status)
	assert.Equal(t, int64(1), snap.DomainsUsed)
	assert.Equal(t, 1, snap.MaxDomains)

	// No audit entry, no counter change.
	assert.Equal(t, before, f.logCount(t))
	var reloaded models.License
	require.NoError(t, f.db.First(&reloaded, "id = ?", f.license.ID).Error)
	assert.Equal(t, int64(1), reloaded.VerificationCount)
}

func TestStatusReportsExpiry(t *testing.T) {
	f := newEngineFixture(t, testLicenseConfig(), nil)
	expired := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(f.license).
		Update("license_expires_at", expired).Error)

	snap, err := f.engine.Status(f.license.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusExpired, snap.Status)
}
