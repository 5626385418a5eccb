// internal/services/helpers_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/shubra2641/liceinc-sub010/internal/config"
	"github.com/shubra2641/liceinc-sub010/internal/database"
	"github.com/shubra2641/liceinc-sub010/internal/models"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewTestDB()
	require.NoError(t, err)
	return db
}

func testLicenseConfig() config.LicenseConfig {
	return config.LicenseConfig{
		MaxAttempts:          5,
		AttemptWindowMinutes: 15,
		LockoutMinutes:       15,
		DefaultMaxDomains:    1,
		ExpiredGraceDays:     0,
	}
}

func seedProduct(t *testing.T, db *gorm.DB, licenseType models.LicenseType) *models.Product {
	t.Helper()
	product := &models.Product{
		Name:        "Test Product",
		Slug:        "test-product-" + string(licenseType),
		Version:     "1.0.0",
		LicenseType: licenseType,
		SupportDays: 365,
		IsActive:    true,
	}
	require.NoError(t, db.Create(product).Error)
	return product
}

func seedLicense(t *testing.T, db *gorm.DB, product *models.Product, maxDomains int) *models.License {
	t.Helper()

	code, err := utils.GeneratePurchaseCode()
	require.NoError(t, err)
	key, err := utils.GenerateLicenseKey()
	require.NoError(t, err)

	license := &models.License{
		ProductID:    product.ID,
		PurchaseCode: code,
		LicenseKey:   key,
		Status:       models.LicenseStatusActive,
		LicenseType:  product.LicenseType,
		MaxDomains:   maxDomains,
	}
	require.NoError(t, db.Create(license).Error)
	license.Product = *product
	return license
}

// fakeMarketplace is a scriptable MarketplaceClient. A nil err means every
// code verifies.
type fakeMarketplace struct {
	info        *PurchaseInfo
	err         error
	calls       int
	sawDeadline bool
}

func (f *fakeMarketplace) VerifyPurchaseCode(ctx context.Context, code string) (*PurchaseInfo, error) {
	f.calls++
	_, f.sawDeadline = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	if f.info != nil {
		return f.info, nil
	}
	return &PurchaseInfo{
		PurchaseCode: code,
		Buyer:        "testbuyer",
		ItemID:       "1234567",
		LicenseName:  "Regular License",
		SoldAt:       time.Now().AddDate(0, -1, 0),
	}, nil
}

// allowAllGuard never locks anything out; tests that are not about the
// guard use it to keep the pipeline deterministic.
type allowAllGuard struct{}

func (allowAllGuard) CheckAndRecord(string) LockoutDecision {
	return LockoutDecision{Allowed: true, Remaining: 1}
}
