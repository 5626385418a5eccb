// internal/models/license.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// License is the purchasable right to use a product. It is identified by a
// purchase code (marketplace identity) and an opaque license key. Licenses
// are never hard-deleted while bindings or verification history exist.
type License struct {
	BaseModel
	ProductID          uuid.UUID     `json:"product_id" gorm:"type:uuid;not null;index"`
	UserID             *uuid.UUID    `json:"user_id" gorm:"type:uuid;index"`
	PurchaseCode       string        `json:"-" gorm:"size:100;uniqueIndex;not null"`
	LicenseKey         string        `json:"-" gorm:"size:100;uniqueIndex;not null"`
	Status             LicenseStatus `json:"status" gorm:"type:varchar(20);default:'active';index"`
	LicenseType        LicenseType   `json:"license_type" gorm:"type:varchar(20);default:'single'"`
	MaxDomains         int           `json:"max_domains" gorm:"default:1;not null"`
	LicenseExpiresAt   *time.Time    `json:"license_expires_at"`
	SupportExpiresAt   *time.Time    `json:"support_expires_at"`
	LastVerifiedAt     *time.Time    `json:"last_verified_at"`
	LastVerifiedIP     string        `json:"last_verified_ip" gorm:"size:45"`
	LastVerifiedDomain string        `json:"last_verified_domain" gorm:"size:255"`
	VerificationCount  int64         `json:"verification_count" gorm:"default:0;not null"`
	IsSuspicious       bool          `json:"is_suspicious" gorm:"default:false;index"`
	SuspiciousReason   string        `json:"suspicious_reason,omitempty" gorm:"type:text"`
	Notes              string        `json:"notes,omitempty" gorm:"type:text"`

	// Relationships
	Product Product `json:"product,omitempty" gorm:"foreignKey:ProductID"`
	User    *User   `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

// IsExpired evaluates expiry at read time so a stale status column never
// resurrects a lapsed license. A grace period extends the deadline without
// touching the stored timestamp.
func (l *License) IsExpired(now time.Time, grace time.Duration) bool {
	if l.LicenseExpiresAt == nil {
		return false
	}
	return now.After(l.LicenseExpiresAt.Add(grace))
}

// SupportActive reports whether the support window is still open.
func (l *License) SupportActive(now time.Time) bool {
	return l.SupportExpiresAt != nil && l.SupportExpiresAt.After(now)
}

// DefaultMaxDomains returns the domain capacity a license type grants.
func DefaultMaxDomains(t LicenseType) int {
	switch t {
	case LicenseTypeSingle:
		return 1
	case LicenseTypeMulti:
		return 5
	case LicenseTypeDeveloper:
		return 10
	case LicenseTypeExtended:
		return 3
	default:
		return 1
	}
}

// DomainBinding associates a license with one installation domain, consuming
// one unit of the license's domain capacity. Bindings are status-changed,
// never deleted, so the audit trail stays intact.
type DomainBinding struct {
	BaseModel
	LicenseID         uuid.UUID    `json:"license_id" gorm:"type:uuid;not null;uniqueIndex:idx_license_domain"`
	Domain            string       `json:"domain" gorm:"size:255;not null;uniqueIndex:idx_license_domain"`
	Status            DomainStatus `json:"status" gorm:"type:varchar(20);default:'active';index"`
	IsVerified        bool         `json:"is_verified" gorm:"default:false"`
	AddedAt           time.Time    `json:"added_at"`
	LastUsedAt        *time.Time   `json:"last_used_at"`
	VerificationCount int64        `json:"verification_count" gorm:"default:0;not null"`
	IsSuspicious      bool         `json:"is_suspicious" gorm:"default:false;index"`
	SuspiciousReason  string       `json:"suspicious_reason,omitempty" gorm:"type:text"`
	IPAddress         string       `json:"ip_address" gorm:"size:45"`
	UserAgent         string       `json:"user_agent" gorm:"type:text"`
	Country           string       `json:"country" gorm:"size:2"`
}

// VerificationLog is the append-only record of a single verification
// attempt. LicenseID is nullable so attempts with unknown purchase codes are
// still recorded. The full purchase code never appears here, only its hash.
type VerificationLog struct {
	BaseModel
	LicenseID        *uuid.UUID          `json:"license_id" gorm:"type:uuid;index"`
	PurchaseCodeHash string              `json:"purchase_code_hash" gorm:"size:64;index:idx_logs_code_created"`
	Domain           string              `json:"domain" gorm:"size:255;index"`
	IPAddress        string              `json:"ip_address" gorm:"size:45;index:idx_logs_ip_created"`
	UserAgent        string              `json:"user_agent" gorm:"type:text"`
	Outcome          VerificationOutcome `json:"outcome" gorm:"type:varchar(20);not null;index"`
	Message          string              `json:"message" gorm:"type:text"`
	Source           VerificationSource  `json:"source" gorm:"type:varchar(20);default:'installer';index"`
	ResponseData     JSONB               `json:"response_data" gorm:"type:jsonb"`
	IsSuspicious     bool                `json:"is_suspicious" gorm:"default:false"`
	SuspiciousReason string              `json:"suspicious_reason,omitempty" gorm:"type:text"`
	VerifiedAt       *time.Time          `json:"verified_at"`
}
