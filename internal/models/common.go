// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Enums
type LicenseStatus string

const (
	LicenseStatusActive    LicenseStatus = "active"
	LicenseStatusInactive  LicenseStatus = "inactive"
	LicenseStatusSuspended LicenseStatus = "suspended"
	LicenseStatusExpired   LicenseStatus = "expired"
)

type LicenseType string

const (
	LicenseTypeSingle    LicenseType = "single"
	LicenseTypeMulti     LicenseType = "multi"
	LicenseTypeDeveloper LicenseType = "developer"
	LicenseTypeExtended  LicenseType = "extended"
)

type DomainStatus string

const (
	DomainStatusActive   DomainStatus = "active"
	DomainStatusInactive DomainStatus = "inactive"
	DomainStatusBlocked  DomainStatus = "blocked"
)

type VerificationOutcome string

const (
	OutcomeSuccess VerificationOutcome = "success"
	OutcomeFailed  VerificationOutcome = "failed"
	OutcomeBlocked VerificationOutcome = "blocked"
	OutcomeError   VerificationOutcome = "error"
)

type VerificationSource string

const (
	SourceInstaller VerificationSource = "installer"
	SourcePeriodic  VerificationSource = "periodic"
	SourceAdmin     VerificationSource = "admin"
	SourceAPI       VerificationSource = "api"
)

// Valid reports whether the source is one of the known channels.
func (s VerificationSource) Valid() bool {
	switch s {
	case SourceInstaller, SourcePeriodic, SourceAdmin, SourceAPI:
		return true
	}
	return false
}

// ReasonCode is the engine's terminal decision category. The caller-facing
// message for each code deliberately carries less detail than the audit row.
type ReasonCode string

const (
	ReasonAllowed                ReasonCode = "allowed"
	ReasonInvalidLicense         ReasonCode = "invalid_license"
	ReasonLicenseExpired         ReasonCode = "license_expired"
	ReasonLicenseSuspended       ReasonCode = "license_suspended"
	ReasonDomainBlocked          ReasonCode = "domain_blocked"
	ReasonDomainNotAllowed       ReasonCode = "domain_not_allowed"
	ReasonDomainLimit            ReasonCode = "domain_limit"
	ReasonRateLimited            ReasonCode = "rate_limited"
	ReasonMarketplaceUnreachable ReasonCode = "marketplace_unreachable"
	ReasonInternalError          ReasonCode = "internal_error"
)

// Outcome maps a reason code onto the audit outcome it is logged under.
func (r ReasonCode) Outcome() VerificationOutcome {
	switch r {
	case ReasonAllowed:
		return OutcomeSuccess
	case ReasonRateLimited, ReasonDomainBlocked:
		return OutcomeBlocked
	case ReasonMarketplaceUnreachable, ReasonInternalError:
		return OutcomeError
	default:
		return OutcomeFailed
	}
}

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleStaff UserRole = "staff"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)
