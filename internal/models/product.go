// internal/models/product.go
package models

// Product is the software item a license grants access to. Catalog
// management happens elsewhere; the engine only needs identity, the
// marketplace item id, and the licensing defaults.
type Product struct {
	BaseModel
	Name         string      `json:"name" gorm:"size:255;not null"`
	Slug         string      `json:"slug" gorm:"size:255;uniqueIndex;not null"`
	Version      string      `json:"version" gorm:"size:50"`
	EnvatoItemID string      `json:"envato_item_id" gorm:"size:50;index"`
	LicenseType  LicenseType `json:"license_type" gorm:"type:varchar(20);default:'single'"`
	SupportDays  int         `json:"support_days" gorm:"default:365"`
	IsActive     bool        `json:"is_active" gorm:"default:true"`

	// Relationships
	Licenses []License `json:"licenses,omitempty" gorm:"foreignKey:ProductID"`
}
