package models

import (
	"time"

	"gorm.io/datatypes"
)

// Policy stores a persisted rate limit policy.
type Policy struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name      string `gorm:"type:varchar(255);not null;uniqueIndex"`           // Policy name or glob pattern.
	Algorithm string `gorm:"type:varchar(32);not null;default:'fixed_window'"` // Admission algorithm.
	Limit     int64  `gorm:"column:quota_limit;not null"`                      // Units admitted per window.
	WindowMS  int64  `gorm:"column:window_ms;not null;default:0"`              // Window length in milliseconds.
	Burst     int64  `gorm:"not null;default:0"`                               // Bucket capacity, zero means limit.
	Cost      int64  `gorm:"not null;default:0"`                               // Default cost per call.
	Period    string `gorm:"type:varchar(16);not null;default:''"`             // Calendar period for fixed windows.

	Labels      datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Free-form labels for filtering.
	Description string         `gorm:"type:text"`                        // Operator notes.

	IsEnabled bool `gorm:"not null"` // Whether the policy is registered.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"`       // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime;index"` // Last update timestamp.
}

// TableName overrides the default table name.
func (Policy) TableName() string {
	return "rate_limit_policies"
}
