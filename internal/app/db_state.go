package app

import (
	"fmt"

	"github.com/throttlekit/throttled/internal/models"
	"gorm.io/gorm"
)

// CountPersistedPolicies reports how many policies the database holds. A database
// that was never migrated holds none.
func CountPersistedPolicies(conn *gorm.DB) (int64, error) {
	if conn == nil {
		return 0, fmt.Errorf("nil db")
	}
	if !conn.Migrator().HasTable(&models.Policy{}) {
		return 0, nil
	}
	var count int64
	if errCount := conn.Model(&models.Policy{}).Count(&count).Error; errCount != nil {
		return 0, errCount
	}
	return count, nil
}
