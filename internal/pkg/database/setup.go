package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/mkarlsen/CrewDesk/app/models"
	"github.com/mkarlsen/CrewDesk/internal/pkg/env"
)

var DB *gorm.DB

const maxRetries = 5
const retryDelay = 5 * time.Second

// SetupDatabase opens the MySQL connection and migrates the schema. The
// unique indexes on billing_records and processed_events are load-bearing
// for reconciliation correctness, not just lookup speed.
func SetupDatabase() {
	var err error
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                      dsn,
			DefaultStringSize:        256,
			DisableDatetimePrecision: true,
			DontSupportRenameIndex:   true,
			DontSupportRenameColumn:  true,
		}), &gorm.Config{})
		if err == nil {
			if merr := DB.AutoMigrate(
				&models.Tenant{},
				&models.BillingRecord{},
				&models.ProcessedEvent{},
				&models.BillingEventStat{},
			); merr != nil {
				panic(merr)
			}
			return
		}

		log.Warn().Err(err).Int("try", i+1).Int("max", maxRetries).Msg("database connect failed")
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	panic(err)
}

// GetDB returns the shared GORM handle.
func GetDB() *gorm.DB {
	return DB
}
