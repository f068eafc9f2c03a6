package models

import (
	"log"

	"github.com/mmdatafocus/bookkeeping_core/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func MigrateTable() {
	if err := MigrateTables(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// Tables lists every persisted model in migration order.
func Tables() []interface{} {
	return []interface{}{
		&EntitySequence{},
		&Verification{}, &Entry{},
		&AuditLogEntry{}, &AuditChainHead{},
		&ComplianceFlag{},
		&PeriodLock{}, &FiscalYear{},
		&BankTransaction{},
		&OutboxEvent{},
	}
}

func MigrateTables(db *gorm.DB) error {
	if err := db.AutoMigrate(Tables()...); err != nil {
		return err
	}
	// the chain head row must exist before the first append locks it
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&AuditChainHead{ID: AuditChainHeadId}).Error
}
