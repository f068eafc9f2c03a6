package models

import (
	"strconv"
	"time"
)

const (
	AuditActionVerificationCreate = "verification.create"
	AuditActionPeriodLock         = "period.lock"
	AuditActionBankMatch          = "bank.match"
	AuditActionFlagResolve        = "flag.resolve"
)

// AuditLogEntry is one link of the global chain. Seq orders the chain.
type AuditLogEntry struct {
	Seq         int64     `gorm:"primary_key;autoIncrement:false" json:"seq"`
	Actor       string    `gorm:"size:100;not null" json:"actor"`
	Action      string    `gorm:"size:64;not null" json:"action"`
	Target      string    `gorm:"size:128;not null;index" json:"target"`
	PayloadHash string    `gorm:"size:64;not null" json:"payload_hash"`
	BeforeHash  string    `gorm:"size:64;not null;default:''" json:"before_hash"`
	AfterHash   string    `gorm:"size:64;not null;uniqueIndex" json:"after_hash"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

// AuditChainHead is the single row that serializes appends.
type AuditChainHead struct {
	ID        int    `gorm:"primary_key;autoIncrement:false"`
	Length    int64  `gorm:"not null;default:0"`
	AfterHash string `gorm:"size:64;not null;default:''"`
}

const AuditChainHeadId = 1

func VerificationTarget(id int) string {
	return "verification:" + strconv.Itoa(id)
}

func BankTransactionTarget(id int) string {
	return "bank_transaction:" + strconv.Itoa(id)
}

func ComplianceFlagTarget(id int) string {
	return "compliance_flag:" + strconv.Itoa(id)
}

func PeriodLockTarget(id int) string {
	return "period_lock:" + strconv.Itoa(id)
}
