package models

import (
	"strings"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/shopspring/decimal"
)

type BankTransaction struct {
	ID                       int             `gorm:"primary_key" json:"id"`
	BusinessId               string          `gorm:"size:64;not null;index:idx_bank_tx_date,priority:1" json:"business_id"`
	ImportBatchId            string          `gorm:"size:36;not null;index" json:"import_batch_id"`
	Date                     time.Time       `gorm:"type:date;not null;index:idx_bank_tx_date,priority:2" json:"date"`
	Amount                   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency                 string          `gorm:"size:3;not null;default:SEK" json:"currency"`
	Description              string          `gorm:"size:512" json:"description"`
	CounterpartyRef          string          `gorm:"size:255" json:"counterparty_ref"`
	MatchedVerificationId    *int            `gorm:"index" json:"matched_verification_id"`
	SettlementVerificationId *int            `gorm:"uniqueIndex" json:"settlement_verification_id"`
	CreatedAt                time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewBankTransaction struct {
	Date            time.Time       `json:"date" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Description     string          `json:"description" validate:"max=512"`
	CounterpartyRef string          `json:"counterparty" validate:"max=255"`
}

func (input *NewBankTransaction) Validate() error {
	if input.Date.IsZero() {
		return NewValidationError("date", "required")
	}
	if fields := utils.ValidateStruct(input); len(fields) > 0 {
		for k, v := range fields {
			return NewValidationError(k, v)
		}
	}
	return nil
}

func (input *NewBankTransaction) ToBankTransaction(businessId, batchId string) *BankTransaction {
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	return &BankTransaction{
		BusinessId:      businessId,
		ImportBatchId:   batchId,
		Date:            DateOnly(input.Date),
		Amount:          input.Amount,
		Currency:        currency,
		Description:     input.Description,
		CounterpartyRef: input.CounterpartyRef,
	}
}

func (t *BankTransaction) IsSettled() bool {
	return t.SettlementVerificationId != nil
}

func (t *BankTransaction) Clone() *BankTransaction {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
