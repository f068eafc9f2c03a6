package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/shopspring/decimal"
)

const DefaultCurrency = "SEK"

type Verification struct {
	ID                     int              `gorm:"primary_key" json:"id"`
	BusinessId             string           `gorm:"size:64;not null;uniqueIndex:idx_verification_seq,priority:1;index:idx_verification_date,priority:1;index:idx_verification_doc,priority:1" json:"business_id"`
	ImmutableSeq           int64            `gorm:"not null;uniqueIndex:idx_verification_seq,priority:2" json:"immutable_seq"`
	Date                   time.Time        `gorm:"type:date;not null;index:idx_verification_date,priority:2" json:"date"`
	Description            string           `gorm:"size:255" json:"description"`
	TotalAmount            decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount"`
	Currency               string           `gorm:"size:3;not null;default:SEK" json:"currency"`
	VatAmount              *decimal.Decimal `gorm:"type:decimal(20,4)" json:"vat_amount"`
	VatCode                string           `gorm:"size:16" json:"vat_code"`
	Counterparty           string           `gorm:"size:255" json:"counterparty"`
	DocumentLink           string           `gorm:"size:512;index:idx_verification_doc,priority:2" json:"document_link"`
	ReversesVerificationId *int             `gorm:"uniqueIndex" json:"reverses_verification_id,omitempty"`
	CorrectsVerificationId *int             `gorm:"index" json:"corrects_verification_id,omitempty"`
	SettlesVerificationId  *int             `gorm:"index" json:"settles_verification_id,omitempty"`
	BankTransactionId      *int             `gorm:"index" json:"bank_transaction_id,omitempty"`
	CreatedBy              string           `gorm:"size:100" json:"created_by"`
	Entries                []Entry          `gorm:"foreignKey:VerificationId" json:"entries"`
	CreatedAt              time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

type Entry struct {
	ID             int             `gorm:"primary_key" json:"id"`
	VerificationId int             `gorm:"index;not null" json:"verification_id"`
	LineNo         int             `gorm:"not null;default:0" json:"line_no"`
	Account        string          `gorm:"size:10;not null;index" json:"account"`
	Debit          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"debit"`
	Credit         decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"credit"`
	Dimension      string          `gorm:"size:64" json:"dimension"`
}

// NewVerification is the draft submitted for posting. The link fields are
// set by the ledger for reversals, corrections and settlements.
type NewVerification struct {
	BusinessId   string           `json:"business_id" validate:"required,max=64"`
	Date         time.Time        `json:"date" validate:"required"`
	Description  string           `json:"description" validate:"max=255"`
	TotalAmount  decimal.Decimal  `json:"total_amount"`
	Currency     string           `json:"currency" validate:"omitempty,len=3,alpha"`
	VatAmount    *decimal.Decimal `json:"vat_amount"`
	VatCode      string           `json:"vat_code" validate:"max=16"`
	Counterparty string           `json:"counterparty" validate:"max=255"`
	DocumentLink string           `json:"document_link" validate:"max=512"`
	Entries      []NewEntry       `json:"entries" validate:"required,min=1,dive"`

	ReversesVerificationId *int `json:"-"`
	CorrectsVerificationId *int `json:"-"`
	SettlesVerificationId  *int `json:"-"`
	BankTransactionId      *int `json:"-"`
}

type NewEntry struct {
	Account   string          `json:"account" validate:"required,max=10"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
	Dimension string          `json:"dimension" validate:"max=64"`
}

// Correction carries the replacement values for Correct. Nil fields keep the
// original value.
type Correction struct {
	Date         *time.Time `json:"date"`
	DocumentLink *string    `json:"document_link"`
}

func (c Correction) IsEmpty() bool {
	return c.Date == nil && c.DocumentLink == nil
}

// Validate checks the draft shape. It does not check the balance, see CheckBalance.
func (input *NewVerification) Validate() error {
	if fields := utils.ValidateStruct(input); len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return NewValidationError(keys[0], fields[keys[0]])
	}
	if input.Date.IsZero() {
		return NewValidationError("date", "required")
	}
	for i, e := range input.Entries {
		field := fmt.Sprintf("entries[%d]", i)
		if e.Debit.IsNegative() || e.Credit.IsNegative() {
			return NewValidationError(field, "debit and credit must not be negative")
		}
		if e.Debit.IsZero() && e.Credit.IsZero() {
			return NewValidationError(field, "either debit or credit must have value")
		}
		if !e.Debit.IsZero() && !e.Credit.IsZero() {
			return NewValidationError(field, "only one of debit or credit may have value")
		}
		if !HasCents(e.Debit) || !HasCents(e.Credit) {
			return NewValidationError(field, "amounts are limited to 2 decimals")
		}
	}
	if !HasCents(input.TotalAmount) {
		return NewValidationError("total_amount", "amounts are limited to 2 decimals")
	}
	if input.VatAmount != nil {
		if input.VatAmount.IsNegative() {
			return NewValidationError("vat_amount", "must not be negative")
		}
		if !HasCents(*input.VatAmount) {
			return NewValidationError("vat_amount", "amounts are limited to 2 decimals")
		}
	}
	if input.VatCode != "" {
		if _, ok := LookupVatCode(input.VatCode); !ok {
			return NewValidationError("vat_code", "unknown vat code "+input.VatCode)
		}
	}
	return nil
}

// CheckBalance rejects drafts whose debit and credit sums differ by more than the tolerance.
func (input *NewVerification) CheckBalance() error {
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range input.Entries {
		debit = debit.Add(e.Debit)
		credit = credit.Add(e.Credit)
	}
	if !WithinTolerance(debit, credit) {
		return fmt.Errorf("%w: debit %s, credit %s", ErrBalanceMismatch, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}

// ToVerification builds the unsaved entity. Sequence and id are assigned by the store.
func (input *NewVerification) ToVerification(createdBy string) *Verification {
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	v := &Verification{
		BusinessId:             input.BusinessId,
		Date:                   DateOnly(input.Date),
		Description:            input.Description,
		TotalAmount:            input.TotalAmount,
		Currency:               currency,
		VatAmount:              input.VatAmount,
		VatCode:                strings.ToUpper(strings.TrimSpace(input.VatCode)),
		Counterparty:           input.Counterparty,
		DocumentLink:           input.DocumentLink,
		ReversesVerificationId: input.ReversesVerificationId,
		CorrectsVerificationId: input.CorrectsVerificationId,
		SettlesVerificationId:  input.SettlesVerificationId,
		BankTransactionId:      input.BankTransactionId,
		CreatedBy:              createdBy,
	}
	for i, e := range input.Entries {
		v.Entries = append(v.Entries, Entry{
			LineNo:    i + 1,
			Account:   strings.TrimSpace(e.Account),
			Debit:     e.Debit,
			Credit:    e.Credit,
			Dimension: e.Dimension,
		})
	}
	return v
}

// ReversalDraft mirrors v on the same date with debit and credit swapped.
func (v *Verification) ReversalDraft() *NewVerification {
	id := v.ID
	draft := &NewVerification{
		BusinessId:             v.BusinessId,
		Date:                   v.Date,
		Description:            fmt.Sprintf("Reversal of verification %d", v.ImmutableSeq),
		TotalAmount:            v.TotalAmount,
		Currency:               v.Currency,
		VatAmount:              v.VatAmount,
		VatCode:                v.VatCode,
		Counterparty:           v.Counterparty,
		DocumentLink:           v.DocumentLink,
		ReversesVerificationId: &id,
	}
	for _, e := range v.Entries {
		draft.Entries = append(draft.Entries, NewEntry{
			Account:   e.Account,
			Debit:     e.Credit,
			Credit:    e.Debit,
			Dimension: e.Dimension,
		})
	}
	return draft
}

// CorrectedDraft copies v with the correction applied.
func (v *Verification) CorrectedDraft(c Correction) *NewVerification {
	id := v.ID
	draft := &NewVerification{
		BusinessId:             v.BusinessId,
		Date:                   v.Date,
		Description:            v.Description,
		TotalAmount:            v.TotalAmount,
		Currency:               v.Currency,
		VatAmount:              v.VatAmount,
		VatCode:                v.VatCode,
		Counterparty:           v.Counterparty,
		DocumentLink:           v.DocumentLink,
		CorrectsVerificationId: &id,
	}
	if c.Date != nil {
		draft.Date = DateOnly(*c.Date)
	}
	if c.DocumentLink != nil {
		draft.DocumentLink = *c.DocumentLink
	}
	for _, e := range v.Entries {
		draft.Entries = append(draft.Entries, NewEntry{
			Account:   e.Account,
			Debit:     e.Debit,
			Credit:    e.Credit,
			Dimension: e.Dimension,
		})
	}
	return draft
}

// Clone returns a deep copy so stored values never alias caller values.
func (v *Verification) Clone() *Verification {
	if v == nil {
		return nil
	}
	c := *v
	c.Entries = append([]Entry(nil), v.Entries...)
	if v.VatAmount != nil {
		amt := *v.VatAmount
		c.VatAmount = &amt
	}
	return &c
}

func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
