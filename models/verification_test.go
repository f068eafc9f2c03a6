package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func draft(entries ...NewEntry) *NewVerification {
	return &NewVerification{
		BusinessId:  "biz-1",
		Date:        time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		TotalAmount: dec("125"),
		Entries:     entries,
	}
}

func TestValidateAccountClasses_DefaultTableIsComplete(t *testing.T) {
	if err := ValidateAccountClasses(AccountClasses); err != nil {
		t.Fatalf("default table: %v", err)
	}
}

func TestValidateAccountClasses_RejectsHolesAndOverlaps(t *testing.T) {
	cases := map[string][]AccountRange{
		"empty":   nil,
		"hole":    {{1000, 4999, AccountClassAsset}, {5001, 9999, AccountClassExpense}},
		"overlap": {{1000, 5000, AccountClassAsset}, {5000, 9999, AccountClassExpense}},
		"short":   {{1000, 8999, AccountClassAsset}},
		"unknown": {{1000, 9999, AccountClassUnknown}},
	}
	for name, ranges := range cases {
		if err := ValidateAccountClasses(ranges); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestClassifyAccount(t *testing.T) {
	cases := map[string]AccountClass{
		"1510":   AccountClassReceivable,
		"1930":   AccountClassCash,
		"2440":   AccountClassPayable,
		"2611":   AccountClassOutputVat25,
		"2621":   AccountClassOutputVat12,
		"2631":   AccountClassOutputVat6,
		"2641":   AccountClassInputVat,
		"3001":   AccountClassRevenue,
		"5811":   AccountClassExpense,
		"9999":   AccountClassSuspense,
		"30011":  AccountClassRevenue,
		"ABC":    AccountClassUnknown,
		"12":     AccountClassUnknown,
		"123456": AccountClassAsset,
	}
	for code, want := range cases {
		if got := ClassifyAccount(code); got != want {
			t.Fatalf("ClassifyAccount(%q) = %s, want %s", code, got, want)
		}
	}
}

func TestCheckBalance(t *testing.T) {
	ok := draft(
		NewEntry{Account: "5811", Debit: dec("100")},
		NewEntry{Account: "2641", Debit: dec("25")},
		NewEntry{Account: "1910", Credit: dec("125")},
	)
	if err := ok.CheckBalance(); err != nil {
		t.Fatalf("balanced draft: %v", err)
	}

	withinTolerance := draft(
		NewEntry{Account: "5811", Debit: dec("100.01")},
		NewEntry{Account: "1910", Credit: dec("100")},
	)
	if err := withinTolerance.CheckBalance(); err != nil {
		t.Fatalf("0.01 difference should pass: %v", err)
	}

	unbalanced := draft(
		NewEntry{Account: "1910", Debit: dec("90")},
		NewEntry{Account: "3001", Credit: dec("100")},
	)
	if err := unbalanced.CheckBalance(); !errors.Is(err, ErrBalanceMismatch) {
		t.Fatalf("expected ErrBalanceMismatch, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := draft(
		NewEntry{Account: "5811", Debit: dec("100")},
		NewEntry{Account: "1910", Credit: dec("100")},
	)
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid draft: %v", err)
	}

	noDate := draft(
		NewEntry{Account: "5811", Debit: dec("100")},
		NewEntry{Account: "1910", Credit: dec("100")},
	)
	noDate.Date = time.Time{}
	var ve *ValidationError
	if err := noDate.Validate(); !errors.As(err, &ve) {
		t.Fatalf("expected a validation error for a zero date, got %v", err)
	}

	emptyLine := draft(
		NewEntry{Account: "5811"},
		NewEntry{Account: "1910", Credit: dec("100")},
	)
	if err := emptyLine.Validate(); !errors.As(err, &ve) || ve.Field != "entries[0]" {
		t.Fatalf("expected entries[0] error, got %v", err)
	}

	negative := draft(
		NewEntry{Account: "5811", Debit: dec("-100")},
		NewEntry{Account: "1910", Debit: dec("100")},
	)
	if err := negative.Validate(); !errors.As(err, &ve) {
		t.Fatalf("expected a validation error for a negative line, got %v", err)
	}

	badCode := draft(
		NewEntry{Account: "5811", Debit: dec("100")},
		NewEntry{Account: "1910", Credit: dec("100")},
	)
	badCode.VatCode = "NOPE"
	if err := badCode.Validate(); !errors.As(err, &ve) || ve.Field != "vat_code" {
		t.Fatalf("expected vat_code error, got %v", err)
	}
}
