package compliance

import (
	"context"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/archive"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/shopspring/decimal"
)

const (
	RuleMissingFields = "R-001"
	RuleStaleDate     = "R-011"
	RuleDocument      = "R-021"
	RuleContentHash   = "R-031"
	RuleSieExport     = "R-051"
	RuleDuplicate     = "R-DUP"
	RuleVatRatio      = "R-VAT"
	RulePeriod        = "R-PERIOD"
)

// StaleAfter is how old a verification date may be before R-011 warns.
const StaleAfter = 30 * 24 * time.Hour

// Links below this prefix point at bank transactions booked by the system
// itself and are never present in the document archive.
const systemEvidencePrefix = "/bank/transactions/"

var (
	vatRatioTolerance = decimal.RequireFromString("0.03")
	grossVatRatios    = []decimal.Decimal{
		decimal.NewFromInt(25).Div(decimal.NewFromInt(125)),
		decimal.NewFromInt(12).Div(decimal.NewFromInt(112)),
		decimal.NewFromInt(6).Div(decimal.NewFromInt(106)),
	}
	reverseChargeRatios = []decimal.Decimal{
		decimal.RequireFromString("0.25"),
		decimal.RequireFromString("0.12"),
		decimal.RequireFromString("0.06"),
	}
)

func DefaultRules(deps Deps) []Rule {
	return []Rule{
		{Code: RuleMissingFields, Eval: missingFields},
		{Code: RuleStaleDate, Eval: staleDate(deps.Now)},
		{Code: RuleDocument, Eval: documentArchived(deps.Archive, deps.ArchiveCheck)},
		{Code: RuleContentHash, Eval: contentHash},
		{Code: RuleDuplicate, Eval: duplicateDocument(deps.Reader)},
		{Code: RuleVatRatio, Eval: vatRatio},
		{Code: RulePeriod, Eval: fiscalYearCoverage(deps.Reader)},
	}
}

func flag(code string, severity models.Severity, msg string) Result {
	return Result{Flags: []Flag{{RuleCode: code, Severity: severity, Message: msg}}}
}

func isDerived(v *models.Verification) bool {
	return v.ReversesVerificationId != nil || v.CorrectsVerificationId != nil || v.SettlesVerificationId != nil
}

func missingFields(_ context.Context, v *models.Verification) Result {
	var missing []string
	if v.Date.IsZero() {
		missing = append(missing, "date")
	}
	// the column is NOT NULL and an omitted total arrives as zero
	if v.TotalAmount.IsZero() {
		missing = append(missing, "total_amount")
	}
	if strings.TrimSpace(v.Counterparty) == "" {
		missing = append(missing, "counterparty")
	}
	if v.VatAmount == nil {
		missing = append(missing, "vat_amount")
	}
	if strings.TrimSpace(v.DocumentLink) == "" {
		missing = append(missing, "document_link")
	}
	if len(missing) == 0 {
		return Result{}
	}
	return flag(RuleMissingFields, models.SeverityError, "Verifikationen saknar: "+strings.Join(missing, ", "))
}

func staleDate(now func() time.Time) func(context.Context, *models.Verification) Result {
	return func(_ context.Context, v *models.Verification) Result {
		if v.Date.IsZero() {
			return Result{}
		}
		today := models.DateOnly(now())
		if today.Sub(models.DateOnly(v.Date)) > StaleAfter {
			return flag(RuleStaleDate, models.SeverityWarning,
				fmt.Sprintf("Verifikationsdatum %s är äldre än 30 dagar.", v.Date.Format("2006-01-02")))
		}
		return Result{}
	}
}

func documentArchived(docs archive.Store, enabled bool) func(context.Context, *models.Verification) Result {
	return func(ctx context.Context, v *models.Verification) Result {
		link := strings.TrimSpace(v.DocumentLink)
		if link == "" {
			return flag(RuleDocument, models.SeverityError, "Underlag saknas.")
		}
		if !enabled || docs == nil || strings.HasPrefix(link, systemEvidencePrefix) {
			return Result{}
		}
		ok, err := docs.Exists(ctx, link)
		if err != nil {
			return Result{Err: fmt.Errorf("archive lookup %s: %w", link, err)}
		}
		if !ok {
			return flag(RuleDocument, models.SeverityError, "Underlaget hittades inte i arkivet: "+link)
		}
		return Result{}
	}
}

func contentHash(_ context.Context, v *models.Verification) Result {
	link := strings.TrimSpace(v.DocumentLink)
	if link == "" {
		return Result{}
	}
	name := path.Base(link)
	prefix, _, found := strings.Cut(name, "_")
	if !found || len(prefix) != 64 {
		return Result{}
	}
	if _, err := hex.DecodeString(prefix); err != nil {
		return Result{}
	}
	return flag(RuleContentHash, models.SeverityInfo, "Underlaget är arkiverat med innehållshash.")
}

// duplicateDocument skips postings derived from another verification, and
// candidates that are reversals or the verification being corrected, since
// those share the document link by construction.
func duplicateDocument(reader store.Reader) func(context.Context, *models.Verification) Result {
	return func(ctx context.Context, v *models.Verification) Result {
		link := strings.TrimSpace(v.DocumentLink)
		if link == "" || isDerived(v) || reader == nil {
			return Result{}
		}
		others, err := reader.ListVerifications(ctx, store.VerificationFilter{
			BusinessId:   v.BusinessId,
			DocumentLink: link,
		})
		if err != nil {
			return Result{Err: err}
		}
		for _, o := range others {
			if o.ID == v.ID || o.ReversesVerificationId != nil {
				continue
			}
			return flag(RuleDuplicate, models.SeverityWarning,
				fmt.Sprintf("Underlaget används redan av verifikation %d.", o.ImmutableSeq))
		}
		return Result{}
	}
}

func vatRatio(_ context.Context, v *models.Verification) Result {
	var inputVat decimal.Decimal
	touched := false
	for _, e := range v.Entries {
		if models.ClassifyAccount(e.Account) == models.AccountClassInputVat {
			touched = true
			inputVat = inputVat.Add(e.Debit).Sub(e.Credit)
		}
	}
	if !touched || inputVat.IsZero() {
		return Result{}
	}
	base := v.TotalAmount.Abs()
	if base.IsZero() {
		_, credit := models.SumEntries(v.Entries)
		base = credit
	}
	if base.IsZero() {
		return Result{}
	}
	ratio := inputVat.Abs().Div(base)

	expected := grossVatRatios
	if vc, ok := models.LookupVatCode(v.VatCode); ok && vc.ReverseCharge {
		// reverse charge VAT is computed on the net amount
		expected = reverseChargeRatios
	}
	for _, r := range expected {
		if ratio.Sub(r).Abs().LessThanOrEqual(vatRatioTolerance) {
			return Result{}
		}
	}
	return flag(RuleVatRatio, models.SeverityWarning,
		fmt.Sprintf("Ingående moms %s motsvarar %s%% av beloppet %s, vilket inte matchar någon momssats.",
			inputVat.StringFixed(2), ratio.Mul(decimal.NewFromInt(100)).StringFixed(1), base.StringFixed(2)))
}

func fiscalYearCoverage(reader store.Reader) func(context.Context, *models.Verification) Result {
	return func(ctx context.Context, v *models.Verification) Result {
		if reader == nil || v.Date.IsZero() {
			return Result{}
		}
		years, err := reader.ListFiscalYears(ctx, v.BusinessId)
		if err != nil {
			return Result{Err: err}
		}
		for _, fy := range years {
			if fy.Contains(v.Date) {
				return Result{}
			}
		}
		return flag(RulePeriod, models.SeverityWarning,
			fmt.Sprintf("Datumet %s ligger utanför registrerade räkenskapsår.", v.Date.Format("2006-01-02")))
	}
}
