package compliance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/shopspring/decimal"
)

var evalNow = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

type fakeArchive struct {
	docs map[string]bool
	err  error
}

func (f *fakeArchive) Exists(_ context.Context, link string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.docs[link], nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func completeVerification() *models.Verification {
	return &models.Verification{
		BusinessId:   "1",
		Date:         time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		TotalAmount:  dec("125"),
		VatAmount:    decPtr("25"),
		VatCode:      "SE25",
		Counterparty: "Kontorsbolaget AB",
		DocumentLink: "/archive/receipt.pdf",
		Entries: []models.Entry{
			{Account: "5811", Debit: dec("100")},
			{Account: "2641", Debit: dec("25")},
			{Account: "1910", Credit: dec("125")},
		},
	}
}

func seedFiscalYear(t *testing.T, s *store.MemoryStore, businessId string, year int) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertFiscalYear(context.Background(), &models.FiscalYear{
			BusinessId: businessId,
			StartDate:  time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
			EndDate:    time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
		})
	})
	if err != nil {
		t.Fatalf("seed fiscal year: %v", err)
	}
}

func seedVerification(t *testing.T, s *store.MemoryStore, v *models.Verification) *models.Verification {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		seq, err := tx.NextSequence(ctx, v.BusinessId)
		if err != nil {
			return err
		}
		v.ImmutableSeq = seq
		return tx.InsertVerification(ctx, v)
	})
	if err != nil {
		t.Fatalf("seed verification: %v", err)
	}
	return v
}

func newTestEngine(s *store.MemoryStore, docs *fakeArchive) *Engine {
	return NewEngine(Deps{
		Reader:       s,
		Archive:      docs,
		Now:          func() time.Time { return evalNow },
		ArchiveCheck: true,
	})
}

func ruleCodes(r Report) []string {
	codes := make([]string, 0, len(r.Flags))
	for _, f := range r.Flags {
		codes = append(codes, f.RuleCode)
	}
	return codes
}

func hasRule(r Report, code string) bool {
	for _, f := range r.Flags {
		if f.RuleCode == code {
			return true
		}
	}
	return false
}

func TestEvaluate_CleanVerificationHasNoFlags(t *testing.T) {
	s := store.NewMemoryStore()
	seedFiscalYear(t, s, "1", 2025)
	e := newTestEngine(s, &fakeArchive{docs: map[string]bool{"/archive/receipt.pdf": true}})

	report := e.Evaluate(context.Background(), completeVerification())
	if len(report.Flags) != 0 || len(report.Errors) != 0 {
		t.Fatalf("expected clean report, got flags %v errors %v", ruleCodes(report), report.Errors)
	}
	if report.Score() != 100 {
		t.Fatalf("expected score 100, got %d", report.Score())
	}
}

func TestEvaluate_VatPlausibility(t *testing.T) {
	v := completeVerification()
	if res := vatRatio(context.Background(), v); len(res.Flags) != 0 {
		t.Fatalf("25/125 must match the 25%% ratio, got %+v", res.Flags)
	}

	v.TotalAmount = decimal.Zero
	if res := vatRatio(context.Background(), v); len(res.Flags) != 0 {
		t.Fatalf("credit sum fallback must match, got %+v", res.Flags)
	}

	v.TotalAmount = dec("125")
	v.Entries = []models.Entry{
		{Account: "5811", Debit: dec("60")},
		{Account: "2641", Debit: dec("65")},
		{Account: "1910", Credit: dec("125")},
	}
	res := vatRatio(context.Background(), v)
	if len(res.Flags) != 1 || res.Flags[0].Severity != models.SeverityWarning {
		t.Fatalf("expected one R-VAT warning, got %+v", res.Flags)
	}

	v.Entries = []models.Entry{
		{Account: "4000", Debit: dec("125")},
		{Account: "1910", Credit: dec("125")},
	}
	if res := vatRatio(context.Background(), v); len(res.Flags) != 0 {
		t.Fatalf("verification without input VAT must not be checked, got %+v", res.Flags)
	}
}

func TestEvaluate_ReverseChargeUsesNetRate(t *testing.T) {
	v := &models.Verification{
		TotalAmount: dec("1000"),
		VatCode:     "RC25",
		Entries: []models.Entry{
			{Account: "4535", Debit: dec("1000")},
			{Account: "2645", Debit: dec("250")},
			{Account: "2614", Credit: dec("250")},
			{Account: "2440", Credit: dec("1000")},
		},
	}
	if res := vatRatio(context.Background(), v); len(res.Flags) != 0 {
		t.Fatalf("reverse charge 25%% on net must pass, got %+v", res.Flags)
	}
}

func TestEvaluate_MissingFields(t *testing.T) {
	v := completeVerification()
	v.Counterparty = ""
	v.VatAmount = nil
	res := missingFields(context.Background(), v)
	if len(res.Flags) != 1 {
		t.Fatalf("expected one R-001 flag, got %+v", res.Flags)
	}
	f := res.Flags[0]
	if f.Severity != models.SeverityError || !strings.Contains(f.Message, "counterparty, vat_amount") {
		t.Fatalf("unexpected R-001 flag %+v", f)
	}
}

func TestEvaluate_OmittedTotalCountsAsMissing(t *testing.T) {
	v := completeVerification()
	v.TotalAmount = decimal.Zero
	res := missingFields(context.Background(), v)
	if len(res.Flags) != 1 || !strings.HasSuffix(res.Flags[0].Message, ": total_amount") {
		t.Fatalf("expected R-001 for total_amount only, got %+v", res.Flags)
	}
}

func TestEvaluate_StaleDate(t *testing.T) {
	check := staleDate(func() time.Time { return evalNow })
	v := completeVerification()

	v.Date = evalNow.AddDate(0, 0, -30)
	if res := check(context.Background(), v); len(res.Flags) != 0 {
		t.Fatalf("exactly 30 days old must not warn, got %+v", res.Flags)
	}
	v.Date = evalNow.AddDate(0, 0, -31)
	if res := check(context.Background(), v); len(res.Flags) != 1 {
		t.Fatalf("31 days old must warn, got %+v", res.Flags)
	}
}

func TestEvaluate_DocumentChecks(t *testing.T) {
	ctx := context.Background()
	docs := &fakeArchive{docs: map[string]bool{}}
	check := documentArchived(docs, true)

	v := completeVerification()
	if res := check(ctx, v); len(res.Flags) != 1 || res.Flags[0].RuleCode != RuleDocument {
		t.Fatalf("missing archive object must flag R-021, got %+v", res.Flags)
	}

	v.DocumentLink = "/bank/transactions/7"
	if res := check(ctx, v); len(res.Flags) != 0 || res.Err != nil {
		t.Fatalf("system evidence links skip the archive, got %+v %v", res.Flags, res.Err)
	}

	v.DocumentLink = ""
	if res := documentArchived(docs, false)(ctx, v); len(res.Flags) != 1 {
		t.Fatalf("absent link flags R-021 even with the archive check disabled")
	}

	hash := strings.Repeat("ab", 32)
	v.DocumentLink = "gs://docs/2025/" + hash + "_receipt.pdf"
	if res := contentHash(ctx, v); len(res.Flags) != 1 || res.Flags[0].Severity != models.SeverityInfo {
		t.Fatalf("expected R-031 info, got %+v", res.Flags)
	}
	v.DocumentLink = "gs://docs/2025/" + strings.Repeat("zz", 32) + "_receipt.pdf"
	if res := contentHash(ctx, v); len(res.Flags) != 0 {
		t.Fatalf("non-hex prefix must not count as a content hash")
	}
}

func TestEvaluate_RuleErrorDoesNotStopOtherRules(t *testing.T) {
	s := store.NewMemoryStore()
	seedFiscalYear(t, s, "1", 2025)
	boom := errors.New("archive unavailable")
	e := newTestEngine(s, &fakeArchive{err: boom})

	v := completeVerification()
	v.Counterparty = ""
	report := e.Evaluate(context.Background(), v)
	if len(report.Errors) != 1 || report.Errors[0].Rule != RuleDocument || !errors.Is(report.Errors[0], boom) {
		t.Fatalf("expected R-021 evaluation error, got %v", report.Errors)
	}
	if !hasRule(report, RuleMissingFields) {
		t.Fatalf("other rules must still run, got %v", ruleCodes(report))
	}
	if hasRule(report, RuleDocument) {
		t.Fatalf("a failing rule must not produce flags")
	}
}

func TestEvaluate_PanickingRuleBecomesError(t *testing.T) {
	e := NewEngineWithRules(nil, nil,
		Rule{Code: "R-X", Eval: func(context.Context, *models.Verification) Result { panic("bad rule") }},
		Rule{Code: RuleMissingFields, Eval: missingFields},
	)
	v := completeVerification()
	v.DocumentLink = ""
	report := e.Evaluate(context.Background(), v)
	if len(report.Errors) != 1 || report.Errors[0].Rule != "R-X" {
		t.Fatalf("expected panic converted to error, got %v", report.Errors)
	}
	if !hasRule(report, RuleMissingFields) {
		t.Fatalf("expected R-001 after panic, got %v", ruleCodes(report))
	}
}

func TestEvaluate_DuplicateDocument(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFiscalYear(t, s, "1", 2025)
	e := newTestEngine(s, &fakeArchive{docs: map[string]bool{"/archive/receipt.pdf": true}})

	original := seedVerification(t, s, completeVerification())

	second := completeVerification()
	report := e.Evaluate(ctx, second)
	if !hasRule(report, RuleDuplicate) {
		t.Fatalf("expected R-DUP for shared document link, got %v", ruleCodes(report))
	}

	other := completeVerification()
	other.BusinessId = "2"
	if res := duplicateDocument(s)(ctx, other); len(res.Flags) != 0 {
		t.Fatalf("duplicates are scoped to the business, got %+v", res.Flags)
	}

	reversal := original.ReversalDraft().ToVerification("system")
	if res := duplicateDocument(s)(ctx, reversal); len(res.Flags) != 0 {
		t.Fatalf("reversals share the link by construction, got %+v", res.Flags)
	}
}

func TestEvaluate_FiscalYearCoverage(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	check := fiscalYearCoverage(s)

	v := completeVerification()
	if res := check(ctx, v); len(res.Flags) != 1 {
		t.Fatalf("business without fiscal years must be flagged, got %+v", res.Flags)
	}
	seedFiscalYear(t, s, "1", 2025)
	if res := check(ctx, v); len(res.Flags) != 0 {
		t.Fatalf("date inside fiscal year must pass, got %+v", res.Flags)
	}
	v.Date = time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	if res := check(ctx, v); len(res.Flags) != 1 || res.Flags[0].RuleCode != RulePeriod {
		t.Fatalf("expected R-PERIOD, got %+v", res.Flags)
	}
}

func TestYearReport(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := newTestEngine(s, &fakeArchive{})

	empty, err := e.YearReport(ctx, "1", 2025)
	if err != nil {
		t.Fatalf("YearReport: %v", err)
	}
	if empty.Verifications != 0 || len(empty.Yearly) != 1 || empty.Yearly[0].Message != "Ingen SIE att exportera." {
		t.Fatalf("unexpected empty report %+v", empty)
	}

	v := seedVerification(t, s, completeVerification())
	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertFlags(ctx, []*models.ComplianceFlag{
			{BusinessId: "1", VerificationId: v.ID, RuleCode: RuleDocument, Severity: models.SeverityError, Message: "x"},
			{BusinessId: "1", VerificationId: v.ID, RuleCode: RuleStaleDate, Severity: models.SeverityWarning, Message: "y"},
		})
	})
	if err != nil {
		t.Fatalf("insert flags: %v", err)
	}

	report, err := e.YearReport(ctx, "1", 2025)
	if err != nil {
		t.Fatalf("YearReport: %v", err)
	}
	if report.Verifications != 1 || report.Errors != 1 || report.Warnings != 1 || report.Score != 70 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Yearly[0].RuleCode != RuleSieExport || report.Yearly[0].Message != "SIE-export tillgänglig." {
		t.Fatalf("unexpected R-051 finding %+v", report.Yearly)
	}
}

func TestToModels_CapsMessageAtColumnWidth(t *testing.T) {
	docs := &fakeArchive{docs: map[string]bool{}}
	v := completeVerification()
	v.DocumentLink = "/archive/" + strings.Repeat("å", 512-len([]rune("/archive/")))
	if n := len([]rune(v.DocumentLink)); n != 512 {
		t.Fatalf("link is %d runes", n)
	}

	res := documentArchived(docs, true)(context.Background(), v)
	if len(res.Flags) != 1 || len([]rune(res.Flags[0].Message)) <= models.MaxFlagMessageLength {
		t.Fatalf("expected an over-long R-021 message, got %+v", res.Flags)
	}
	report := Report{Flags: res.Flags}
	stored := report.ToModels("1", 42)
	if len(stored) != 1 {
		t.Fatalf("expected one flag, got %d", len(stored))
	}
	if n := len([]rune(stored[0].Message)); n != models.MaxFlagMessageLength {
		t.Fatalf("stored message is %d runes, want %d", n, models.MaxFlagMessageLength)
	}
	if !strings.HasPrefix(stored[0].Message, "Underlaget hittades inte i arkivet: ") {
		t.Fatalf("message prefix lost: %q", stored[0].Message[:40])
	}
}
