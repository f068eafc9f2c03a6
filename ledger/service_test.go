package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mmdatafocus/bookkeeping_core/audit"
	"github.com/mmdatafocus/bookkeeping_core/compliance"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/period"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/shopspring/decimal"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	dates []time.Time
}

func (r *recordingInvalidator) Invalidate(_ context.Context, _ string, date time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dates = append(r.dates, date)
}

type fixture struct {
	store   *store.MemoryStore
	chain   *audit.Chain
	periods *period.Manager
	svc     *Service
	inval   *recordingInvalidator
}

func newFixture(publish bool) *fixture {
	s := store.NewMemoryStore()
	chain := audit.NewChain(s, nil)
	periods := period.NewManager(s, chain)
	engine := compliance.NewEngine(compliance.Deps{
		Reader: s,
		Now:    func() time.Time { return time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC) },
	})
	inval := &recordingInvalidator{}
	svc := NewService(s, chain, periods, engine, Options{Invalidator: inval, PublishEvents: publish})
	return &fixture{store: s, chain: chain, periods: periods, svc: svc, inval: inval}
}

func day(s string) time.Time {
	t, err := time.Parse(utils.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func draft(businessId, date string, debit, credit string) *models.NewVerification {
	vat := dec("0")
	return &models.NewVerification{
		BusinessId:   businessId,
		Date:         day(date),
		Description:  "Office supplies",
		TotalAmount:  dec(debit),
		VatAmount:    &vat,
		Counterparty: "Kontorsbolaget AB",
		DocumentLink: "/archive/" + date + ".pdf",
		Entries: []models.NewEntry{
			{Account: "5410", Debit: dec(debit)},
			{Account: "1930", Credit: dec(credit)},
		},
	}
}

func chainLength(t *testing.T, s *store.MemoryStore) int64 {
	t.Helper()
	head, err := s.ChainHead(context.Background())
	if err != nil {
		t.Fatalf("ChainHead: %v", err)
	}
	return head.Length
}

func TestCreate_AssignsSequenceAndAuditLink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)

	r, err := f.svc.Create(ctx, draft("1", "2025-02-10", "100", "100"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ImmutableSeq != 1 || r.Verification.ID == 0 {
		t.Fatalf("unexpected receipt %+v", r)
	}
	link, err := f.store.LatestAuditLink(ctx, models.VerificationTarget(r.Verification.ID))
	if err != nil || link.AfterHash != r.AuditHash || link.Action != models.AuditActionVerificationCreate {
		t.Fatalf("audit link mismatch: %+v (%v), receipt hash %s", link, err, r.AuditHash)
	}
	if link.Actor != utils.SystemActor {
		t.Fatalf("expected system actor, got %q", link.Actor)
	}
	if len(f.inval.dates) != 1 || !f.inval.dates[0].Equal(day("2025-02-10")) {
		t.Fatalf("expected cache invalidation for the posting date, got %v", f.inval.dates)
	}

	got, err := f.svc.Get(ctx, r.Verification.ID)
	if err != nil || got.AuditHash != r.AuditHash || len(got.Verification.Entries) != 2 {
		t.Fatalf("Get mismatch: %+v (%v)", got, err)
	}
}

func TestCreate_RejectsUnbalanced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)

	_, err := f.svc.Create(ctx, draft("1", "2025-02-10", "100", "99.98"))
	if !errors.Is(err, models.ErrBalanceMismatch) {
		t.Fatalf("expected ErrBalanceMismatch, got %v", err)
	}
	if n := chainLength(t, f.store); n != 0 {
		t.Fatalf("rejected draft must not write an audit link, chain length %d", n)
	}

	// within tolerance
	r, err := f.svc.Create(ctx, draft("1", "2025-02-10", "100", "99.99"))
	if err != nil {
		t.Fatalf("0.01 difference must be accepted: %v", err)
	}
	if r.ImmutableSeq != 1 {
		t.Fatalf("rejected draft must not consume a sequence, got %d", r.ImmutableSeq)
	}
}

func TestCreate_RejectsInvalidPayload(t *testing.T) {
	f := newFixture(false)
	in := draft("1", "2025-02-10", "100", "100")
	in.Entries[0].Account = "ABCD"
	if _, err := f.svc.Create(context.Background(), in); !errors.Is(err, models.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	in = draft("1", "2025-02-10", "100", "100")
	in.Entries = nil
	if _, err := f.svc.Create(context.Background(), in); !errors.Is(err, models.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for empty entries, got %v", err)
	}
}

func TestCreate_PeriodLocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	if _, err := f.periods.Lock(ctx, "1", day("2025-02-01"), day("2025-02-28")); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	before := chainLength(t, f.store)

	_, err := f.svc.Create(ctx, draft("1", "2025-02-10", "100", "100"))
	if !errors.Is(err, models.ErrPeriodLocked) {
		t.Fatalf("expected ErrPeriodLocked, got %v", err)
	}
	if n := chainLength(t, f.store); n != before {
		t.Fatalf("locked-period rejection must not append, %d -> %d", before, n)
	}
	r, err := f.svc.Create(ctx, draft("1", "2025-03-01", "100", "100"))
	if err != nil {
		t.Fatalf("open period: %v", err)
	}
	if r.ImmutableSeq != 1 {
		t.Fatalf("expected sequence 1 after rejection, got %d", r.ImmutableSeq)
	}
}

func TestCreate_ConcurrentSequencesAreUniqueAndContiguous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)

	const n = 40
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.svc.Create(ctx, draft("1", "2025-02-10", "10", "10"))
			if err != nil {
				errs <- err
				return
			}
			seqs <- r.ImmutableSeq
		}()
	}
	wg.Wait()
	close(seqs)
	close(errs)
	for err := range errs {
		t.Fatalf("Create: %v", err)
	}
	seen := make(map[int64]bool)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate sequence %d", s)
		}
		seen[s] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing sequence %d", i)
		}
	}
	report, err := f.chain.Verify(ctx)
	if err != nil || !report.Valid || report.Length != n {
		t.Fatalf("chain must stay linear: %+v (%v)", report, err)
	}
}

func TestCreate_SequencesArePerBusiness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	a, _ := f.svc.Create(ctx, draft("1", "2025-02-10", "10", "10"))
	b, _ := f.svc.Create(ctx, draft("2", "2025-02-10", "10", "10"))
	if a.ImmutableSeq != 1 || b.ImmutableSeq != 1 {
		t.Fatalf("expected independent sequences, got %d and %d", a.ImmutableSeq, b.ImmutableSeq)
	}
}

func TestCreate_PersistsComplianceFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	in := draft("1", "2025-02-10", "100", "100")
	in.Counterparty = ""
	r, err := f.svc.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stored, err := f.store.ListFlags(ctx, store.FlagFilter{BusinessId: "1", VerificationIds: []int{r.Verification.ID}})
	if err != nil {
		t.Fatalf("ListFlags: %v", err)
	}
	if len(stored) != len(r.Flags) || len(stored) == 0 {
		t.Fatalf("expected flags persisted with the verification, got %d stored vs %d", len(stored), len(r.Flags))
	}
	codes := map[string]bool{}
	for _, fl := range stored {
		codes[fl.RuleCode] = true
	}
	if !codes[compliance.RuleMissingFields] || !codes[compliance.RulePeriod] {
		t.Fatalf("expected R-001 and R-PERIOD, got %v", codes)
	}
}

func TestReverse_NetsToZeroAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	orig, err := f.svc.Create(ctx, draft("1", "2025-02-10", "250", "250"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rev, err := f.svc.Reverse(ctx, orig.Verification.ID, "wrong supplier")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if !rev.Verification.Date.Equal(orig.Verification.Date) {
		t.Fatalf("reversal must keep the original date")
	}
	if rev.Verification.ReversesVerificationId == nil || *rev.Verification.ReversesVerificationId != orig.Verification.ID {
		t.Fatalf("reversal must point at the original")
	}
	for acct, net := range NetByAccount([]*models.Verification{orig.Verification, rev.Verification}) {
		if !net.IsZero() {
			t.Fatalf("account %s nets to %s after reversal", acct, net)
		}
	}

	again, err := f.svc.Reverse(ctx, orig.Verification.ID, "")
	if err != nil {
		t.Fatalf("second Reverse: %v", err)
	}
	if again.Verification.ID != rev.Verification.ID {
		t.Fatalf("expected the existing reversal %d, got %d", rev.Verification.ID, again.Verification.ID)
	}

	stored, _ := f.store.GetVerification(ctx, orig.Verification.ID)
	if !stored.Entries[0].Debit.Equal(dec("250")) {
		t.Fatalf("original must not change")
	}

	ev, err := f.store.GetOutboxEvent(ctx, 2)
	if err != nil || ev.EventType != models.LedgerEventVerificationReversed {
		t.Fatalf("expected reversal event, got %+v (%v)", ev, err)
	}
}

func TestCorrect_ReversesAndRecreates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	orig, err := f.svc.Create(ctx, draft("1", "2025-02-10", "80", "80"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newDate := day("2025-02-12")
	res, err := f.svc.Correct(ctx, orig.Verification.ID, models.Correction{Date: &newDate})
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if res.Reversal.ImmutableSeq != 2 || res.Corrected.ImmutableSeq != 3 {
		t.Fatalf("unexpected sequences %d, %d", res.Reversal.ImmutableSeq, res.Corrected.ImmutableSeq)
	}
	if !res.Corrected.Verification.Date.Equal(newDate) {
		t.Fatalf("corrected date not applied")
	}
	if res.Corrected.Verification.CorrectsVerificationId == nil || *res.Corrected.Verification.CorrectsVerificationId != orig.Verification.ID {
		t.Fatalf("corrected verification must reference the original")
	}

	if _, err := f.svc.Correct(ctx, orig.Verification.ID, models.Correction{Date: &newDate}); !errors.Is(err, models.ErrAlreadyReversed) {
		t.Fatalf("expected ErrAlreadyReversed, got %v", err)
	}
	if _, err := f.svc.Correct(ctx, orig.Verification.ID, models.Correction{}); !errors.Is(err, models.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for empty correction, got %v", err)
	}
}

func TestCorrect_IsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	orig, err := f.svc.Create(ctx, draft("1", "2025-02-10", "80", "80"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.periods.Lock(ctx, "1", day("2025-03-01"), day("2025-03-31")); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	before := chainLength(t, f.store)

	locked := day("2025-03-05")
	_, err = f.svc.Correct(ctx, orig.Verification.ID, models.Correction{Date: &locked})
	if !errors.Is(err, models.ErrPeriodLocked) {
		t.Fatalf("expected ErrPeriodLocked, got %v", err)
	}
	if n := chainLength(t, f.store); n != before {
		t.Fatalf("failed correction must not leave the reversal behind")
	}
	vs, _ := f.svc.List(ctx, store.VerificationFilter{BusinessId: "1"})
	if len(vs) != 1 {
		t.Fatalf("expected only the original, got %d verifications", len(vs))
	}
}

func TestResolveFlag(t *testing.T) {
	ctx := utils.SetUsernameInContext(context.Background(), "anna")
	f := newFixture(false)
	in := draft("1", "2025-02-10", "100", "100")
	in.Counterparty = ""
	r, err := f.svc.Create(ctx, in)
	if err != nil || len(r.Flags) == 0 {
		t.Fatalf("Create: %+v %v", r, err)
	}
	scoreBefore := r.Score

	flag, err := f.svc.ResolveFlag(ctx, r.Flags[0].ID)
	if err != nil {
		t.Fatalf("ResolveFlag: %v", err)
	}
	if flag.ResolvedBy == nil || *flag.ResolvedBy != "anna" {
		t.Fatalf("expected resolved by anna, got %+v", flag.ResolvedBy)
	}
	link, err := f.store.LatestAuditLink(ctx, models.ComplianceFlagTarget(flag.ID))
	if err != nil || link.Action != models.AuditActionFlagResolve || link.Actor != "anna" {
		t.Fatalf("expected flag.resolve link by anna, got %+v (%v)", link, err)
	}
	got, _ := f.svc.Get(ctx, r.Verification.ID)
	if got.Score <= scoreBefore {
		t.Fatalf("resolved flags must not count against the score: %d -> %d", scoreBefore, got.Score)
	}

	if _, err := f.svc.ResolveFlag(ctx, 999); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreate_RejectsSubOreAmounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)

	in := draft("1", "2025-03-05", "0.005", "0.005")
	in.Entries = []models.NewEntry{
		{Account: "1510", Debit: dec("0.005")},
		{Account: "2611", Credit: dec("0.005")},
	}
	_, err := f.svc.Create(ctx, in)
	var ve *models.ValidationError
	if !errors.Is(err, models.ErrInvalidPayload) || !errors.As(err, &ve) || ve.Field != "entries[0]" {
		t.Fatalf("expected entries[0] rejection, got %v", err)
	}

	vatAmount := dec("0.125")
	in = draft("1", "2025-03-05", "1", "1")
	in.VatAmount = &vatAmount
	if _, err := f.svc.Create(ctx, in); !errors.As(err, &ve) || ve.Field != "vat_amount" {
		t.Fatalf("expected vat_amount rejection, got %v", err)
	}
	if n := chainLength(t, f.store); n != 0 {
		t.Fatalf("rejected drafts must not write audit links, chain length %d", n)
	}

	// trailing zeros are not extra precision
	if _, err := f.svc.Create(ctx, draft("1", "2025-03-05", "0.0100", "0.01")); err != nil {
		t.Fatalf("0.0100 is a whole öre: %v", err)
	}
}

func TestCreate_RejectsTwoSidedLine(t *testing.T) {
	f := newFixture(false)
	in := draft("1", "2025-03-05", "100", "100")
	in.Entries = append(in.Entries, models.NewEntry{Account: "1930", Debit: dec("10"), Credit: dec("10")})
	var ve *models.ValidationError
	if _, err := f.svc.Create(context.Background(), in); !errors.As(err, &ve) || ve.Field != "entries[2]" {
		t.Fatalf("expected entries[2] rejection, got %v", err)
	}
}

type orderedStore struct {
	store.Store
	calls *[]string
}

func (o orderedStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return o.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(orderedTx{Tx: tx, calls: o.calls})
	})
}

type orderedTx struct {
	store.Tx
	calls *[]string
}

func (o orderedTx) NextSequence(ctx context.Context, businessId string) (int64, error) {
	*o.calls = append(*o.calls, "NextSequence")
	return o.Tx.NextSequence(ctx, businessId)
}

func (o orderedTx) ListPeriodLocks(ctx context.Context, businessId string) ([]*models.PeriodLock, error) {
	*o.calls = append(*o.calls, "ListPeriodLocks")
	return o.Tx.ListPeriodLocks(ctx, businessId)
}

func TestCreate_ChecksPeriodLocksUnderSequenceLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	var calls []string
	svc := NewService(orderedStore{Store: f.store, calls: &calls}, f.chain, f.periods, f.svc.engine, Options{})

	if _, err := f.periods.Lock(ctx, "1", day("2025-02-01"), day("2025-02-28")); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	_, err := svc.Create(ctx, draft("1", "2025-02-10", "100", "100"))
	if !errors.Is(err, models.ErrPeriodLocked) {
		t.Fatalf("expected ErrPeriodLocked, got %v", err)
	}
	if len(calls) != 2 || calls[0] != "NextSequence" || calls[1] != "ListPeriodLocks" {
		t.Fatalf("period locks must be read after the sequence lock, calls %v", calls)
	}

	r, err := f.svc.Create(ctx, draft("1", "2025-03-10", "100", "100"))
	if err != nil || r.ImmutableSeq != 1 {
		t.Fatalf("rejected posting must not consume a sequence: %+v %v", r, err)
	}
}

func TestReverse_LongReasonKeepsWholeCharacters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	orig, err := f.svc.Create(ctx, draft("1", "2025-02-10", "250", "250"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// a byte cut at 255 lands inside an "ö"
	rev, err := f.svc.Reverse(ctx, orig.Verification.ID, strings.Repeat("ö", 300))
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	desc := rev.Verification.Description
	if !utf8.ValidString(desc) {
		t.Fatalf("description is not valid UTF-8: %q", desc)
	}
	if n := utf8.RuneCountInString(desc); n != maxDescriptionLength {
		t.Fatalf("description is %d characters, want %d", n, maxDescriptionLength)
	}
}
