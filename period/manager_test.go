package period

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/audit"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newManager() (*Manager, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewManager(s, audit.NewChain(s, nil)), s
}

func TestLock_RejectsEndBeforeStart(t *testing.T) {
	m, _ := newManager()
	_, err := m.Lock(context.Background(), "1", day("2025-02-28"), day("2025-02-01"))
	if !errors.Is(err, models.ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}

func TestLock_IsLockedIsInclusive(t *testing.T) {
	ctx := context.Background()
	m, s := newManager()
	if _, err := m.Lock(ctx, "1", day("2025-02-01"), day("2025-02-28")); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	cases := []struct {
		date   string
		locked bool
	}{
		{"2025-01-31", false},
		{"2025-02-01", true},
		{"2025-02-10", true},
		{"2025-02-28", true},
		{"2025-03-01", false},
	}
	for _, tc := range cases {
		got, err := m.IsLocked(ctx, "1", day(tc.date))
		if err != nil {
			t.Fatalf("IsLocked(%s): %v", tc.date, err)
		}
		if got != tc.locked {
			t.Fatalf("IsLocked(%s) = %v, want %v", tc.date, got, tc.locked)
		}
	}

	if locked, _ := m.IsLocked(ctx, "2", day("2025-02-10")); locked {
		t.Fatalf("locks must not leak across businesses")
	}

	head, _ := s.ChainHead(ctx)
	if head.Length != 1 {
		t.Fatalf("expected one audit link for the lock, got %d", head.Length)
	}
	link, err := s.LatestAuditLink(ctx, models.PeriodLockTarget(1))
	if err != nil || link.Action != models.AuditActionPeriodLock {
		t.Fatalf("expected period.lock link, got %+v (%v)", link, err)
	}
}

func TestLock_OverlapsAreAllowed(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()
	if _, err := m.Lock(ctx, "1", day("2025-01-01"), day("2025-03-31")); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := m.Lock(ctx, "1", day("2025-02-01"), day("2025-02-28")); err != nil {
		t.Fatalf("overlapping lock: %v", err)
	}
	locks, _ := m.List(ctx, "1")
	if len(locks) != 2 {
		t.Fatalf("expected 2 locks, got %d", len(locks))
	}
}

func TestCheckTx_ReturnsPeriodLocked(t *testing.T) {
	ctx := context.Background()
	m, s := newManager()
	if _, err := m.Lock(ctx, "1", day("2025-02-01"), day("2025-02-28")); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	err := s.WithTx(ctx, func(tx store.Tx) error {
		return m.CheckTx(ctx, tx, "1", day("2025-02-10"))
	})
	if !errors.Is(err, models.ErrPeriodLocked) {
		t.Fatalf("expected ErrPeriodLocked, got %v", err)
	}
}

func TestRegisterFiscalYear_RejectsOverlap(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()
	if _, err := m.RegisterFiscalYear(ctx, "1", day("2025-01-01"), day("2025-12-31")); err != nil {
		t.Fatalf("RegisterFiscalYear: %v", err)
	}
	_, err := m.RegisterFiscalYear(ctx, "1", day("2025-07-01"), day("2026-06-30"))
	if !errors.Is(err, models.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for overlap, got %v", err)
	}
	if _, err := m.RegisterFiscalYear(ctx, "1", day("2026-01-01"), day("2026-12-31")); err != nil {
		t.Fatalf("adjacent year: %v", err)
	}
}

// callLog wraps a store and records the lock-relevant calls made through its transactions.
type callLog struct {
	store.Store
	calls *[]string
}

func (c callLog) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return c.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(loggedTx{Tx: tx, calls: c.calls})
	})
}

type loggedTx struct {
	store.Tx
	calls *[]string
}

func (l loggedTx) LockSequence(ctx context.Context, businessId string) (int64, error) {
	*l.calls = append(*l.calls, "LockSequence")
	return l.Tx.LockSequence(ctx, businessId)
}

func (l loggedTx) InsertPeriodLock(ctx context.Context, lock *models.PeriodLock) error {
	*l.calls = append(*l.calls, "InsertPeriodLock")
	return l.Tx.InsertPeriodLock(ctx, lock)
}

func (l loggedTx) LockChainHead(ctx context.Context) (models.AuditChainHead, error) {
	*l.calls = append(*l.calls, "LockChainHead")
	return l.Tx.LockChainHead(ctx)
}

func TestLock_TakesSequenceLockBeforeInserting(t *testing.T) {
	s := store.NewMemoryStore()
	var calls []string
	m := NewManager(callLog{Store: s, calls: &calls}, audit.NewChain(s, nil))
	if _, err := m.Lock(context.Background(), "1", day("2025-04-01"), day("2025-04-30")); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	want := []string{"LockSequence", "InsertPeriodLock", "LockChainHead"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}
