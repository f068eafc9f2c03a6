package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/models"
)

// MemoryStore keeps the ledger in process. Write transactions run one at a
// time on a copy of the state which replaces the committed state on success.
// Committed state is never modified, so readers only hold the lock long
// enough to take the current pointer.
type MemoryStore struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memState struct {
	lastId        map[string]int
	sequences     map[string]int64
	verifications map[int]*models.Verification
	flags         map[int]*models.ComplianceFlag
	auditLinks    []*models.AuditLogEntry
	head          models.AuditChainHead
	periodLocks   []*models.PeriodLock
	fiscalYears   []*models.FiscalYear
	bankTxs       map[int]*models.BankTransaction
	outbox        map[int]*models.OutboxEvent
}

func newMemState() *memState {
	return &memState{
		lastId:        map[string]int{},
		sequences:     map[string]int64{},
		verifications: map[int]*models.Verification{},
		flags:         map[int]*models.ComplianceFlag{},
		head:          models.AuditChainHead{ID: models.AuditChainHeadId},
		bankTxs:       map[int]*models.BankTransaction{},
		outbox:        map[int]*models.OutboxEvent{},
	}
}

// clone copies the containers. Stored values are replaced, never modified,
// so they can be shared between the copies.
func (st *memState) clone() *memState {
	c := &memState{
		lastId:        make(map[string]int, len(st.lastId)),
		sequences:     make(map[string]int64, len(st.sequences)),
		verifications: make(map[int]*models.Verification, len(st.verifications)),
		flags:         make(map[int]*models.ComplianceFlag, len(st.flags)),
		auditLinks:    append([]*models.AuditLogEntry(nil), st.auditLinks...),
		head:          st.head,
		periodLocks:   append([]*models.PeriodLock(nil), st.periodLocks...),
		fiscalYears:   append([]*models.FiscalYear(nil), st.fiscalYears...),
		bankTxs:       make(map[int]*models.BankTransaction, len(st.bankTxs)),
		outbox:        make(map[int]*models.OutboxEvent, len(st.outbox)),
	}
	for k, v := range st.lastId {
		c.lastId[k] = v
	}
	for k, v := range st.sequences {
		c.sequences[k] = v
	}
	for k, v := range st.verifications {
		c.verifications[k] = v
	}
	for k, v := range st.flags {
		c.flags[k] = v
	}
	for k, v := range st.bankTxs {
		c.bankTxs[k] = v
	}
	for k, v := range st.outbox {
		c.outbox[k] = v
	}
	return c
}

func (st *memState) nextId(table string) int {
	st.lastId[table]++
	return st.lastId[table]
}

func (s *MemoryStore) snapshot() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.snapshot().clone()
	if err := fn(&memTx{memState: work}); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

// reads against committed state

func (s *MemoryStore) GetVerification(ctx context.Context, id int) (*models.Verification, error) {
	return s.snapshot().GetVerification(ctx, id)
}

func (s *MemoryStore) ListVerifications(ctx context.Context, f VerificationFilter) ([]*models.Verification, error) {
	return s.snapshot().ListVerifications(ctx, f)
}

func (s *MemoryStore) GetFlag(ctx context.Context, id int) (*models.ComplianceFlag, error) {
	return s.snapshot().GetFlag(ctx, id)
}

func (s *MemoryStore) ListFlags(ctx context.Context, f FlagFilter) ([]*models.ComplianceFlag, error) {
	return s.snapshot().ListFlags(ctx, f)
}

func (s *MemoryStore) ListPeriodLocks(ctx context.Context, businessId string) ([]*models.PeriodLock, error) {
	return s.snapshot().ListPeriodLocks(ctx, businessId)
}

func (s *MemoryStore) ListFiscalYears(ctx context.Context, businessId string) ([]*models.FiscalYear, error) {
	return s.snapshot().ListFiscalYears(ctx, businessId)
}

func (s *MemoryStore) GetBankTransaction(ctx context.Context, id int) (*models.BankTransaction, error) {
	return s.snapshot().GetBankTransaction(ctx, id)
}

func (s *MemoryStore) ListBankTransactions(ctx context.Context, f BankFilter) ([]*models.BankTransaction, error) {
	return s.snapshot().ListBankTransactions(ctx, f)
}

func (s *MemoryStore) ChainHead(ctx context.Context) (models.AuditChainHead, error) {
	return s.snapshot().ChainHead(ctx)
}

func (s *MemoryStore) ListAuditLinks(ctx context.Context, afterSeq int64, limit int) ([]*models.AuditLogEntry, error) {
	return s.snapshot().ListAuditLinks(ctx, afterSeq, limit)
}

func (s *MemoryStore) LatestAuditLink(ctx context.Context, target string) (*models.AuditLogEntry, error) {
	return s.snapshot().LatestAuditLink(ctx, target)
}

func (s *MemoryStore) GetOutboxEvent(ctx context.Context, id int) (*models.OutboxEvent, error) {
	e, ok := s.snapshot().outbox[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return e.Clone(), nil
}

// TamperAuditLink overwrites a stored link in place. It exists so tests can
// prove that verification detects modified history.
func (s *MemoryStore) TamperAuditLink(seq int64, mutate func(link *models.AuditLogEntry)) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	work := s.snapshot().clone()
	for i, l := range work.auditLinks {
		if l.Seq == seq {
			c := *l
			mutate(&c)
			work.auditLinks[i] = &c
			s.mu.Lock()
			s.state = work
			s.mu.Unlock()
			return true
		}
	}
	return false
}

func (s *MemoryStore) ClaimOutboxEvents(ctx context.Context, dispatcherId string, limit int, maxAttempts int, now time.Time, staleBefore time.Time) ([]*models.OutboxEvent, error) {
	var claimed []*models.OutboxEvent
	err := s.WithTx(ctx, func(tx Tx) error {
		st := tx.(*memTx).memState
		ids := make([]int, 0, len(st.outbox))
		for id := range st.outbox {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			if limit > 0 && len(claimed) >= limit {
				break
			}
			e := st.outbox[id]
			due := (e.PublishStatus == models.OutboxPublishStatusPending || e.PublishStatus == models.OutboxPublishStatusFailed) &&
				(e.NextAttemptAt == nil || !e.NextAttemptAt.After(now))
			stale := e.PublishStatus == models.OutboxPublishStatusProcessing && e.LockedAt != nil && !e.LockedAt.After(staleBefore)
			if !due && !stale {
				continue
			}
			c := e.Clone()
			if maxAttempts > 0 && c.PublishAttempts >= maxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", maxAttempts)
				c.PublishStatus = models.OutboxPublishStatusDead
				c.LastPublishError = &msg
				c.NextAttemptAt, c.LockedAt, c.LockedBy = nil, nil, nil
				st.outbox[id] = c
				continue
			}
			lockedAt := now
			lockedBy := dispatcherId
			c.PublishStatus = models.OutboxPublishStatusProcessing
			c.LockedAt = &lockedAt
			c.LockedBy = &lockedBy
			c.PublishAttempts++
			c.LastPublishError = nil
			c.NextAttemptAt = nil
			st.outbox[id] = c
			claimed = append(claimed, c.Clone())
		}
		return nil
	})
	return claimed, err
}

func (s *MemoryStore) MarkOutboxSent(ctx context.Context, id int, messageId string, now time.Time) error {
	return s.WithTx(ctx, func(tx Tx) error {
		st := tx.(*memTx).memState
		e, ok := st.outbox[id]
		if !ok {
			return models.ErrNotFound
		}
		c := e.Clone()
		c.PublishStatus = models.OutboxPublishStatusSent
		c.PublishedAt = &now
		c.PubSubMessageId = &messageId
		c.LockedAt, c.LockedBy, c.NextAttemptAt = nil, nil, nil
		st.outbox[id] = c
		return nil
	})
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id int, errMsg string, next *time.Time) error {
	return s.WithTx(ctx, func(tx Tx) error {
		st := tx.(*memTx).memState
		e, ok := st.outbox[id]
		if !ok {
			return models.ErrNotFound
		}
		c := e.Clone()
		c.PublishStatus = models.OutboxPublishStatusFailed
		if next == nil {
			c.PublishStatus = models.OutboxPublishStatusDead
		}
		c.LastPublishError = &errMsg
		c.NextAttemptAt = next
		c.LockedAt, c.LockedBy = nil, nil
		st.outbox[id] = c
		return nil
	})
}

// memState reads, shared by committed reads and transactions

func (st *memState) GetVerification(_ context.Context, id int) (*models.Verification, error) {
	v, ok := st.verifications[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return v.Clone(), nil
}

func (st *memState) ListVerifications(_ context.Context, f VerificationFilter) ([]*models.Verification, error) {
	var ids map[int]bool
	if len(f.Ids) > 0 {
		ids = make(map[int]bool, len(f.Ids))
		for _, id := range f.Ids {
			ids[id] = true
		}
	}
	out := make([]*models.Verification, 0)
	for _, v := range st.verifications {
		if f.BusinessId != "" && v.BusinessId != f.BusinessId {
			continue
		}
		if f.From != nil && v.Date.Before(models.DateOnly(*f.From)) {
			continue
		}
		if f.To != nil && !v.Date.Before(models.DateOnly(*f.To)) {
			continue
		}
		if f.DocumentLink != "" && v.DocumentLink != f.DocumentLink {
			continue
		}
		if ids != nil && !ids[v.ID] {
			continue
		}
		if f.ReversesVerificationId != nil && (v.ReversesVerificationId == nil || *v.ReversesVerificationId != *f.ReversesVerificationId) {
			continue
		}
		if f.SettlesVerificationId != nil && (v.SettlesVerificationId == nil || *v.SettlesVerificationId != *f.SettlesVerificationId) {
			continue
		}
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].BusinessId != out[j].BusinessId {
			return out[i].BusinessId < out[j].BusinessId
		}
		return out[i].ImmutableSeq < out[j].ImmutableSeq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (st *memState) GetFlag(_ context.Context, id int) (*models.ComplianceFlag, error) {
	f, ok := st.flags[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *f
	return &c, nil
}

func (st *memState) ListFlags(_ context.Context, f FlagFilter) ([]*models.ComplianceFlag, error) {
	if f.VerificationIds != nil && len(f.VerificationIds) == 0 {
		return nil, nil
	}
	var ids map[int]bool
	if f.VerificationIds != nil {
		ids = make(map[int]bool, len(f.VerificationIds))
		for _, id := range f.VerificationIds {
			ids[id] = true
		}
	}
	out := make([]*models.ComplianceFlag, 0)
	for _, flag := range st.flags {
		if f.BusinessId != "" && flag.BusinessId != f.BusinessId {
			continue
		}
		if ids != nil && !ids[flag.VerificationId] {
			continue
		}
		if f.UnresolvedOnly && flag.ResolvedBy != nil {
			continue
		}
		c := *flag
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memState) ListPeriodLocks(_ context.Context, businessId string) ([]*models.PeriodLock, error) {
	out := make([]*models.PeriodLock, 0)
	for _, l := range st.periodLocks {
		if l.BusinessId == businessId {
			c := *l
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (st *memState) ListFiscalYears(_ context.Context, businessId string) ([]*models.FiscalYear, error) {
	out := make([]*models.FiscalYear, 0)
	for _, fy := range st.fiscalYears {
		if fy.BusinessId == businessId {
			c := *fy
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (st *memState) GetBankTransaction(_ context.Context, id int) (*models.BankTransaction, error) {
	t, ok := st.bankTxs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return t.Clone(), nil
}

func (st *memState) ListBankTransactions(_ context.Context, f BankFilter) ([]*models.BankTransaction, error) {
	text := strings.ToLower(f.Text)
	out := make([]*models.BankTransaction, 0)
	for _, t := range st.bankTxs {
		if f.BusinessId != "" && t.BusinessId != f.BusinessId {
			continue
		}
		if f.Matched != nil && (t.MatchedVerificationId != nil) != *f.Matched {
			continue
		}
		if f.From != nil && t.Date.Before(models.DateOnly(*f.From)) {
			continue
		}
		if f.To != nil && !t.Date.Before(models.DateOnly(*f.To)) {
			continue
		}
		if f.MinAmount != nil && t.Amount.LessThan(*f.MinAmount) {
			continue
		}
		if f.MaxAmount != nil && t.Amount.GreaterThan(*f.MaxAmount) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(t.Description), text) &&
			!strings.Contains(strings.ToLower(t.CounterpartyRef), text) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (st *memState) ChainHead(_ context.Context) (models.AuditChainHead, error) {
	return st.head, nil
}

func (st *memState) ListAuditLinks(_ context.Context, afterSeq int64, limit int) ([]*models.AuditLogEntry, error) {
	out := make([]*models.AuditLogEntry, 0)
	for _, l := range st.auditLinks {
		if l.Seq <= afterSeq {
			continue
		}
		c := *l
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (st *memState) LatestAuditLink(_ context.Context, target string) (*models.AuditLogEntry, error) {
	for i := len(st.auditLinks) - 1; i >= 0; i-- {
		if st.auditLinks[i].Target == target {
			c := *st.auditLinks[i]
			return &c, nil
		}
	}
	return nil, models.ErrNotFound
}

type memTx struct {
	*memState
}

func (t *memTx) LockSequence(_ context.Context, businessId string) (int64, error) {
	return t.sequences[businessId], nil
}

func (t *memTx) NextSequence(_ context.Context, businessId string) (int64, error) {
	t.sequences[businessId]++
	return t.sequences[businessId], nil
}

func (t *memTx) InsertVerification(_ context.Context, v *models.Verification) error {
	for _, existing := range t.verifications {
		if existing.BusinessId == v.BusinessId && existing.ImmutableSeq == v.ImmutableSeq {
			return fmt.Errorf("%w: immutable_seq %d", ErrDuplicate, v.ImmutableSeq)
		}
		if v.ReversesVerificationId != nil && existing.ReversesVerificationId != nil &&
			*existing.ReversesVerificationId == *v.ReversesVerificationId {
			return fmt.Errorf("%w: reverses_verification_id %d", ErrDuplicate, *v.ReversesVerificationId)
		}
	}
	v.ID = t.nextId("verifications")
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	for i := range v.Entries {
		v.Entries[i].ID = t.nextId("entries")
		v.Entries[i].VerificationId = v.ID
	}
	t.verifications[v.ID] = v.Clone()
	return nil
}

func (t *memTx) InsertFlags(_ context.Context, flags []*models.ComplianceFlag) error {
	for _, f := range flags {
		f.ID = t.nextId("compliance_flags")
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now().UTC()
		}
		c := *f
		t.flags[f.ID] = &c
	}
	return nil
}

func (t *memTx) ResolveFlag(_ context.Context, id int, resolvedBy string) error {
	f, ok := t.flags[id]
	if !ok {
		return models.ErrNotFound
	}
	c := *f
	c.ResolvedBy = &resolvedBy
	t.flags[id] = &c
	return nil
}

func (t *memTx) LockChainHead(_ context.Context) (models.AuditChainHead, error) {
	return t.head, nil
}

func (t *memTx) InsertAuditLink(_ context.Context, link *models.AuditLogEntry) error {
	if link.Seq != t.head.Length+1 {
		return fmt.Errorf("%w: audit seq %d after head %d", ErrDuplicate, link.Seq, t.head.Length)
	}
	c := *link
	t.auditLinks = append(t.auditLinks, &c)
	t.head = models.AuditChainHead{ID: models.AuditChainHeadId, Length: link.Seq, AfterHash: link.AfterHash}
	return nil
}

func (t *memTx) InsertPeriodLock(_ context.Context, l *models.PeriodLock) error {
	l.ID = t.nextId("period_locks")
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	c := *l
	t.periodLocks = append(t.periodLocks, &c)
	return nil
}

func (t *memTx) InsertFiscalYear(_ context.Context, fy *models.FiscalYear) error {
	fy.ID = t.nextId("fiscal_years")
	if fy.CreatedAt.IsZero() {
		fy.CreatedAt = time.Now().UTC()
	}
	c := *fy
	t.fiscalYears = append(t.fiscalYears, &c)
	return nil
}

func (t *memTx) InsertBankTransactions(_ context.Context, rows []*models.BankTransaction) error {
	for _, r := range rows {
		r.ID = t.nextId("bank_transactions")
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		t.bankTxs[r.ID] = r.Clone()
	}
	return nil
}

func (t *memTx) LockBankTransaction(ctx context.Context, id int) (*models.BankTransaction, error) {
	return t.GetBankTransaction(ctx, id)
}

func (t *memTx) SetBankMatch(_ context.Context, id int, matchedVerificationId int, settlementVerificationId *int) error {
	bt, ok := t.bankTxs[id]
	if !ok {
		return models.ErrNotFound
	}
	c := bt.Clone()
	c.MatchedVerificationId = &matchedVerificationId
	if settlementVerificationId != nil {
		for otherId, other := range t.bankTxs {
			if otherId != id && other.SettlementVerificationId != nil && *other.SettlementVerificationId == *settlementVerificationId {
				return fmt.Errorf("%w: settlement_verification_id %d", ErrDuplicate, *settlementVerificationId)
			}
		}
		sid := *settlementVerificationId
		c.SettlementVerificationId = &sid
	}
	t.bankTxs[id] = c
	return nil
}

func (t *memTx) InsertOutboxEvent(_ context.Context, e *models.OutboxEvent) error {
	e.ID = t.nextId("outbox_events")
	if e.PublishStatus == "" {
		e.PublishStatus = models.OutboxPublishStatusPending
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	t.outbox[e.ID] = e.Clone()
	return nil
}
