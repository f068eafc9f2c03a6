package store

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when an insert violates a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

type VerificationFilter struct {
	BusinessId string
	// From is inclusive, To is exclusive.
	From                   *time.Time
	To                     *time.Time
	DocumentLink           string
	Ids                    []int
	ReversesVerificationId *int
	SettlesVerificationId  *int
	Limit                  int
}

type FlagFilter struct {
	BusinessId      string
	VerificationIds []int
	UnresolvedOnly  bool
}

type BankFilter struct {
	BusinessId string
	Matched    *bool
	From       *time.Time
	To         *time.Time
	MinAmount  *decimal.Decimal
	MaxAmount  *decimal.Decimal
	Text       string
	Limit      int
}

// Reader is the read side shared by committed-state reads and reads inside a transaction.
type Reader interface {
	GetVerification(ctx context.Context, id int) (*models.Verification, error)
	ListVerifications(ctx context.Context, f VerificationFilter) ([]*models.Verification, error)

	GetFlag(ctx context.Context, id int) (*models.ComplianceFlag, error)
	ListFlags(ctx context.Context, f FlagFilter) ([]*models.ComplianceFlag, error)

	ListPeriodLocks(ctx context.Context, businessId string) ([]*models.PeriodLock, error)
	ListFiscalYears(ctx context.Context, businessId string) ([]*models.FiscalYear, error)

	GetBankTransaction(ctx context.Context, id int) (*models.BankTransaction, error)
	ListBankTransactions(ctx context.Context, f BankFilter) ([]*models.BankTransaction, error)

	ChainHead(ctx context.Context) (models.AuditChainHead, error)
	// ListAuditLinks returns up to limit links with Seq > afterSeq in chain order.
	ListAuditLinks(ctx context.Context, afterSeq int64, limit int) ([]*models.AuditLogEntry, error)
	LatestAuditLink(ctx context.Context, target string) (*models.AuditLogEntry, error)
}

// Tx is one all-or-nothing write. Row locks taken through it are held until commit.
type Tx interface {
	Reader

	// LockSequence locks the business's sequence counter and returns the last issued value.
	LockSequence(ctx context.Context, businessId string) (int64, error)
	// NextSequence locks the counter and returns the next immutable sequence.
	NextSequence(ctx context.Context, businessId string) (int64, error)
	InsertVerification(ctx context.Context, v *models.Verification) error
	InsertFlags(ctx context.Context, flags []*models.ComplianceFlag) error
	ResolveFlag(ctx context.Context, id int, resolvedBy string) error

	// LockChainHead serializes audit appends across all callers.
	LockChainHead(ctx context.Context) (models.AuditChainHead, error)
	// InsertAuditLink stores link and moves the head to it.
	InsertAuditLink(ctx context.Context, link *models.AuditLogEntry) error

	InsertPeriodLock(ctx context.Context, l *models.PeriodLock) error
	InsertFiscalYear(ctx context.Context, fy *models.FiscalYear) error

	InsertBankTransactions(ctx context.Context, rows []*models.BankTransaction) error
	LockBankTransaction(ctx context.Context, id int) (*models.BankTransaction, error)
	SetBankMatch(ctx context.Context, id int, matchedVerificationId int, settlementVerificationId *int) error

	InsertOutboxEvent(ctx context.Context, e *models.OutboxEvent) error
}

type OutboxStore interface {
	// ClaimOutboxEvents marks up to limit due events PROCESSING for dispatcherId.
	// Events that reached maxAttempts are moved to DEAD instead of being returned.
	ClaimOutboxEvents(ctx context.Context, dispatcherId string, limit int, maxAttempts int, now time.Time, staleBefore time.Time) ([]*models.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id int, messageId string, now time.Time) error
	// MarkOutboxFailed schedules a retry at next, or moves the event to DEAD when next is nil.
	MarkOutboxFailed(ctx context.Context, id int, errMsg string, next *time.Time) error
	GetOutboxEvent(ctx context.Context, id int) (*models.OutboxEvent, error)
}

type Store interface {
	Reader
	OutboxStore
	// WithTx runs fn in one transaction. fn may be invoked again when the
	// transaction is retried after a deadlock, so it must not keep state
	// between invocations.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
	_ Tx    = (*memTx)(nil)
	_ Tx    = (*gormTx)(nil)
)
