package period

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/audit"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
)

// Manager owns period locks and fiscal years. Locks are append-only and
// overlapping locks are allowed.
type Manager struct {
	store store.Store
	chain *audit.Chain
}

func NewManager(s store.Store, chain *audit.Chain) *Manager {
	return &Manager{store: s, chain: chain}
}

type lockPayload struct {
	BusinessId string `json:"business_id"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
}

func checkRange(businessId string, start, end time.Time) error {
	if businessId == "" {
		return models.NewValidationError("business_id", "required")
	}
	if start.IsZero() || end.IsZero() {
		return models.NewValidationError("start_date", "start and end dates are required")
	}
	if models.DateOnly(end).Before(models.DateOnly(start)) {
		return fmt.Errorf("%w: %s before %s", models.ErrInvalidPeriod,
			end.Format(utils.DateLayout), start.Format(utils.DateLayout))
	}
	return nil
}

// Lock closes [start, end] for new postings and records it on the audit chain.
func (m *Manager) Lock(ctx context.Context, businessId string, start, end time.Time) (*models.PeriodLock, error) {
	if err := checkRange(businessId, start, end); err != nil {
		return nil, err
	}
	actor := utils.GetActorFromContext(ctx)
	var lock *models.PeriodLock
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		// postings hold this row while they check the locks, so none of
		// them can commit into the range after the lock does
		if _, err := tx.LockSequence(ctx, businessId); err != nil {
			return err
		}
		lock = &models.PeriodLock{
			BusinessId: businessId,
			StartDate:  models.DateOnly(start),
			EndDate:    models.DateOnly(end),
			LockedBy:   actor,
		}
		if err := tx.InsertPeriodLock(ctx, lock); err != nil {
			return err
		}
		payloadHash, err := audit.PayloadHash(lockPayload{
			BusinessId: businessId,
			StartDate:  lock.StartDate.Format(utils.DateLayout),
			EndDate:    lock.EndDate.Format(utils.DateLayout),
		})
		if err != nil {
			return err
		}
		_, err = m.chain.AppendTx(ctx, tx, actor, models.AuditActionPeriodLock, models.PeriodLockTarget(lock.ID), payloadHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (m *Manager) IsLocked(ctx context.Context, businessId string, date time.Time) (bool, error) {
	locks, err := m.store.ListPeriodLocks(ctx, businessId)
	if err != nil {
		return false, err
	}
	return findLock(locks, date) != nil, nil
}

func (m *Manager) List(ctx context.Context, businessId string) ([]*models.PeriodLock, error) {
	return m.store.ListPeriodLocks(ctx, businessId)
}

// CheckTx rejects date when a lock covers it. It reads through tx so the
// check and the posting it guards commit together. Callers must hold the
// business's sequence lock, as Lock takes it too.
func (m *Manager) CheckTx(ctx context.Context, tx store.Tx, businessId string, date time.Time) error {
	locks, err := tx.ListPeriodLocks(ctx, businessId)
	if err != nil {
		return err
	}
	if l := findLock(locks, date); l != nil {
		return fmt.Errorf("%w: %s is inside %s..%s", models.ErrPeriodLocked,
			date.Format(utils.DateLayout), l.StartDate.Format(utils.DateLayout), l.EndDate.Format(utils.DateLayout))
	}
	return nil
}

func findLock(locks []*models.PeriodLock, date time.Time) *models.PeriodLock {
	for _, l := range locks {
		if l.Contains(date) {
			return l
		}
	}
	return nil
}

// RegisterFiscalYear adds a fiscal year. Fiscal years of one business may not overlap.
func (m *Manager) RegisterFiscalYear(ctx context.Context, businessId string, start, end time.Time) (*models.FiscalYear, error) {
	if err := checkRange(businessId, start, end); err != nil {
		return nil, err
	}
	var fy *models.FiscalYear
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		existing, err := tx.ListFiscalYears(ctx, businessId)
		if err != nil {
			return err
		}
		s, e := models.DateOnly(start), models.DateOnly(end)
		for _, other := range existing {
			if !e.Before(other.StartDate) && !s.After(other.EndDate) {
				return models.NewValidationError("start_date", fmt.Sprintf("overlaps fiscal year %s..%s",
					other.StartDate.Format(utils.DateLayout), other.EndDate.Format(utils.DateLayout)))
			}
		}
		fy = &models.FiscalYear{BusinessId: businessId, StartDate: s, EndDate: e}
		return tx.InsertFiscalYear(ctx, fy)
	})
	if err != nil {
		return nil, err
	}
	return fy, nil
}

func (m *Manager) FiscalYears(ctx context.Context, businessId string) ([]*models.FiscalYear, error) {
	return m.store.ListFiscalYears(ctx, businessId)
}

type Status struct {
	Locks       []*models.PeriodLock `json:"locks"`
	FiscalYears []*models.FiscalYear `json:"fiscal_years"`
}

func (m *Manager) Status(ctx context.Context, businessId string) (*Status, error) {
	locks, err := m.store.ListPeriodLocks(ctx, businessId)
	if err != nil {
		return nil, err
	}
	years, err := m.store.ListFiscalYears(ctx, businessId)
	if err != nil {
		return nil, err
	}
	return &Status{Locks: locks, FiscalYears: years}, nil
}
