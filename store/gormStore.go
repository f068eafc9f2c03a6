package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultTxAttempts = 5

// GormStore persists the ledger in MySQL. Sequence counters and the audit
// chain head are serialized with SELECT ... FOR UPDATE row locks.
type GormStore struct {
	gormReader
	maxAttempts int
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{gormReader: gormReader{db: db}, maxAttempts: defaultTxAttempts}
}

func (s *GormStore) Migrate() error {
	return models.MigrateTables(s.db)
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&gormTx{gormReader{db: tx}})
		})
		if err == nil || !isRetryableErr(err) || attempt >= s.maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// deadlock (1213) and lock wait timeout (1205) leave nothing committed and can be retried
func isRetryableErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.ErrNotFound
	case isDuplicateKeyErr(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

type gormReader struct {
	db *gorm.DB
}

func preloadEntries(db *gorm.DB) *gorm.DB {
	return db.Preload("Entries", func(db *gorm.DB) *gorm.DB {
		return db.Order("line_no ASC, id ASC")
	})
}

func (r gormReader) GetVerification(ctx context.Context, id int) (*models.Verification, error) {
	var v models.Verification
	if err := preloadEntries(r.db.WithContext(ctx)).Where("id = ?", id).First(&v).Error; err != nil {
		return nil, translateErr(err)
	}
	return &v, nil
}

func (r gormReader) ListVerifications(ctx context.Context, f VerificationFilter) ([]*models.Verification, error) {
	q := preloadEntries(r.db.WithContext(ctx)).Model(&models.Verification{})
	if f.BusinessId != "" {
		q = q.Where("business_id = ?", f.BusinessId)
	}
	if f.From != nil {
		q = q.Where("date >= ?", models.DateOnly(*f.From))
	}
	if f.To != nil {
		q = q.Where("date < ?", models.DateOnly(*f.To))
	}
	if f.DocumentLink != "" {
		q = q.Where("document_link = ?", f.DocumentLink)
	}
	if len(f.Ids) > 0 {
		q = q.Where("id IN ?", f.Ids)
	}
	if f.ReversesVerificationId != nil {
		q = q.Where("reverses_verification_id = ?", *f.ReversesVerificationId)
	}
	if f.SettlesVerificationId != nil {
		q = q.Where("settles_verification_id = ?", *f.SettlesVerificationId)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*models.Verification
	if err := q.Order("date ASC, immutable_seq ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r gormReader) GetFlag(ctx context.Context, id int) (*models.ComplianceFlag, error) {
	var f models.ComplianceFlag
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&f).Error; err != nil {
		return nil, translateErr(err)
	}
	return &f, nil
}

func (r gormReader) ListFlags(ctx context.Context, f FlagFilter) ([]*models.ComplianceFlag, error) {
	q := r.db.WithContext(ctx).Model(&models.ComplianceFlag{})
	if f.BusinessId != "" {
		q = q.Where("business_id = ?", f.BusinessId)
	}
	if f.VerificationIds != nil {
		if len(f.VerificationIds) == 0 {
			return nil, nil
		}
		q = q.Where("verification_id IN ?", f.VerificationIds)
	}
	if f.UnresolvedOnly {
		q = q.Where("resolved_by IS NULL")
	}
	var out []*models.ComplianceFlag
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r gormReader) ListPeriodLocks(ctx context.Context, businessId string) ([]*models.PeriodLock, error) {
	var out []*models.PeriodLock
	err := r.db.WithContext(ctx).Where("business_id = ?", businessId).Order("start_date ASC, id ASC").Find(&out).Error
	return out, err
}

func (r gormReader) ListFiscalYears(ctx context.Context, businessId string) ([]*models.FiscalYear, error) {
	var out []*models.FiscalYear
	err := r.db.WithContext(ctx).Where("business_id = ?", businessId).Order("start_date ASC, id ASC").Find(&out).Error
	return out, err
}

func (r gormReader) GetBankTransaction(ctx context.Context, id int) (*models.BankTransaction, error) {
	var t models.BankTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, translateErr(err)
	}
	return &t, nil
}

func (r gormReader) ListBankTransactions(ctx context.Context, f BankFilter) ([]*models.BankTransaction, error) {
	q := r.db.WithContext(ctx).Model(&models.BankTransaction{})
	if f.BusinessId != "" {
		q = q.Where("business_id = ?", f.BusinessId)
	}
	if f.Matched != nil {
		if *f.Matched {
			q = q.Where("matched_verification_id IS NOT NULL")
		} else {
			q = q.Where("matched_verification_id IS NULL")
		}
	}
	if f.From != nil {
		q = q.Where("date >= ?", models.DateOnly(*f.From))
	}
	if f.To != nil {
		q = q.Where("date < ?", models.DateOnly(*f.To))
	}
	if f.MinAmount != nil {
		q = q.Where("amount >= ?", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		q = q.Where("amount <= ?", *f.MaxAmount)
	}
	if f.Text != "" {
		like := "%" + f.Text + "%"
		q = q.Where("(description LIKE ? OR counterparty_ref LIKE ?)", like, like)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*models.BankTransaction
	if err := q.Order("date ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r gormReader) ChainHead(ctx context.Context) (models.AuditChainHead, error) {
	var head models.AuditChainHead
	err := r.db.WithContext(ctx).Where("id = ?", models.AuditChainHeadId).Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.AuditChainHead{ID: models.AuditChainHeadId}, nil
	}
	return head, err
}

func (r gormReader) ListAuditLinks(ctx context.Context, afterSeq int64, limit int) ([]*models.AuditLogEntry, error) {
	var out []*models.AuditLogEntry
	q := r.db.WithContext(ctx).Where("seq > ?", afterSeq).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r gormReader) LatestAuditLink(ctx context.Context, target string) (*models.AuditLogEntry, error) {
	var link models.AuditLogEntry
	if err := r.db.WithContext(ctx).Where("target = ?", target).Order("seq DESC").First(&link).Error; err != nil {
		return nil, translateErr(err)
	}
	return &link, nil
}

// outbox

func (r gormReader) GetOutboxEvent(ctx context.Context, id int) (*models.OutboxEvent, error) {
	var e models.OutboxEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, translateErr(err)
	}
	return &e, nil
}

func (s *GormStore) ClaimOutboxEvents(ctx context.Context, dispatcherId string, limit int, maxAttempts int, now time.Time, staleBefore time.Time) ([]*models.OutboxEvent, error) {
	var claimed []*models.OutboxEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []*models.OutboxEvent
		// due PENDING/FAILED rows, plus PROCESSING rows whose dispatcher stopped mid-batch
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			if maxAttempts > 0 && row.PublishAttempts >= maxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", maxAttempts)
				if err := tx.Model(&models.OutboxEvent{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}
			lockedAt := now
			lockedBy := dispatcherId
			if err := tx.Model(&models.OutboxEvent{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &lockedAt,
				"locked_by":          &lockedBy,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
			row.PublishStatus = models.OutboxPublishStatusProcessing
			row.LockedAt = &lockedAt
			row.LockedBy = &lockedBy
			row.PublishAttempts++
			row.LastPublishError = nil
			claimed = append(claimed, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormStore) MarkOutboxSent(ctx context.Context, id int, messageId string, now time.Time) error {
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &messageId,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (s *GormStore) MarkOutboxFailed(ctx context.Context, id int, errMsg string, next *time.Time) error {
	status := models.OutboxPublishStatusFailed
	if next == nil {
		status = models.OutboxPublishStatusDead
	}
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     status,
			"last_publish_error": &errMsg,
			"next_attempt_at":    next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}

type gormTx struct {
	gormReader
}

func (t *gormTx) LockSequence(ctx context.Context, businessId string) (int64, error) {
	db := t.db.WithContext(ctx)
	var seq models.EntitySequence
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("business_id = ?", businessId).Take(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// first posting for this business; a concurrent creator makes this a no-op
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.EntitySequence{BusinessId: businessId}).Error; err != nil {
			return 0, err
		}
		err = db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("business_id = ?", businessId).Take(&seq).Error
	}
	if err != nil {
		return 0, err
	}
	return seq.LastSeq, nil
}

// ListPeriodLocks reads with FOR SHARE so a lock committed while this
// transaction waited on the sequence row is seen.
func (t *gormTx) ListPeriodLocks(ctx context.Context, businessId string) ([]*models.PeriodLock, error) {
	var out []*models.PeriodLock
	err := t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "SHARE"}).
		Where("business_id = ?", businessId).Order("start_date ASC, id ASC").Find(&out).Error
	return out, err
}

func (t *gormTx) NextSequence(ctx context.Context, businessId string) (int64, error) {
	last, err := t.LockSequence(ctx, businessId)
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := t.db.WithContext(ctx).Model(&models.EntitySequence{}).
		Where("business_id = ?", businessId).
		Update("last_seq", next).Error; err != nil {
		return 0, err
	}
	return next, nil
}

func (t *gormTx) InsertVerification(ctx context.Context, v *models.Verification) error {
	return translateErr(t.db.WithContext(ctx).Create(v).Error)
}

func (t *gormTx) InsertFlags(ctx context.Context, flags []*models.ComplianceFlag) error {
	if len(flags) == 0 {
		return nil
	}
	return translateErr(t.db.WithContext(ctx).Create(&flags).Error)
}

func (t *gormTx) ResolveFlag(ctx context.Context, id int, resolvedBy string) error {
	res := t.db.WithContext(ctx).Model(&models.ComplianceFlag{}).Where("id = ?", id).Update("resolved_by", resolvedBy)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return t.mustExist(ctx, &models.ComplianceFlag{}, id)
	}
	return nil
}

// mustExist separates "no row" from "row already had these values", which
// MySQL reports identically as zero affected rows.
func (t *gormTx) mustExist(ctx context.Context, model interface{}, id int) error {
	var count int64
	if err := t.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t *gormTx) LockChainHead(ctx context.Context) (models.AuditChainHead, error) {
	db := t.db.WithContext(ctx)
	var head models.AuditChainHead
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", models.AuditChainHeadId).Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.AuditChainHead{ID: models.AuditChainHeadId}).Error; err != nil {
			return head, err
		}
		err = db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", models.AuditChainHeadId).Take(&head).Error
	}
	return head, err
}

func (t *gormTx) InsertAuditLink(ctx context.Context, link *models.AuditLogEntry) error {
	db := t.db.WithContext(ctx)
	if err := db.Create(link).Error; err != nil {
		return translateErr(err)
	}
	return db.Model(&models.AuditChainHead{}).
		Where("id = ?", models.AuditChainHeadId).
		Updates(map[string]interface{}{
			"length":     link.Seq,
			"after_hash": link.AfterHash,
		}).Error
}

func (t *gormTx) InsertPeriodLock(ctx context.Context, l *models.PeriodLock) error {
	return translateErr(t.db.WithContext(ctx).Create(l).Error)
}

func (t *gormTx) InsertFiscalYear(ctx context.Context, fy *models.FiscalYear) error {
	return translateErr(t.db.WithContext(ctx).Create(fy).Error)
}

func (t *gormTx) InsertBankTransactions(ctx context.Context, rows []*models.BankTransaction) error {
	if len(rows) == 0 {
		return nil
	}
	return translateErr(t.db.WithContext(ctx).CreateInBatches(rows, 200).Error)
}

func (t *gormTx) LockBankTransaction(ctx context.Context, id int) (*models.BankTransaction, error) {
	var bt models.BankTransaction
	if err := t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&bt).Error; err != nil {
		return nil, translateErr(err)
	}
	return &bt, nil
}

func (t *gormTx) SetBankMatch(ctx context.Context, id int, matchedVerificationId int, settlementVerificationId *int) error {
	updates := map[string]interface{}{
		"matched_verification_id": matchedVerificationId,
	}
	if settlementVerificationId != nil {
		updates["settlement_verification_id"] = *settlementVerificationId
	}
	res := t.db.WithContext(ctx).Model(&models.BankTransaction{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return t.mustExist(ctx, &models.BankTransaction{}, id)
	}
	return nil
}

func (t *gormTx) InsertOutboxEvent(ctx context.Context, e *models.OutboxEvent) error {
	return translateErr(t.db.WithContext(ctx).Create(e).Error)
}
