package bank

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/bookkeeping_core/audit"
	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/ledger"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("bookkeeping_core/bank")

const (
	amountWeight = 0.6
	dateWeight   = 0.25
	textWeight   = 0.15
	minScore     = 0.2

	settleLockTTL = 30 * time.Second
)

type Options struct {
	SettlementAccount string
	WindowDays        int
	Limit             int
	PublishEvents     bool
	// Locker guards Settle across instances. Nil disables the redis lock.
	Locker *redislock.Client
	Logger *logrus.Logger
}

type Service struct {
	store  store.Store
	ledger *ledger.Service
	chain  *audit.Chain
	opts   Options
	logger *logrus.Logger
}

func NewService(s store.Store, l *ledger.Service, chain *audit.Chain, opts Options) *Service {
	if opts.SettlementAccount == "" {
		opts.SettlementAccount = "1930"
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 7
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	return &Service{store: s, ledger: l, chain: chain, opts: opts, logger: opts.Logger}
}

type ImportResult struct {
	Imported int    `json:"imported"`
	BatchId  string `json:"batch_id"`
}

// Import stores rows as unmatched bank transactions under one batch id.
// Rows are not deduplicated.
func (s *Service) Import(ctx context.Context, businessId string, rows []models.NewBankTransaction) (*ImportResult, error) {
	if businessId == "" {
		return nil, models.NewValidationError("business_id", "required")
	}
	batchId := uuid.NewString()
	txs := make([]*models.BankTransaction, 0, len(rows))
	for i := range rows {
		if err := rows[i].Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		txs = append(txs, rows[i].ToBankTransaction(businessId, batchId))
	}
	if len(txs) == 0 {
		return &ImportResult{BatchId: batchId}, nil
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		// fresh copies, the insert assigns ids
		batch := make([]*models.BankTransaction, len(txs))
		for i, t := range txs {
			batch[i] = t.Clone()
		}
		return tx.InsertBankTransactions(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"business_id": businessId,
		"batch_id":    batchId,
		"rows":        len(txs),
	}).Info("bank transactions imported")
	return &ImportResult{Imported: len(txs), BatchId: batchId}, nil
}

func (s *Service) List(ctx context.Context, f store.BankFilter) ([]*models.BankTransaction, error) {
	return s.store.ListBankTransactions(ctx, f)
}

func (s *Service) Get(ctx context.Context, id int) (*models.BankTransaction, error) {
	return s.store.GetBankTransaction(ctx, id)
}

type Suggestion struct {
	VerificationId int             `json:"verification_id"`
	ImmutableSeq   int64           `json:"immutable_seq"`
	Date           time.Time       `json:"date"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Counterparty   string          `json:"counterparty"`
	Description    string          `json:"description"`
	Score          float64         `json:"score"`
}

// Score rates how well v explains bt: 0.6 amount closeness, 0.25 date
// proximity within windowDays and 0.15 counterparty similarity.
func Score(bt *models.BankTransaction, v *models.Verification, windowDays int) float64 {
	total := v.TotalAmount.Abs()
	amt := bt.Amount.Abs()
	denom := decimal.Max(decimal.NewFromInt(1), total)
	amountScore := 1 - total.Sub(amt).Abs().Div(denom).InexactFloat64()
	if amountScore < 0 {
		amountScore = 0
	}

	days := models.DateOnly(bt.Date).Sub(models.DateOnly(v.Date)).Hours() / 24
	if days < 0 {
		days = -days
	}
	dateScore := 0.0
	if windowDays > 0 && days <= float64(windowDays) {
		dateScore = 1 - days/float64(windowDays)
	}

	textScore := partialRatio(bt.Description, v.Counterparty)
	return amountWeight*amountScore + dateWeight*dateScore + textWeight*textScore
}

// Suggest ranks verifications of the transaction's business dated within
// windowDays of it. Scores of 0.2 or less are dropped.
func (s *Service) Suggest(ctx context.Context, txId int, windowDays int) (out []Suggestion, err error) {
	ctx, span := tracer.Start(ctx, "bank.Suggest")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("bank_transaction_id", txId))

	if windowDays <= 0 {
		windowDays = s.opts.WindowDays
	}
	bt, err := s.store.GetBankTransaction(ctx, txId)
	if err != nil {
		return nil, err
	}
	day := models.DateOnly(bt.Date)
	from := day.AddDate(0, 0, -windowDays)
	to := day.AddDate(0, 0, windowDays+1)
	candidates, err := s.store.ListVerifications(ctx, store.VerificationFilter{
		BusinessId: bt.BusinessId,
		From:       &from,
		To:         &to,
	})
	if err != nil {
		return nil, err
	}

	out = make([]Suggestion, 0)
	for _, v := range candidates {
		score := Score(bt, v, windowDays)
		if score <= minScore {
			continue
		}
		out = append(out, Suggestion{
			VerificationId: v.ID,
			ImmutableSeq:   v.ImmutableSeq,
			Date:           v.Date,
			TotalAmount:    v.TotalAmount,
			Counterparty:   v.Counterparty,
			Description:    v.Description,
			Score:          score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].VerificationId < out[j].VerificationId
	})
	if len(out) > s.opts.Limit {
		out = out[:s.opts.Limit]
	}
	span.SetAttributes(attribute.Int("suggestions", len(out)))
	return out, nil
}

type matchPayload struct {
	BankTransactionId        int    `json:"bank_transaction_id"`
	VerificationId           int    `json:"verification_id"`
	SettlementVerificationId *int   `json:"settlement_verification_id"`
	Amount                   string `json:"amount"`
}

func (s *Service) appendMatchLink(ctx context.Context, tx store.Tx, bt *models.BankTransaction, verificationId int, settlementId *int) error {
	hash, err := audit.PayloadHash(matchPayload{
		BankTransactionId:        bt.ID,
		VerificationId:           verificationId,
		SettlementVerificationId: settlementId,
		Amount:                   bt.Amount.StringFixed(2),
	})
	if err != nil {
		return err
	}
	_, err = s.chain.AppendTx(ctx, tx, utils.GetActorFromContext(ctx), models.AuditActionBankMatch, models.BankTransactionTarget(bt.ID), hash)
	return err
}

// Accept links a bank transaction to a verification without posting anything.
func (s *Service) Accept(ctx context.Context, txId, verificationId int) (*models.BankTransaction, error) {
	var updated *models.BankTransaction
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		bt, err := tx.LockBankTransaction(ctx, txId)
		if err != nil {
			return err
		}
		if bt.IsSettled() {
			return models.ErrAlreadySettled
		}
		v, err := tx.GetVerification(ctx, verificationId)
		if err != nil {
			return err
		}
		if v.BusinessId != bt.BusinessId {
			return models.ErrBusinessMismatch
		}
		if err := tx.SetBankMatch(ctx, bt.ID, v.ID, nil); err != nil {
			return err
		}
		if err := s.appendMatchLink(ctx, tx, bt, v.ID, nil); err != nil {
			return err
		}
		updated = bt.Clone()
		updated.MatchedVerificationId = &v.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
