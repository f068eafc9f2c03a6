package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/audit"
	"github.com/mmdatafocus/bookkeeping_core/compliance"
	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/events"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/period"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("bookkeeping_core/ledger")

// PeriodInvalidator drops derived data cached for the period containing date.
type PeriodInvalidator interface {
	Invalidate(ctx context.Context, businessId string, date time.Time)
}

type Options struct {
	Invalidator   PeriodInvalidator
	PublishEvents bool
	Logger        *logrus.Logger
}

type Service struct {
	store         store.Store
	chain         *audit.Chain
	periods       *period.Manager
	engine        *compliance.Engine
	invalidator   PeriodInvalidator
	publishEvents bool
	logger        *logrus.Logger
}

func NewService(s store.Store, chain *audit.Chain, periods *period.Manager, engine *compliance.Engine, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	return &Service{
		store:         s,
		chain:         chain,
		periods:       periods,
		engine:        engine,
		invalidator:   opts.Invalidator,
		publishEvents: opts.PublishEvents,
		logger:        opts.Logger,
	}
}

// Receipt is the result of posting, or of reading back, a verification.
type Receipt struct {
	Verification *models.Verification     `json:"verification"`
	ImmutableSeq int64                    `json:"immutable_seq"`
	AuditHash    string                   `json:"audit_hash"`
	Flags        []*models.ComplianceFlag `json:"flags"`
	Score        int                      `json:"score"`
	RuleErrors   []string                 `json:"rule_errors,omitempty"`
}

// Draft is a validated, balanced verification with its compliance findings,
// ready to be posted inside a transaction.
type Draft struct {
	verification *models.Verification
	report       compliance.Report
	actor        string
}

func (d *Draft) Verification() *models.Verification { return d.verification }

// Prepare validates and balances input and evaluates the compliance rules.
// No state is changed.
func (s *Service) Prepare(ctx context.Context, input *models.NewVerification) (*Draft, error) {
	if input == nil {
		return nil, models.NewValidationError("", "verification is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if err := input.CheckBalance(); err != nil {
		return nil, err
	}
	actor := utils.GetActorFromContext(ctx)
	v := input.ToVerification(actor)
	for _, e := range v.Entries {
		if !models.IsValidAccountCode(e.Account) {
			return nil, models.NewValidationError("account", "invalid account code "+e.Account)
		}
	}
	return &Draft{
		verification: v,
		report:       s.engine.Evaluate(ctx, v),
		actor:        actor,
	}, nil
}

// PostTx writes d inside tx: sequence, period check, verification, audit link,
// flags and the outbox event. Callers must run AfterCommit once tx commits.
func (s *Service) PostTx(ctx context.Context, tx store.Tx, d *Draft) (*Receipt, error) {
	v := d.verification.Clone()
	// the sequence row lock orders this posting against period.Lock
	seq, err := tx.NextSequence(ctx, v.BusinessId)
	if err != nil {
		return nil, err
	}
	if err := s.periods.CheckTx(ctx, tx, v.BusinessId, v.Date); err != nil {
		return nil, err
	}
	v.ImmutableSeq = seq
	if err := tx.InsertVerification(ctx, v); err != nil {
		return nil, err
	}

	payloadHash, err := audit.PayloadHash(newPayload(v))
	if err != nil {
		return nil, err
	}
	hash, err := s.chain.AppendTx(ctx, tx, d.actor, models.AuditActionVerificationCreate, models.VerificationTarget(v.ID), payloadHash)
	if err != nil {
		return nil, err
	}

	flags := d.report.ToModels(v.BusinessId, v.ID)
	if len(flags) > 0 {
		if err := tx.InsertFlags(ctx, flags); err != nil {
			return nil, err
		}
	}

	if s.publishEvents {
		eventType := models.LedgerEventVerificationCreated
		if v.ReversesVerificationId != nil {
			eventType = models.LedgerEventVerificationReversed
		}
		if err := events.EnqueueTx(ctx, tx, v.BusinessId, eventType, v.ID, v); err != nil {
			return nil, err
		}
	}

	receipt := &Receipt{
		Verification: v,
		ImmutableSeq: seq,
		AuditHash:    hash,
		Flags:        flags,
		Score:        d.report.Score(),
	}
	for _, e := range d.report.Errors {
		receipt.RuleErrors = append(receipt.RuleErrors, e.Error())
	}
	return receipt, nil
}

// AfterCommit runs the post-commit hooks for receipts of a committed transaction.
func (s *Service) AfterCommit(ctx context.Context, receipts ...*Receipt) {
	if s.invalidator == nil {
		return
	}
	for _, r := range receipts {
		if r != nil {
			s.invalidator.Invalidate(ctx, r.Verification.BusinessId, r.Verification.Date)
		}
	}
}

// Create posts a new verification. Unbalanced or invalid drafts, and drafts
// dated in a locked period, are rejected before any state changes.
func (s *Service) Create(ctx context.Context, input *models.NewVerification) (receipt *Receipt, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Create")
	defer func() { endSpan(span, err) }()

	d, err := s.Prepare(ctx, input)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("business_id", input.BusinessId))
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		receipt, err = s.PostTx(ctx, tx, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.AfterCommit(ctx, receipt)
	span.SetAttributes(attribute.Int64("immutable_seq", receipt.ImmutableSeq))
	return receipt, nil
}

func (s *Service) Get(ctx context.Context, id int) (*Receipt, error) {
	v, err := s.store.GetVerification(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.receiptFor(ctx, s.store, v)
}

func (s *Service) List(ctx context.Context, f store.VerificationFilter) ([]*models.Verification, error) {
	return s.store.ListVerifications(ctx, f)
}

func (s *Service) receiptFor(ctx context.Context, r store.Reader, v *models.Verification) (*Receipt, error) {
	receipt := &Receipt{Verification: v, ImmutableSeq: v.ImmutableSeq}
	link, err := r.LatestAuditLink(ctx, models.VerificationTarget(v.ID))
	switch {
	case err == nil:
		receipt.AuditHash = link.AfterHash
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}
	receipt.Flags, err = r.ListFlags(ctx, store.FlagFilter{BusinessId: v.BusinessId, VerificationIds: []int{v.ID}})
	if err != nil {
		return nil, err
	}
	receipt.Score = scoreOf(receipt.Flags)
	return receipt, nil
}

// scoreOf ignores resolved flags.
func scoreOf(flags []*models.ComplianceFlag) int {
	vals := make([]models.ComplianceFlag, 0, len(flags))
	for _, f := range flags {
		if !f.IsResolved() {
			vals = append(vals, *f)
		}
	}
	return models.ComplianceScore(vals)
}

// ResolveFlag records who resolved a flag. It is the only update the ledger
// allows on stored records.
func (s *Service) ResolveFlag(ctx context.Context, flagId int) (*models.ComplianceFlag, error) {
	actor := utils.GetActorFromContext(ctx)
	var resolved *models.ComplianceFlag
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		f, err := tx.GetFlag(ctx, flagId)
		if err != nil {
			return err
		}
		if err := tx.ResolveFlag(ctx, flagId, actor); err != nil {
			return err
		}
		payloadHash, err := audit.PayloadHash(map[string]interface{}{
			"flag_id":     flagId,
			"rule_code":   f.RuleCode,
			"resolved_by": actor,
		})
		if err != nil {
			return err
		}
		if _, err := s.chain.AppendTx(ctx, tx, actor, models.AuditActionFlagResolve, models.ComplianceFlagTarget(flagId), payloadHash); err != nil {
			return err
		}
		f.ResolvedBy = &actor
		resolved = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// payload is the canonical form hashed into the audit chain.
type payload struct {
	BusinessId             string         `json:"business_id"`
	ImmutableSeq           int64          `json:"immutable_seq"`
	Date                   string         `json:"date"`
	Description            string         `json:"description"`
	TotalAmount            string         `json:"total_amount"`
	Currency               string         `json:"currency"`
	VatAmount              *string        `json:"vat_amount"`
	VatCode                string         `json:"vat_code"`
	Counterparty           string         `json:"counterparty"`
	DocumentLink           string         `json:"document_link"`
	ReversesVerificationId *int           `json:"reverses_verification_id"`
	CorrectsVerificationId *int           `json:"corrects_verification_id"`
	SettlesVerificationId  *int           `json:"settles_verification_id"`
	BankTransactionId      *int           `json:"bank_transaction_id"`
	Entries                []entryPayload `json:"entries"`
}

type entryPayload struct {
	Account   string `json:"account"`
	Debit     string `json:"debit"`
	Credit    string `json:"credit"`
	Dimension string `json:"dimension,omitempty"`
}

func newPayload(v *models.Verification) payload {
	p := payload{
		BusinessId:             v.BusinessId,
		ImmutableSeq:           v.ImmutableSeq,
		Date:                   v.Date.Format(utils.DateLayout),
		Description:            v.Description,
		TotalAmount:            v.TotalAmount.StringFixed(2),
		Currency:               v.Currency,
		VatCode:                v.VatCode,
		Counterparty:           v.Counterparty,
		DocumentLink:           v.DocumentLink,
		ReversesVerificationId: v.ReversesVerificationId,
		CorrectsVerificationId: v.CorrectsVerificationId,
		SettlesVerificationId:  v.SettlesVerificationId,
		BankTransactionId:      v.BankTransactionId,
	}
	if v.VatAmount != nil {
		s := v.VatAmount.StringFixed(2)
		p.VatAmount = &s
	}
	for _, e := range v.Entries {
		p.Entries = append(p.Entries, entryPayload{
			Account:   e.Account,
			Debit:     e.Debit.StringFixed(2),
			Credit:    e.Credit.StringFixed(2),
			Dimension: e.Dimension,
		})
	}
	return p
}

// NetByAccount sums debit - credit per account over vs.
func NetByAccount(vs []*models.Verification) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, v := range vs {
		for _, e := range v.Entries {
			out[e.Account] = out[e.Account].Add(e.Debit).Sub(e.Credit)
		}
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
