package bank

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mmdatafocus/bookkeeping_core/events"
	"github.com/mmdatafocus/bookkeeping_core/ledger"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type SettlementKind string

const (
	SettlementReceivable SettlementKind = "AR"
	SettlementPayable    SettlementKind = "AP"
)

type SettleResult struct {
	BankTransaction *models.BankTransaction `json:"bank_transaction"`
	Kind            SettlementKind          `json:"kind"`
	Settlement      *ledger.Receipt         `json:"settlement"`
}

type settledEvent struct {
	BankTransactionId        int            `json:"bank_transaction_id"`
	VerificationId           int            `json:"verification_id"`
	SettlementVerificationId int            `json:"settlement_verification_id"`
	Kind                     SettlementKind `json:"kind"`
	Amount                   string         `json:"amount"`
}

// OpenBalance is what remains receivable or payable on a verification after
// its reversals and earlier settlements.
type OpenBalance struct {
	Receivable decimal.Decimal
	Payable    decimal.Decimal
}

func SettlementPath(txId int) string {
	return "/bank/transactions/" + strconv.Itoa(txId)
}

// related returns v, the verifications settling it, and the reversals of all of them.
func related(ctx context.Context, r store.Reader, v *models.Verification) ([]*models.Verification, error) {
	id := v.ID
	settlements, err := r.ListVerifications(ctx, store.VerificationFilter{BusinessId: v.BusinessId, SettlesVerificationId: &id})
	if err != nil {
		return nil, err
	}
	out := append([]*models.Verification{v}, settlements...)
	for _, base := range out {
		baseId := base.ID
		reversals, err := r.ListVerifications(ctx, store.VerificationFilter{BusinessId: v.BusinessId, ReversesVerificationId: &baseId})
		if err != nil {
			return nil, err
		}
		out = append(out, reversals...)
	}
	return out, nil
}

func openBalance(ctx context.Context, r store.Reader, v *models.Verification) (OpenBalance, error) {
	vs, err := related(ctx, r, v)
	if err != nil {
		return OpenBalance{}, err
	}
	var ob OpenBalance
	for _, rv := range vs {
		for _, e := range rv.Entries {
			switch models.ClassifyAccount(e.Account) {
			case models.AccountClassReceivable:
				ob.Receivable = ob.Receivable.Add(e.Debit).Sub(e.Credit)
			case models.AccountClassPayable:
				ob.Payable = ob.Payable.Add(e.Credit).Sub(e.Debit)
			}
		}
	}
	ob.Receivable = models.Round2(ob.Receivable)
	ob.Payable = models.Round2(ob.Payable)
	return ob, nil
}

// settlementFor decides the settlement kind and amount for bt against ob.
func settlementFor(bt *models.BankTransaction, ob OpenBalance) (SettlementKind, decimal.Decimal, error) {
	arOpen := ob.Receivable.GreaterThan(models.BalanceTolerance)
	apOpen := ob.Payable.GreaterThan(models.BalanceTolerance)
	switch {
	case arOpen && apOpen:
		return "", decimal.Zero, models.ErrUnknownSettlement
	case arOpen:
		if !bt.Amount.IsPositive() || !models.WithinTolerance(bt.Amount, ob.Receivable) {
			return "", decimal.Zero, fmt.Errorf("%w: bank %s, open receivable %s", models.ErrAmountMismatch, bt.Amount.StringFixed(2), ob.Receivable.StringFixed(2))
		}
		return SettlementReceivable, ob.Receivable, nil
	case apOpen:
		if !bt.Amount.IsNegative() || !models.WithinTolerance(bt.Amount.Abs(), ob.Payable) {
			return "", decimal.Zero, fmt.Errorf("%w: bank %s, open payable %s", models.ErrAmountMismatch, bt.Amount.StringFixed(2), ob.Payable.StringFixed(2))
		}
		return SettlementPayable, ob.Payable, nil
	}
	return "", decimal.Zero, models.ErrNoOpenBalance
}

func (s *Service) settlementDraft(bt *models.BankTransaction, v *models.Verification, kind SettlementKind, amount decimal.Decimal) *models.NewVerification {
	vId, btId := v.ID, bt.ID
	zero := decimal.Zero
	draft := &models.NewVerification{
		BusinessId:            v.BusinessId,
		Date:                  bt.Date,
		Description:           fmt.Sprintf("Settlement of verification %d via bank transaction %d", v.ImmutableSeq, bt.ID),
		TotalAmount:           amount,
		Currency:              v.Currency,
		VatAmount:             &zero,
		Counterparty:          v.Counterparty,
		DocumentLink:          SettlementPath(bt.ID),
		SettlesVerificationId: &vId,
		BankTransactionId:     &btId,
	}
	if kind == SettlementReceivable {
		draft.Entries = []models.NewEntry{
			{Account: s.opts.SettlementAccount, Debit: amount},
			{Account: models.ReceivableAccount, Credit: amount},
		}
	} else {
		draft.Entries = []models.NewEntry{
			{Account: models.PayableAccount, Debit: amount},
			{Account: s.opts.SettlementAccount, Credit: amount},
		}
	}
	return draft
}

// Settle posts the cash movement that closes the open receivable or payable of
// verification verificationId with bank transaction txId, and marks the bank
// transaction settled. The bank amount must equal the open amount within 0.01
// and carry the matching sign.
func (s *Service) Settle(ctx context.Context, txId, verificationId int) (result *SettleResult, err error) {
	ctx, span := tracer.Start(ctx, "bank.Settle")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("bank_transaction_id", txId), attribute.Int("verification_id", verificationId))

	release, err := utils.ObtainLock(ctx, s.opts.Locker, "settle:"+strconv.Itoa(txId), settleLockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	bt, err := s.store.GetBankTransaction(ctx, txId)
	if err != nil {
		return nil, err
	}
	if bt.IsSettled() {
		return nil, models.ErrAlreadySettled
	}
	v, err := s.store.GetVerification(ctx, verificationId)
	if err != nil {
		return nil, err
	}
	if v.BusinessId != bt.BusinessId {
		return nil, models.ErrBusinessMismatch
	}
	ob, err := openBalance(ctx, s.store, v)
	if err != nil {
		return nil, err
	}
	kind, amount, err := settlementFor(bt, ob)
	if err != nil {
		return nil, err
	}
	d, err := s.ledger.Prepare(ctx, s.settlementDraft(bt, v, kind, amount))
	if err != nil {
		return nil, err
	}

	var receipt *ledger.Receipt
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		// the sequence lock serializes every posting of this business, so the
		// open balance read below is stable until commit
		if _, err := tx.LockSequence(ctx, v.BusinessId); err != nil {
			return err
		}
		locked, err := tx.LockBankTransaction(ctx, bt.ID)
		if err != nil {
			return err
		}
		if locked.IsSettled() {
			return models.ErrAlreadySettled
		}
		current, err := openBalance(ctx, tx, v)
		if err != nil {
			return err
		}
		k, amt, err := settlementFor(locked, current)
		if err != nil {
			return err
		}
		if k != kind || !amt.Equal(amount) {
			return fmt.Errorf("%w: open amount changed to %s", models.ErrAmountMismatch, amt.StringFixed(2))
		}

		receipt, err = s.ledger.PostTx(ctx, tx, d)
		if err != nil {
			return err
		}
		settlementId := receipt.Verification.ID
		if err := tx.SetBankMatch(ctx, bt.ID, settlementId, &settlementId); err != nil {
			return err
		}
		if err := s.appendMatchLink(ctx, tx, locked, v.ID, &settlementId); err != nil {
			return err
		}
		if s.opts.PublishEvents {
			return events.EnqueueTx(ctx, tx, v.BusinessId, models.LedgerEventBankSettled, bt.ID, settledEvent{
				BankTransactionId:        bt.ID,
				VerificationId:           v.ID,
				SettlementVerificationId: settlementId,
				Kind:                     kind,
				Amount:                   amount.StringFixed(2),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.ledger.AfterCommit(ctx, receipt)

	settled := bt.Clone()
	settlementId := receipt.Verification.ID
	settled.MatchedVerificationId = &settlementId
	settled.SettlementVerificationId = &settlementId
	s.logger.WithFields(logrus.Fields{
		"business_id":             v.BusinessId,
		"bank_transaction_id":     bt.ID,
		"verification_id":         v.ID,
		"settlement_verification": settlementId,
		"kind":                    kind,
	}).Info("bank transaction settled")
	return &SettleResult{BankTransaction: settled, Kind: kind, Settlement: receipt}, nil
}
