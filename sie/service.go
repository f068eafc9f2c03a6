package sie

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/ledger"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const importDescription = "SIE import"

type Service struct {
	store  store.Store
	ledger *ledger.Service
	logger *logrus.Logger
}

func NewService(s store.Store, l *ledger.Service, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Service{store: s, ledger: l, logger: logger}
}

// Export returns the verifications of businessId dated in [from, to) as
// balanced vouchers, numbered by their immutable sequence.
func (s *Service) Export(ctx context.Context, businessId string, from, to time.Time) ([]Voucher, error) {
	if to.Before(from) {
		return nil, models.ErrInvalidPeriod
	}
	vs, err := s.store.ListVerifications(ctx, store.VerificationFilter{BusinessId: businessId, From: &from, To: &to})
	if err != nil {
		return nil, err
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].ImmutableSeq < vs[j].ImmutableSeq })

	out := make([]Voucher, 0, len(vs))
	for _, v := range vs {
		txs := make([]Transaction, 0, len(v.Entries))
		for _, e := range v.Entries {
			txs = append(txs, Transaction{Account: e.Account, Amount: e.Debit.Sub(e.Credit)})
		}
		out = append(out, Voucher{
			Series:       DefaultSeries,
			Number:       v.ImmutableSeq,
			Date:         v.Date,
			Text:         v.Description,
			Transactions: balance(txs),
		})
	}
	return out, nil
}

// ExportYear writes the SIE file for the calendar year.
func (s *Service) ExportYear(ctx context.Context, w io.Writer, businessId string, year int) (int, error) {
	if year < 1900 || year > 9999 {
		return 0, models.NewValidationError("year", "out of range")
	}
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	vouchers, err := s.Export(ctx, businessId, from, from.AddDate(1, 0, 0))
	if err != nil {
		return 0, err
	}
	return len(vouchers), Write(w, vouchers)
}

type ImportResult struct {
	Imported      int     `json:"imported"`
	Skipped       int     `json:"skipped"`
	ImmutableSeqs []int64 `json:"immutable_seqs"`
}

func (s *Service) draft(businessId string, v Voucher) *models.NewVerification {
	txs := balance(v.Transactions)
	input := &models.NewVerification{
		BusinessId:  businessId,
		Date:        v.Date,
		Description: importDescription,
		Currency:    models.DefaultCurrency,
	}
	if v.Text != "" {
		input.Description = utils.TruncateRunes(importDescription+": "+v.Text, 255)
	}
	total := decimal.Zero
	for _, t := range txs {
		switch {
		case t.Amount.IsPositive():
			input.Entries = append(input.Entries, models.NewEntry{Account: t.Account, Debit: t.Amount})
			total = total.Add(t.Amount)
		case t.Amount.IsNegative():
			input.Entries = append(input.Entries, models.NewEntry{Account: t.Account, Credit: t.Amount.Neg()})
		}
	}
	input.TotalAmount = total
	return input
}


// Import posts every voucher of the file as a verification of businessId.
// Positive amounts are debits. Residue is balanced on the suspense account.
// Either all vouchers are posted or none.
func (s *Service) Import(ctx context.Context, businessId string, r io.Reader) (*ImportResult, error) {
	vouchers, err := Parse(r)
	if err != nil {
		return nil, err
	}
	result := &ImportResult{ImmutableSeqs: make([]int64, 0, len(vouchers))}
	drafts := make([]*ledger.Draft, 0, len(vouchers))
	for i, v := range vouchers {
		input := s.draft(businessId, v)
		if len(input.Entries) == 0 {
			result.Skipped++
			continue
		}
		d, err := s.ledger.Prepare(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("voucher %d: %w", i+1, err)
		}
		drafts = append(drafts, d)
	}

	var receipts []*ledger.Receipt
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		receipts = receipts[:0]
		for _, d := range drafts {
			receipt, err := s.ledger.PostTx(ctx, tx, d)
			if err != nil {
				return err
			}
			receipts = append(receipts, receipt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.ledger.AfterCommit(ctx, receipts...)

	for _, r := range receipts {
		result.ImmutableSeqs = append(result.ImmutableSeqs, r.ImmutableSeq)
	}
	result.Imported = len(receipts)
	s.logger.WithFields(logrus.Fields{
		"business_id": businessId,
		"imported":    result.Imported,
		"skipped":     result.Skipped,
	}).Info("SIE file imported")
	return result, nil
}
