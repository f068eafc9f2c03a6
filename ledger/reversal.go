package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"go.opentelemetry.io/otel/attribute"
)

const maxDescriptionLength = 255

// errExistingReversal aborts the reversal transaction when another caller
// already reversed the verification.
var errExistingReversal = errors.New("verification already has a reversal")

type CorrectionResult struct {
	Reversal  *Receipt `json:"reversal"`
	Corrected *Receipt `json:"corrected"`
}

func reversalDescription(v *models.Verification, reason string) string {
	desc := fmt.Sprintf("Reversal of verification %d", v.ImmutableSeq)
	if reason = strings.TrimSpace(reason); reason != "" {
		desc += ": " + reason
	}
	return utils.TruncateRunes(desc, maxDescriptionLength)
}

func findReversal(ctx context.Context, r store.Reader, v *models.Verification) (*models.Verification, error) {
	id := v.ID
	existing, err := r.ListVerifications(ctx, store.VerificationFilter{
		BusinessId:             v.BusinessId,
		ReversesVerificationId: &id,
		Limit:                  1,
	})
	if err != nil || len(existing) == 0 {
		return nil, err
	}
	return existing[0], nil
}

// Reverse posts a mirror of verification id on the same date. The original is
// left untouched. Reversing an already reversed verification returns the
// existing reversal.
func (s *Service) Reverse(ctx context.Context, id int, reason string) (receipt *Receipt, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Reverse")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("verification_id", id))

	original, err := s.store.GetVerification(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing, err := findReversal(ctx, s.store, original); err != nil {
		return nil, err
	} else if existing != nil {
		return s.receiptFor(ctx, s.store, existing)
	}

	input := original.ReversalDraft()
	input.Description = reversalDescription(original, reason)
	d, err := s.Prepare(ctx, input)
	if err != nil {
		return nil, err
	}

	var existing *models.Verification
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		existing = nil
		// the sequence lock serializes writers of this business, so the
		// lookup below cannot race another reversal
		if _, err := tx.LockSequence(ctx, original.BusinessId); err != nil {
			return err
		}
		found, err := findReversal(ctx, tx, original)
		if err != nil {
			return err
		}
		if found != nil {
			existing = found
			return errExistingReversal
		}
		receipt, err = s.PostTx(ctx, tx, d)
		return err
	})
	if errors.Is(err, errExistingReversal) {
		return s.receiptFor(ctx, s.store, existing)
	}
	if err != nil {
		return nil, err
	}
	s.AfterCommit(ctx, receipt)
	return receipt, nil
}

// Correct replaces verification id by reversing it and posting a corrected
// copy, both in one transaction.
func (s *Service) Correct(ctx context.Context, id int, c models.Correction) (result *CorrectionResult, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Correct")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("verification_id", id))

	if c.IsEmpty() {
		return nil, models.NewValidationError("correction", "date or document_link is required")
	}
	if c.Date != nil && c.Date.IsZero() {
		return nil, models.NewValidationError("date", "invalid date")
	}
	original, err := s.store.GetVerification(ctx, id)
	if err != nil {
		return nil, err
	}

	reversalInput := original.ReversalDraft()
	reversalInput.Description = reversalDescription(original, "correction")
	reversal, err := s.Prepare(ctx, reversalInput)
	if err != nil {
		return nil, err
	}
	corrected, err := s.Prepare(ctx, original.CorrectedDraft(c))
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockSequence(ctx, original.BusinessId); err != nil {
			return err
		}
		found, err := findReversal(ctx, tx, original)
		if err != nil {
			return err
		}
		if found != nil {
			return fmt.Errorf("%w: verification %d", models.ErrAlreadyReversed, original.ImmutableSeq)
		}
		result = &CorrectionResult{}
		if result.Reversal, err = s.PostTx(ctx, tx, reversal); err != nil {
			return err
		}
		result.Corrected, err = s.PostTx(ctx, tx, corrected)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.AfterCommit(ctx, result.Reversal, result.Corrected)
	return result, nil
}
