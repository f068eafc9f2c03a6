package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/sirupsen/logrus"
)

// ErrChainCompromised is returned by every append after a failed verification.
var ErrChainCompromised = errors.New("audit chain failed verification; appends are halted")

const verifyBatchSize = 500

// Chain is the single global hash chain over ledger mutations.
// Appends are serialized by the store's chain head lock.
type Chain struct {
	store       store.Store
	logger      *logrus.Logger
	now         func() time.Time
	compromised atomic.Bool
}

func NewChain(s store.Store, logger *logrus.Logger) *Chain {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Chain{store: s, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type Report struct {
	Valid       bool      `json:"valid"`
	Length      int64     `json:"length"`
	HeadHash    string    `json:"head_hash"`
	BrokenAtSeq int64     `json:"broken_at_seq,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// ComputeHash returns hex(SHA-256(before || payloadHash)).
func ComputeHash(before, payloadHash string) string {
	sum := sha256.Sum256([]byte(before + payloadHash))
	return hex.EncodeToString(sum[:])
}

// PayloadHash hashes the JSON encoding of v. Map keys are sorted by
// encoding/json and struct fields keep declaration order, so equal values
// hash equally.
func PayloadHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Chain) Compromised() bool {
	return c.compromised.Load()
}

// AppendTx links a new entry inside tx. The chain head stays locked until tx
// commits, so the read of the tail and the insert form one critical section.
func (c *Chain) AppendTx(ctx context.Context, tx store.Tx, actor, action, target, payloadHash string) (string, error) {
	if c.compromised.Load() {
		return "", ErrChainCompromised
	}
	if actor == "" {
		actor = "system"
	}
	head, err := tx.LockChainHead(ctx)
	if err != nil {
		return "", fmt.Errorf("lock audit chain head: %w", err)
	}
	link := &models.AuditLogEntry{
		Seq:         head.Length + 1,
		Actor:       actor,
		Action:      action,
		Target:      target,
		PayloadHash: payloadHash,
		BeforeHash:  head.AfterHash,
		AfterHash:   ComputeHash(head.AfterHash, payloadHash),
		CreatedAt:   c.now(),
	}
	if err := tx.InsertAuditLink(ctx, link); err != nil {
		return "", fmt.Errorf("insert audit link: %w", err)
	}
	return link.AfterHash, nil
}

// Append writes one link in its own transaction.
func (c *Chain) Append(ctx context.Context, actor, action, target, payloadHash string) (string, error) {
	var after string
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		after, err = c.AppendTx(ctx, tx, actor, action, target, payloadHash)
		return err
	})
	return after, err
}

// Verify recomputes every link from genesis up to the current head. Any
// mismatch marks the chain compromised for the life of the process.
func (c *Chain) Verify(ctx context.Context) (*Report, error) {
	head, err := c.store.ChainHead(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{Valid: true, Length: head.Length, HeadHash: head.AfterHash, CheckedAt: c.now()}

	prevHash := ""
	var prevSeq int64
	for prevSeq < head.Length {
		links, err := c.store.ListAuditLinks(ctx, prevSeq, verifyBatchSize)
		if err != nil {
			return nil, err
		}
		if len(links) == 0 {
			c.fail(report, prevSeq+1, "chain ends before head")
			return report, nil
		}
		for _, link := range links {
			if link.Seq > head.Length {
				break
			}
			switch {
			case link.Seq != prevSeq+1:
				c.fail(report, prevSeq+1, "missing link")
				return report, nil
			case link.BeforeHash != prevHash:
				c.fail(report, link.Seq, "before_hash does not match previous after_hash")
				return report, nil
			case link.AfterHash != ComputeHash(prevHash, link.PayloadHash):
				c.fail(report, link.Seq, "after_hash does not match recomputation")
				return report, nil
			}
			prevHash = link.AfterHash
			prevSeq = link.Seq
		}
	}
	if prevHash != head.AfterHash {
		c.fail(report, head.Length, "head hash does not match last link")
	}
	return report, nil
}

func (c *Chain) fail(report *Report, seq int64, reason string) {
	report.Valid = false
	report.BrokenAtSeq = seq
	report.Reason = reason
	c.compromised.Store(true)
	config.LogError(c.logger, "Audit", "Verify", "audit chain verification failed", report, errors.New(reason))
}
