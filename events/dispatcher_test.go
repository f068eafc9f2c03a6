package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
)

type recordingPublisher struct {
	fail bool
	msgs []config.LedgerEventMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg config.LedgerEventMessage) (string, error) {
	if p.fail {
		return "", errors.New("broker unavailable")
	}
	p.msgs = append(p.msgs, msg)
	return "msg-1", nil
}

func enqueue(t *testing.T, s *store.MemoryStore, ctx context.Context) {
	t.Helper()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		return EnqueueTx(ctx, tx, "1", models.LedgerEventVerificationCreated, 7, map[string]int{"seq": 1})
	})
	if err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
}

func TestDispatchOnce_PublishesAndMarksSent(t *testing.T) {
	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-1")
	s := store.NewMemoryStore()
	enqueue(t, s, ctx)

	pub := &recordingPublisher{}
	d := NewDispatcher(s, pub, nil)
	sent, err := d.DispatchOnce(ctx)
	if err != nil || sent != 1 {
		t.Fatalf("DispatchOnce = %d, %v", sent, err)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].CorrelationId != "corr-1" || pub.msgs[0].ReferenceId != 7 {
		t.Fatalf("unexpected published messages %+v", pub.msgs)
	}
	if string(pub.msgs[0].Payload) != `{"seq":1}` {
		t.Fatalf("unexpected payload %s", pub.msgs[0].Payload)
	}

	ev, err := s.GetOutboxEvent(ctx, 1)
	if err != nil || ev.PublishStatus != models.OutboxPublishStatusSent {
		t.Fatalf("expected SENT, got %+v (%v)", ev, err)
	}
	if sent, _ := d.DispatchOnce(ctx); sent != 0 {
		t.Fatalf("sent events must not be published twice")
	}
}

func TestDispatchOnce_RetriesThenDead(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	enqueue(t, s, ctx)

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pub := &recordingPublisher{fail: true}
	d := NewDispatcher(s, pub, nil)
	d.MaxAttempts = 2
	d.now = func() time.Time { return clock }

	if _, err := d.DispatchOnce(ctx); err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	ev, _ := s.GetOutboxEvent(ctx, 1)
	if ev.PublishStatus != models.OutboxPublishStatusFailed || ev.NextAttemptAt == nil {
		t.Fatalf("expected FAILED with retry time, got %+v", ev)
	}
	if !ev.NextAttemptAt.Equal(clock.Add(5 * time.Second)) {
		t.Fatalf("unexpected next attempt %v", ev.NextAttemptAt)
	}

	if _, err := d.DispatchOnce(ctx); err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	ev, _ = s.GetOutboxEvent(ctx, 1)
	if ev.PublishAttempts != 1 {
		t.Fatalf("event must wait for its backoff, attempts %d", ev.PublishAttempts)
	}

	clock = clock.Add(time.Minute)
	if _, err := d.DispatchOnce(ctx); err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	ev, _ = s.GetOutboxEvent(ctx, 1)
	if ev.PublishStatus != models.OutboxPublishStatusDead || ev.LastPublishError == nil {
		t.Fatalf("expected DEAD after max attempts, got %+v", ev)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	d := NewDispatcher(store.NewMemoryStore(), &recordingPublisher{}, nil)
	if got := d.Backoff(1); got != 5*time.Second {
		t.Fatalf("Backoff(1) = %v", got)
	}
	if got := d.Backoff(3); got != 20*time.Second {
		t.Fatalf("Backoff(3) = %v", got)
	}
	if got := d.Backoff(30); got != 10*time.Minute {
		t.Fatalf("Backoff(30) = %v", got)
	}
}
