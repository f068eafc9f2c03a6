package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/sirupsen/logrus"
)

// Publisher delivers one event and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, msg config.LedgerEventMessage) (string, error)
}

// PubSubPublisher publishes to one Pub/Sub topic.
type PubSubPublisher struct {
	Topic string
}

func (p PubSubPublisher) Publish(ctx context.Context, msg config.LedgerEventMessage) (string, error) {
	return config.PublishLedgerEvent(ctx, p.Topic, msg)
}

type Dispatcher struct {
	Store        store.OutboxStore
	Publisher    Publisher
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	now func() time.Time
}

func NewDispatcher(s store.OutboxStore, publisher Publisher, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Dispatcher{
		Store:          s,
		Publisher:      publisher,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil {
			config.LogError(d.Logger, "Events", "Run", "claim outbox events", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns the number of
// events published successfully.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.now()
	claimed, err := d.Store.ClaimOutboxEvents(ctx, d.DispatcherID, d.BatchSize, d.MaxAttempts, now, now.Add(-d.LockTimeout))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ev := range claimed {
		msgId, pubErr := d.Publisher.Publish(ctx, ToMessage(ev))
		if pubErr != nil {
			d.markFailed(ctx, ev, pubErr)
			continue
		}
		if err := d.Store.MarkOutboxSent(ctx, ev.ID, msgId, d.now()); err != nil {
			config.LogError(d.Logger, "Events", "DispatchOnce", "mark outbox sent", map[string]interface{}{"event_id": ev.ID}, err)
			continue
		}
		sent++
	}
	return sent, nil
}

func ToMessage(ev *models.OutboxEvent) config.LedgerEventMessage {
	return config.LedgerEventMessage{
		ID:            ev.ID,
		BusinessId:    ev.BusinessId,
		EventType:     string(ev.EventType),
		ReferenceId:   ev.ReferenceId,
		Payload:       json.RawMessage(ev.Payload),
		CorrelationId: ev.CorrelationId,
		OccurredAt:    ev.CreatedAt,
	}
}

// Backoff doubles from InitialBackoff per attempt, capped at MaxBackoff.
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > d.MaxBackoff {
			return d.MaxBackoff
		}
	}
	return backoff
}

func (d *Dispatcher) markFailed(ctx context.Context, ev *models.OutboxEvent, pubErr error) {
	fields := logrus.Fields{
		"field":       "OutboxDispatcher",
		"business_id": ev.BusinessId,
		"event_id":    ev.ID,
		"attempt":     ev.PublishAttempts,
	}
	var next *time.Time
	if d.MaxAttempts <= 0 || ev.PublishAttempts < d.MaxAttempts {
		t := d.now().Add(d.Backoff(ev.PublishAttempts))
		next = &t
		fields["next_attempt_at"] = t.Format(time.RFC3339Nano)
	}
	if err := d.Store.MarkOutboxFailed(ctx, ev.ID, pubErr.Error(), next); err != nil {
		config.LogError(d.Logger, "Events", "markFailed", "mark outbox failed", fields, err)
		return
	}
	if next == nil {
		d.Logger.WithFields(fields).Error("outbox publish moved to DEAD after max attempts: " + fmt.Sprintf("%v", pubErr))
		return
	}
	d.Logger.WithFields(fields).Warn("outbox publish failed: " + fmt.Sprintf("%v", pubErr))
}
