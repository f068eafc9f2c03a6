package events

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
)

// EnqueueTx writes the event inside the caller's transaction. Nothing is
// published here; the Dispatcher picks the row up after commit.
func EnqueueTx(ctx context.Context, tx store.Tx, businessId string, eventType models.LedgerEventType, refId int, obj any) error {
	payload, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return tx.InsertOutboxEvent(ctx, &models.OutboxEvent{
		BusinessId:    businessId,
		EventType:     eventType,
		ReferenceId:   refId,
		Payload:       payload,
		PublishStatus: models.OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	})
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
