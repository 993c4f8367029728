package rewardsd

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	coreevents "surveyrewards/core/events"
	"surveyrewards/core/ledger"
	"surveyrewards/observability"
	"surveyrewards/observability/logging"
)

// payloadCarrier is implemented by ledger events that expose their attribute
// payload.
type payloadCarrier interface {
	Payload() *coreevents.Payload
}

// FanoutEmitter distributes ledger events to the delivery queue, the
// websocket hub, structured logs and the receipts store.
type FanoutEmitter struct {
	queue   *EventQueue
	hub     *Hub
	store   *Store
	logger  *slog.Logger
	metrics *observability.RewardsMetrics
}

// NewFanoutEmitter wires the event sinks together. Any sink may be nil.
func NewFanoutEmitter(queue *EventQueue, hub *Hub, store *Store, logger *slog.Logger) *FanoutEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanoutEmitter{
		queue:   queue,
		hub:     hub,
		store:   store,
		logger:  logger,
		metrics: observability.Rewards(),
	}
}

// Emit implements events.Emitter.
func (f *FanoutEmitter) Emit(event coreevents.Event) {
	carrier, ok := event.(payloadCarrier)
	if !ok || carrier.Payload() == nil {
		return
	}
	payload := carrier.Payload()

	f.logger.Info("ledger event",
		"type", payload.Type,
		logging.MaskField("user_id", payload.Attributes["userId"]))

	switch payload.Type {
	case ledger.EventTypeSurveyCreated:
		f.metrics.ObserveSurveyCreated()
	case ledger.EventTypeRewardClaimed:
		f.persistReceipt(payload.Attributes)
	}

	if f.queue != nil {
		queued := f.queue.Enqueue(payload.Type, payload.Attributes)
		if f.hub != nil {
			f.hub.Broadcast(queued)
		}
		return
	}
	if f.hub != nil {
		f.hub.Broadcast(LedgerEvent{Type: payload.Type, Attributes: payload.Attributes, CreatedAt: time.Now()})
	}
}

func (f *FanoutEmitter) persistReceipt(attrs map[string]string) {
	if f.store == nil {
		return
	}
	surveyID, err := strconv.ParseUint(attrs["surveyId"], 10, 64)
	if err != nil {
		return
	}
	receipt := ClaimReceipt{
		ID:          uuid.New(),
		SurveyID:    surveyID,
		UserID:      attrs["userId"],
		Token:       attrs["token"],
		Amount:      attrs["amount"],
		TxRef:       attrs["txRef"],
		ProofDigest: attrs["proofDigest"],
		CreatedAt:   time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.store.RecordClaim(ctx, receipt); err != nil {
		f.logger.Error("persist claim receipt", "txRef", receipt.TxRef, "error", err)
	}
}
