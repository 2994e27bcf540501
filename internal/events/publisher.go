package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/floorsheet-harvester/internal/database"
	"github.com/maltedev/floorsheet-harvester/internal/harvester"
)

type EventType string

const (
	// EventTypeHarvestFinished is published once per terminated run.
	EventTypeHarvestFinished EventType = "HARVEST_FINISHED"

	aggregateType = "harvest_run"
)

// HarvestFinishedPayload describes a finished run.
type HarvestFinishedPayload struct {
	EventID              string    `json:"event_id"`
	EventType            string    `json:"event_type"`
	Timestamp            time.Time `json:"timestamp"`
	RunKey               string    `json:"run_key"`
	RunID                string    `json:"run_id"`
	Status               string    `json:"status"`
	Termination          string    `json:"termination"`
	Reason               string    `json:"reason,omitempty"`
	Error                string    `json:"error,omitempty"`
	PagesFetched         int       `json:"pages_fetched"`
	RecordsIngested      int       `json:"records_ingested"`
	RowsDropped          int       `json:"rows_dropped"`
	DuplicatesSuppressed int       `json:"duplicates_suppressed"`
	SinkFailures         int       `json:"sink_failures"`
	DurationSeconds      float64   `json:"duration_seconds"`
	Source               string    `json:"source"`
}

// NewHarvestFinishedPayload builds the event payload for a run result.
func NewHarvestFinishedPayload(result harvester.Result) *HarvestFinishedPayload {
	p := &HarvestFinishedPayload{
		Status:          string(result.Status),
		Termination:     result.Termination.Kind.String(),
		Reason:          string(result.Termination.Reason),
		SinkFailures:    result.Sink.Failed,
		DurationSeconds: result.Duration.Seconds(),
	}
	if result.Err != nil {
		p.Error = result.Err.Error()
	}
	if cp := result.Checkpoint; cp != nil {
		p.RunKey = cp.RunKey
		p.RunID = cp.RunID.String()
		p.PagesFetched = cp.PagesFetched
		p.RecordsIngested = cp.RecordsIngested
		p.RowsDropped = cp.RowsDropped
		p.DuplicatesSuppressed = cp.DuplicatesSuppressed
	}
	return p
}

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

// OutboxInserter writes outbox rows inside a transaction.
type OutboxInserter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher writes run events to the transactional outbox. The relay
// delivers them to redis.
type Publisher struct {
	tx     TxRunner
	outbox OutboxInserter
	stream string
	logger *slog.Logger
}

func NewPublisher(db *database.DB, stream string, logger *slog.Logger) *Publisher {
	return newPublisher(db, database.NewOutboxRepository(db), stream, logger)
}

func newPublisher(tx TxRunner, outbox OutboxInserter, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = database.DefaultTargetStream
	}
	return &Publisher{
		tx:     tx,
		outbox: outbox,
		stream: stream,
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishHarvestFinished stores a HARVEST_FINISHED event in the outbox.
func (p *Publisher) PublishHarvestFinished(ctx context.Context, payload *HarvestFinishedPayload) error {
	if payload.RunKey == "" {
		return fmt.Errorf("run key is required")
	}
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	payload.EventType = string(EventTypeHarvestFinished)
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	if payload.Source == "" {
		payload.Source = "harvester"
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   payload.RunKey,
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  p.stream,
	}

	err = p.tx.Transaction(ctx, func(tx pgx.Tx) error {
		return p.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("Event published to outbox",
		"type", payload.EventType,
		"event_id", payload.EventID,
		"run_key", payload.RunKey,
		"outbox_id", event.ID)

	return nil
}
