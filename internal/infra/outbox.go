package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/guard"
	"github.com/attaboy/shareguard/internal/metrics"
	"github.com/attaboy/shareguard/internal/repository"
	gobreaker "github.com/sony/gobreaker/v2"
)

// JobOutboxRelay is the reconciler job name of the relay.
const JobOutboxRelay = "outbox_relay"

// Publisher delivers one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// OutboxRelay moves event_outbox rows to Kafka in insertion order. A run stops
// at the first failed publish so later events never overtake earlier ones.
// Publishing goes through a circuit breaker so a dead broker is not hammered
// every tick.
type OutboxRelay struct {
	db        repository.DBTX
	repo      repository.OutboxRepository
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker[struct{}]
	batchSize int
	logger    *slog.Logger
}

// RelayConfig tunes the relay.
type RelayConfig struct {
	BatchSize        int
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// NewOutboxRelay creates a relay reading from db.
func NewOutboxRelay(db repository.DBTX, repo repository.OutboxRepository, publisher Publisher, cfg RelayConfig, logger *slog.Logger) *OutboxRelay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	r := &OutboxRelay{
		db:        db,
		repo:      repo,
		publisher: publisher,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "kafka_publish",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(breakerState(to)))
			logger.Warn("outbox breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return r
}

func (r *OutboxRelay) Name() string { return JobOutboxRelay }

// Run relays one batch.
func (r *OutboxRelay) Run(ctx context.Context) error {
	events, err := r.repo.FetchUnpublished(ctx, r.db, r.batchSize)
	if err != nil {
		return fmt.Errorf("fetch outbox: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	published := make([]int64, 0, len(events))
	var publishErr error
	for _, e := range events {
		if publishErr = r.publish(ctx, e); publishErr != nil {
			break
		}
		published = append(published, e.SeqID)
		metrics.OutboxPublished.WithLabelValues(string(e.EventType)).Inc()
	}

	if err := r.repo.MarkPublished(ctx, r.db, published); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if len(published) > 0 {
		r.logger.Debug("outbox batch relayed", "published", len(published), "pending", len(events)-len(published))
	}

	switch {
	case publishErr == nil:
		return nil
	case errors.Is(publishErr, gobreaker.ErrOpenState), errors.Is(publishErr, gobreaker.ErrTooManyRequests):
		r.logger.Debug("outbox relay paused, breaker open")
		return nil
	default:
		metrics.OutboxPublishErrors.Inc()
		return fmt.Errorf("publish outbox event: %w", publishErr)
	}
}

func (r *OutboxRelay) publish(ctx context.Context, e domain.OutboxEvent) error {
	msg, err := json.Marshal(e.OutboxDraft)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.EventID, err)
	}
	key := e.PartitionKey
	if key == "" {
		key = e.AggregateID
	}
	_, err = r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.publisher.Publish(ctx, string(e.EventType), []byte(key), msg)
	})
	return err
}

// breakerState maps gobreaker states onto the shared circuit gauge encoding.
func breakerState(s gobreaker.State) guard.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return guard.CircuitOpen
	case gobreaker.StateHalfOpen:
		return guard.CircuitHalfOpen
	default:
		return guard.CircuitClosed
	}
}
