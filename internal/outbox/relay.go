package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sarihammad/sagaflow/internal/eventbus"
	"github.com/sarihammad/sagaflow/pkg/logger"
)

// RelayConfig holds outbox relay configuration
type RelayConfig struct {
	// PollInterval is how often the outbox table is scanned
	PollInterval time.Duration
	// BatchSize bounds one scan
	BatchSize int
	// DeadAttempts is the delivery attempt budget before a message is
	// parked as dead
	DeadAttempts int
	// CleanupInterval is how often delivered messages are pruned;
	// 0 disables pruning
	CleanupInterval time.Duration
	// CleanupRetention is how long delivered messages are kept
	CleanupRetention time.Duration
}

// DefaultRelayConfig returns default relay configuration
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		PollInterval:     time.Second,
		BatchSize:        100,
		DeadAttempts:     50,
		CleanupInterval:  time.Hour,
		CleanupRetention: 24 * time.Hour,
	}
}

// Relay polls an outbox table and publishes pending messages to the bus.
// Messages of one aggregate are published serially in creation order;
// different aggregates go out in parallel. A publish failure stops the
// rest of that aggregate's batch so ordering survives retries.
type Relay struct {
	name      string
	repo      Repository
	publisher eventbus.Publisher
	config    *RelayConfig
	logger    *logger.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewRelay creates a relay over one participant's outbox
func NewRelay(name string, repo Repository, publisher eventbus.Publisher, config *RelayConfig) *Relay {
	if config == nil {
		config = DefaultRelayConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.DeadAttempts <= 0 {
		config.DeadAttempts = 50
	}
	return &Relay{
		name:      name,
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger.Get().With(zap.String("outbox", name)),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the poll loop and, when configured, the cleanup loop
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.pollLoop()

	if r.config.CleanupInterval > 0 {
		r.wg.Add(1)
		go r.cleanupLoop()
	}

	r.logger.Info("outbox relay started",
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Int("batch_size", r.config.BatchSize),
		zap.Int("dead_attempts", r.config.DeadAttempts),
	)
}

// Stop shuts down the loops and waits for the in-flight tick
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) pollLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.config.PollInterval*10)
			r.Tick(ctx)
			cancel()
		}
	}
}

// Tick runs one poll-and-publish round. Exposed for tests and for draining
// on demand.
func (r *Relay) Tick(ctx context.Context) {
	pending, err := r.repo.FetchPending(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to fetch pending outbox messages", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	// FIFO per aggregate: group preserving fetch order within each group
	groups := make(map[string][]*Message)
	var keys []string
	for _, msg := range pending {
		if _, ok := groups[msg.AggregateID]; !ok {
			keys = append(keys, msg.AggregateID)
		}
		groups[msg.AggregateID] = append(groups[msg.AggregateID], msg)
	}

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(batch []*Message) {
			defer wg.Done()
			r.publishGroup(ctx, batch)
		}(groups[key])
	}
	wg.Wait()
}

// publishGroup delivers one aggregate's messages serially, stopping at the
// first failure to keep order
func (r *Relay) publishGroup(ctx context.Context, batch []*Message) {
	for _, msg := range batch {
		if err := r.publish(ctx, msg); err != nil {
			attempts := msg.AttemptCount + 1
			if attempts >= r.config.DeadAttempts {
				if markErr := r.repo.MarkDead(ctx, msg.EventID, err.Error()); markErr != nil {
					r.logger.Error("failed to mark outbox message dead",
						zap.String("event_id", msg.EventID), zap.Error(markErr))
				}
				r.logger.Error("outbox message dead-lettered",
					zap.String("event_id", msg.EventID),
					zap.String("event_type", msg.EventType),
					zap.Int("attempts", attempts),
					zap.Error(err),
				)
			} else {
				if markErr := r.repo.MarkFailed(ctx, msg.EventID, err.Error()); markErr != nil {
					r.logger.Error("failed to record outbox delivery failure",
						zap.String("event_id", msg.EventID), zap.Error(markErr))
				}
				r.logger.Warn("outbox delivery failed",
					zap.String("event_id", msg.EventID),
					zap.Int("attempts", attempts),
					zap.Error(err),
				)
			}
			// later messages of this aggregate wait for the next tick
			return
		}

		if err := r.repo.MarkDelivered(ctx, msg.EventID); err != nil {
			// the publish went out; the message will be re-delivered,
			// which at-least-once allows
			r.logger.Error("failed to mark outbox message delivered",
				zap.String("event_id", msg.EventID), zap.Error(err))
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, msg *Message) error {
	return r.publisher.Publish(ctx, &eventbus.Event{
		Topic: msg.Topic(),
		Key:   msg.AggregateID,
		Value: msg.Payload,
		Headers: map[string]string{
			"event_id":       msg.EventID,
			"event_type":     msg.EventType,
			"aggregate_type": msg.AggregateType,
			"created_at":     msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		Timestamp: msg.CreatedAt,
	})
}

func (r *Relay) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := r.repo.DeleteDelivered(ctx, time.Now().Add(-r.config.CleanupRetention))
			cancel()
			if err != nil {
				r.logger.Error("outbox cleanup failed", zap.Error(err))
			} else if removed > 0 {
				r.logger.Info("outbox cleanup pruned delivered messages",
					zap.Int64("removed", removed))
			}
		}
	}
}
