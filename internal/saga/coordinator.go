package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sarihammad/sagaflow/internal/participant"
	"github.com/sarihammad/sagaflow/pkg/logger"
)

// Cancellation causes, distinguished via context.Cause
var (
	errAborted  = errors.New("saga aborted by request")
	errShutdown = errors.New("coordinator shutting down")
)

// ErrUnknownDefinition is returned by Submit for an unregistered definition
var ErrUnknownDefinition = errors.New("unknown saga definition")

// ErrUnknownParticipant is returned when a step names an unregistered participant
var ErrUnknownParticipant = errors.New("unknown participant")

// Config holds coordinator configuration
type Config struct {
	// OwnerID identifies this coordinator process in leases
	OwnerID string
	// LeaseTTL is how long a lease is valid without renewal
	LeaseTTL time.Duration
	// HeartbeatInterval is how often leases of in-flight sagas are renewed
	HeartbeatInterval time.Duration
	// RecoveryScanInterval is how often expired-lease sagas are scanned for
	RecoveryScanInterval time.Duration
	// RecoveryBatchSize bounds one recovery scan
	RecoveryBatchSize int
}

// DefaultConfig returns default coordinator configuration
func DefaultConfig() *Config {
	return &Config{
		LeaseTTL:             30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		RecoveryScanInterval: 30 * time.Second,
		RecoveryBatchSize:    100,
	}
}

// SubmitOptions tunes a single submission
type SubmitOptions struct {
	// IdempotencyKey deduplicates submissions; re-submitting the same key
	// returns the original instance
	IdempotencyKey string
	// Deadline overrides the definition's forward-execution timeout
	Deadline *time.Time
}

// Coordinator drives saga instances: forward through their steps, backward
// through compensations on failure. All progress is persisted to the Store
// before and after each participant call, so a crashed coordinator can be
// resumed by another via lease takeover.
type Coordinator struct {
	config      *Config
	store       Store
	logger      *logger.Logger
	definitions map[string]*Definition
	adapters    map[string]*participant.Adapter

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	started bool

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup
	stopCh     chan struct{}
}

// NewCoordinator creates a coordinator
func NewCoordinator(store Store, config *Config) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.RecoveryScanInterval <= 0 {
		config.RecoveryScanInterval = 30 * time.Second
	}
	if config.RecoveryBatchSize <= 0 {
		config.RecoveryBatchSize = 100
	}

	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	return &Coordinator{
		config:      config,
		store:       store,
		logger:      logger.Get().With(zap.String("owner_id", config.OwnerID)),
		definitions: make(map[string]*Definition),
		adapters:    make(map[string]*participant.Adapter),
		running:     make(map[string]context.CancelCauseFunc),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		stopCh:      make(chan struct{}),
	}, nil
}

// RegisterDefinition registers a saga definition. Not safe to call after Start.
func (c *Coordinator) RegisterDefinition(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for _, step := range def.Steps {
		if _, ok := c.adapters[step.Participant]; !ok {
			return fmt.Errorf("%w: %s (step %s)", ErrUnknownParticipant, step.Participant, step.Name)
		}
	}
	c.definitions[def.ID] = def
	return nil
}

// Definition returns a registered definition by id
func (c *Coordinator) Definition(id string) (*Definition, bool) {
	def, ok := c.definitions[id]
	return def, ok
}

// RegisterParticipant registers a participant adapter under its name
func (c *Coordinator) RegisterParticipant(a *participant.Adapter) {
	c.adapters[a.Name()] = a
}

// Start launches the recovery scan loop
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.recoveryLoop()
	c.logger.Info("saga coordinator started",
		zap.Duration("lease_ttl", c.config.LeaseTTL),
		zap.Duration("heartbeat_interval", c.config.HeartbeatInterval),
		zap.Duration("recovery_scan_interval", c.config.RecoveryScanInterval),
	)
}

// Stop cancels in-flight sagas at the next persistence point, releases their
// leases and waits for drivers to exit or ctx to expire. Interrupted sagas
// are picked up by another coordinator's recovery scan.
func (c *Coordinator) Stop(ctx context.Context) error {
	close(c.stopCh)
	c.baseCancel(errShutdown)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("saga coordinator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator shutdown timed out: %w", ctx.Err())
	}
}

// Submit durably creates a saga instance and starts driving it. It returns
// once the STARTED record is persisted; execution continues asynchronously.
func (c *Coordinator) Submit(ctx context.Context, definitionID string, input []byte, opts SubmitOptions) (*Instance, error) {
	def, ok := c.definitions[definitionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, definitionID)
	}

	if opts.IdempotencyKey != "" {
		existing, err := c.store.FindByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	inst := NewInstance(def, input)
	inst.IdempotencyKey = opts.IdempotencyKey
	if opts.Deadline != nil {
		d := *opts.Deadline
		inst.DeadlineAt = &d
	}
	inst.OwnerID = c.config.OwnerID
	inst.LeaseExpiry = time.Now().Add(c.config.LeaseTTL)

	if err := c.store.Create(ctx, inst); err != nil {
		if errors.Is(err, ErrDuplicate) && opts.IdempotencyKey != "" {
			// lost a concurrent-submit race, return the winner
			return c.store.FindByIdempotencyKey(ctx, opts.IdempotencyKey)
		}
		return nil, fmt.Errorf("failed to persist saga: %w", err)
	}

	c.logger.Info("saga submitted",
		zap.String("saga_id", inst.ID),
		zap.String("definition_id", definitionID),
	)

	c.spawn(inst.Clone(), def)
	return inst, nil
}

// Status returns the current instance state
func (c *Coordinator) Status(ctx context.Context, sagaID string) (*Instance, error) {
	return c.store.Get(ctx, sagaID)
}

// Abort requests cancellation of a saga. Before the first step it transitions
// straight to aborted; during forward execution it triggers compensation of
// completed steps. Aborting a compensating or terminal saga is a no-op.
func (c *Coordinator) Abort(ctx context.Context, sagaID string) error {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() || inst.Status == StatusCompensating {
		return nil
	}

	c.mu.Lock()
	cancel, inFlight := c.running[sagaID]
	c.mu.Unlock()

	if inFlight {
		cancel(errAborted)
		return nil
	}

	// Not running here: claim and drive the abort ourselves
	claimed, err := c.store.Claim(ctx, sagaID, c.config.OwnerID, c.config.LeaseTTL)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			// a live coordinator owns it; nothing we can safely do
			return fmt.Errorf("saga %s is owned by another coordinator: %w", sagaID, err)
		}
		if errors.Is(err, ErrNotFound) {
			return nil // became terminal meanwhile
		}
		return err
	}

	def, ok := c.definitions[claimed.DefinitionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, claimed.DefinitionID)
	}

	if claimed.Status == StatusStarted {
		claimed.Status = StatusAborted
		return c.persist(ctx, claimed)
	}

	c.spawnCompensation(claimed, def)
	return nil
}

// spawn starts the forward driver goroutine for inst
func (c *Coordinator) spawn(inst *Instance, def *Definition) {
	ctx, cancel := context.WithCancelCause(c.baseCtx)
	c.mu.Lock()
	c.running[inst.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.unregister(inst.ID, cancel)
		c.drive(ctx, inst, def)
	}()
}

// spawnCompensation starts a driver that goes straight to compensation
func (c *Coordinator) spawnCompensation(inst *Instance, def *Definition) {
	ctx, cancel := context.WithCancelCause(c.baseCtx)
	c.mu.Lock()
	c.running[inst.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.unregister(inst.ID, cancel)

		stopHB := c.startHeartbeat(inst.ID, cancel)
		defer stopHB()

		from := c.lastCompletedStep(inst)
		c.compensate(ctx, inst, def, from)
	}()
}

func (c *Coordinator) unregister(sagaID string, cancel context.CancelCauseFunc) {
	cancel(nil)
	c.mu.Lock()
	delete(c.running, sagaID)
	c.mu.Unlock()
}

// drive runs forward execution from inst.CurrentStep, falling back to
// compensation on failure. inst must be lease-owned by this coordinator.
func (c *Coordinator) drive(ctx context.Context, inst *Instance, def *Definition) {
	log := c.logger.With(
		zap.String("saga_id", inst.ID),
		zap.String("definition_id", def.ID),
	)

	stopHB := c.startHeartbeat(inst.ID, c.cancelFor(inst.ID))
	defer stopHB()

	if inst.Status == StatusStarted {
		// aborted before the first participant call
		if context.Cause(ctx) == errAborted {
			inst.Status = StatusAborted
			c.mustPersist(ctx, inst, log)
			return
		}
		inst.Status = StatusRunning
		if !c.mustPersist(ctx, inst, log) {
			return
		}
	}

	for i := inst.CurrentStep; i < len(def.Steps); i++ {
		step := def.Steps[i]
		sr := &inst.StepResults[i]

		if sr.Status == StepOK {
			continue // already done, resuming past it
		}
		if sr.Status == StepFailed {
			// crashed between recording the failure and starting rollback
			c.compensate(ctx, inst, def, i-1)
			return
		}

		if inst.DeadlineAt != nil && time.Now().After(*inst.DeadlineAt) {
			log.Warn("saga deadline exceeded", zap.Int("step", i))
			sr.Status = StepFailed
			sr.ErrorKind = participant.KindTimeout
			sr.ErrorMessage = "saga deadline exceeded"
			inst.CurrentStep = i
			if !c.mustPersist(ctx, inst, log) {
				return
			}
			c.compensate(ctx, inst, def, i-1)
			return
		}

		// first write: record the step as in-flight before calling out
		now := time.Now()
		sr.StartedAt = &now
		inst.CurrentStep = i
		if !c.mustPersist(ctx, inst, log) {
			return
		}

		stepCtx := ctx
		stepCancel := context.CancelFunc(func() {})
		if inst.DeadlineAt != nil {
			stepCtx, stepCancel = context.WithDeadline(ctx, *inst.DeadlineAt)
		}

		adapter := c.adapters[step.Participant]
		res, err := adapter.InvokeWith(stepCtx, participant.InvokeRequest{
			SagaID:         inst.ID,
			Step:           step.Name,
			IdempotencyKey: participant.InvokeKey(inst.ID, i),
			Payload:        def.ProjectInput(inst.InputPayload, i),
		}, step.callOptions())
		stepCancel()

		finished := time.Now()
		sr.AttemptCount += res.Attempts
		sr.FinishedAt = &finished

		if err == nil {
			// second write: outcome and handle recorded before advancing
			sr.Status = StepOK
			if res.Response != nil {
				sr.Handle = res.Response.Handle
			}
			if !c.mustPersist(ctx, inst, log) {
				return
			}
			continue
		}

		pe := participant.Classify(err)

		// shutdown interrupts are not failures: leave the step pending for
		// the next owner to re-invoke under the same idempotency key
		if pe.Kind == participant.KindCanceled && context.Cause(ctx) == errShutdown {
			sr.StartedAt = nil
			sr.FinishedAt = nil
			c.persistAndRelease(inst, log)
			return
		}

		sr.Status = StepFailed
		sr.ErrorKind = pe.Kind
		sr.ErrorMessage = pe.Error()
		log.Warn("saga step failed",
			zap.Int("step", i),
			zap.String("step_name", step.Name),
			zap.String("error_kind", pe.Kind.String()),
			zap.Int("attempts", res.Attempts),
			zap.Error(err),
		)

		if pe.Kind == participant.KindFatalInternal {
			// invariant violation: freeze the saga for manual intervention,
			// no compensation and no automatic resume
			c.mustPersist(ctx, inst, log)
			log.Error("saga frozen on internal error", zap.Int("step", i), zap.Error(err))
			return
		}

		if !c.mustPersist(ctx, inst, log) {
			return
		}
		c.compensate(ctx, inst, def, i-1)
		return
	}

	inst.Status = StatusCompleted
	inst.CurrentStep = len(def.Steps)
	c.mustPersist(ctx, inst, log)
	log.Info("saga completed", zap.Int("steps", len(def.Steps)))
}

// compensate undoes completed steps from index `from` down to 0, in order.
// Failed compensations are recorded and the walk continues best-effort; any
// failure makes the terminal status compensation_failed.
func (c *Coordinator) compensate(ctx context.Context, inst *Instance, def *Definition, from int) {
	log := c.logger.With(
		zap.String("saga_id", inst.ID),
		zap.String("definition_id", def.ID),
	)

	inst.Status = StatusCompensating
	if from >= len(def.Steps) {
		from = len(def.Steps) - 1
	}
	inst.CurrentStep = from
	if from >= 0 {
		if !c.mustPersist(ctx, inst, log) {
			return
		}
	}

	// compensation must not be cut short by the saga deadline or an abort,
	// only by coordinator shutdown
	compCtx := c.baseCtx

	failed := false
	for j := from; j >= 0; j-- {
		step := def.Steps[j]
		sr := &inst.StepResults[j]

		switch sr.Status {
		case StepOK, StepCompensating:
			// needs compensation (or was interrupted mid-compensation)
		case StepCompensated, StepCompensationFailed:
			if sr.Status == StepCompensationFailed {
				failed = true
			}
			continue
		default:
			continue // never completed, nothing to undo
		}

		if !step.Compensable {
			sr.Status = StepCompensated
			inst.CurrentStep = j
			if !c.mustPersist(ctx, inst, log) {
				return
			}
			continue
		}

		sr.Status = StepCompensating
		inst.CurrentStep = j
		if !c.mustPersist(ctx, inst, log) {
			return
		}

		adapter := c.adapters[step.Participant]
		res, err := adapter.CompensateWith(compCtx, participant.CompensateRequest{
			SagaID:         inst.ID,
			Step:           step.Name,
			IdempotencyKey: participant.CompensateKey(inst.ID, j),
			Handle:         sr.Handle,
			Payload:        def.ProjectInput(inst.InputPayload, j),
		}, step.callOptions())
		sr.AttemptCount += res.Attempts

		if err != nil {
			pe := participant.Classify(err)

			if pe.Kind == participant.KindCanceled && context.Cause(compCtx) == errShutdown {
				// resume mid-compensation under the same idempotency key
				c.persistAndRelease(inst, log)
				return
			}

			failed = true
			sr.Status = StepCompensationFailed
			sr.ErrorKind = pe.Kind
			sr.ErrorMessage = pe.Error()
			log.Error("compensation failed",
				zap.Int("step", j),
				zap.String("step_name", step.Name),
				zap.String("error_kind", pe.Kind.String()),
				zap.Error(err),
			)
		} else {
			sr.Status = StepCompensated
		}

		if !c.mustPersist(ctx, inst, log) {
			return
		}
	}

	if failed {
		inst.Status = StatusCompensationFailed
		log.Error("saga compensation finished with failures")
	} else {
		inst.Status = StatusCompensated
		log.Info("saga compensated")
	}
	c.mustPersist(ctx, inst, log)
}

// lastCompletedStep returns the index to start compensation from
func (c *Coordinator) lastCompletedStep(inst *Instance) int {
	for i := len(inst.StepResults) - 1; i >= 0; i-- {
		switch inst.StepResults[i].Status {
		case StepOK, StepCompensating, StepCompensated, StepCompensationFailed:
			return i
		}
	}
	return -1
}

// persist writes inst through the store, refreshing the lease
func (c *Coordinator) persist(ctx context.Context, inst *Instance) error {
	// persistence must survive saga-level cancellation
	return c.store.Update(context.WithoutCancel(ctx), inst, c.config.LeaseTTL)
}

// mustPersist persists inst; on lease loss or store failure the driver must
// stop immediately, returning false. Another owner holds the saga now.
func (c *Coordinator) mustPersist(ctx context.Context, inst *Instance, log *logger.Logger) bool {
	if err := c.persist(ctx, inst); err != nil {
		log.Error("failed to persist saga state, stopping driver", zap.Error(err))
		return false
	}
	return true
}

// persistAndRelease persists state on shutdown and frees the lease so another
// coordinator can take over without waiting for expiry
func (c *Coordinator) persistAndRelease(inst *Instance, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.Update(ctx, inst, c.config.LeaseTTL); err != nil {
		log.Error("failed to persist saga state on shutdown", zap.Error(err))
		return
	}
	if err := c.store.ReleaseLease(ctx, inst.ID, c.config.OwnerID); err != nil {
		log.Warn("failed to release saga lease on shutdown", zap.Error(err))
	}
}

// startHeartbeat renews the saga's lease until the returned stop func is
// called. Losing the lease cancels the driver.
func (c *Coordinator) startHeartbeat(sagaID string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, hbCancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := c.store.ExtendLease(ctx, sagaID, c.config.OwnerID, c.config.LeaseTTL)
				hbCancel()
				if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrNotFound) {
					c.logger.Warn("saga lease lost, stopping driver",
						zap.String("saga_id", sagaID))
					if cancel != nil {
						cancel(ErrLeaseLost)
					}
					return
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

func (c *Coordinator) cancelFor(sagaID string) context.CancelCauseFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[sagaID]
}
