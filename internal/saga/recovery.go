package saga

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sarihammad/sagaflow/internal/participant"
)

// recoveryLoop periodically scans for non-terminal sagas whose lease has
// expired, claims them and resumes their drivers. Idempotency keys make
// re-invocation of an interrupted step safe.
func (c *Coordinator) recoveryLoop() {
	defer c.wg.Done()

	// sagas abandoned by a previous owner are picked up on start, not after
	// the first full interval
	c.recoverExpired()

	ticker := time.NewTicker(c.config.RecoveryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.recoverExpired()
		}
	}
}

// recoverExpired runs one recovery scan
func (c *Coordinator) recoverExpired() {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.config.RecoveryScanInterval)
	defer cancel()

	expired, err := c.store.ListExpired(ctx, time.Now(), c.config.RecoveryBatchSize)
	if err != nil {
		c.logger.Error("recovery scan failed", zap.Error(err))
		return
	}
	if len(expired) == 0 {
		return
	}

	c.logger.Info("recovery scan found abandoned sagas", zap.Int("count", len(expired)))

	for _, inst := range expired {
		if c.isRunning(inst.ID) {
			continue
		}

		claimed, err := c.store.Claim(ctx, inst.ID, c.config.OwnerID, c.config.LeaseTTL)
		if err != nil {
			// raced with another coordinator or the saga finished
			if !errors.Is(err, ErrLeaseHeld) && !errors.Is(err, ErrNotFound) {
				c.logger.Error("failed to claim saga",
					zap.String("saga_id", inst.ID), zap.Error(err))
			}
			continue
		}
		c.resume(claimed)
	}
}

// resume restarts the driver for a claimed instance based on where it stopped
func (c *Coordinator) resume(inst *Instance) {
	def, ok := c.definitions[inst.DefinitionID]
	if !ok {
		c.logger.Error("cannot resume saga: definition not registered",
			zap.String("saga_id", inst.ID),
			zap.String("definition_id", inst.DefinitionID),
		)
		return
	}

	if c.isFrozen(inst) {
		// frozen on an internal error, operators resolve it manually
		return
	}

	c.logger.Info("resuming saga",
		zap.String("saga_id", inst.ID),
		zap.String("status", string(inst.Status)),
		zap.Int("current_step", inst.CurrentStep),
	)

	switch inst.Status {
	case StatusStarted, StatusRunning:
		c.spawn(inst, def)
	case StatusCompensating:
		c.spawnCompensation(inst, def)
	}
}

// isFrozen reports whether the saga stopped on an internal error and must
// not be resumed automatically
func (c *Coordinator) isFrozen(inst *Instance) bool {
	if inst.Status != StatusRunning {
		return false
	}
	if inst.CurrentStep < 0 || inst.CurrentStep >= len(inst.StepResults) {
		return false
	}
	sr := inst.StepResults[inst.CurrentStep]
	return sr.Status == StepFailed && sr.ErrorKind == participant.KindFatalInternal
}

func (c *Coordinator) isRunning(sagaID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[sagaID]
	return ok
}
