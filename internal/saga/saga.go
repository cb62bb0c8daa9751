package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sarihammad/sagaflow/internal/participant"
	"github.com/sarihammad/sagaflow/pkg/retry"
)

// Status represents the lifecycle state of a saga instance
type Status string

const (
	// StatusStarted means the instance is persisted but no step has run yet
	StatusStarted Status = "started"
	// StatusRunning means forward execution is in progress
	StatusRunning Status = "running"
	// StatusCompleted means every step succeeded
	StatusCompleted Status = "completed"
	// StatusCompensating means completed steps are being undone in reverse
	StatusCompensating Status = "compensating"
	// StatusCompensated means every applicable compensation succeeded
	StatusCompensated Status = "compensated"
	// StatusCompensationFailed means at least one compensation exhausted
	// its retries; manual intervention is required
	StatusCompensationFailed Status = "compensation_failed"
	// StatusAborted means the saga was aborted before its first step ran
	StatusAborted Status = "aborted"
)

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed, StatusAborted:
		return true
	}
	return false
}

// StepStatus represents the state of a single step within a saga
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepOK                 StepStatus = "ok"
	StepFailed             StepStatus = "failed"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// StepResult records the outcome of one step, persisted as part of the
// saga log row.
type StepResult struct {
	Status StepStatus `json:"status"`
	// Handle is the participant token needed for compensation
	Handle string `json:"handle,omitempty"`
	// ErrorKind is set when the step failed
	ErrorKind participant.ErrorKind `json:"error_kind,omitempty"`
	// ErrorMessage is the last error seen, for operators
	ErrorMessage string     `json:"error_message,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Instance is the durable state of one saga. It is the unit of recovery:
// everything needed to resume after a crash lives here.
type Instance struct {
	ID           string
	DefinitionID string
	Status       Status
	// CurrentStep is the index of the step being executed (forward) or
	// compensated (backward)
	CurrentStep int
	StepResults []StepResult
	InputPayload []byte
	// IdempotencyKey deduplicates submissions; empty means none
	IdempotencyKey string
	// OwnerID and LeaseExpiry implement single-writer fencing across
	// coordinator processes
	OwnerID     string
	LeaseExpiry time.Time
	// DeadlineAt, when set, bounds forward execution; compensation is
	// not subject to it
	DeadlineAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewInstance creates a started instance for the given definition
func NewInstance(def *Definition, input []byte) *Instance {
	now := time.Now()
	inst := &Instance{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		Status:       StatusStarted,
		CurrentStep:  0,
		StepResults:  make([]StepResult, len(def.Steps)),
		InputPayload: input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i := range inst.StepResults {
		inst.StepResults[i].Status = StepPending
	}
	if def.Timeout > 0 {
		d := now.Add(def.Timeout)
		inst.DeadlineAt = &d
	}
	return inst
}

// LeaseExpired reports whether the lease has lapsed at the given time
func (in *Instance) LeaseExpired(now time.Time) bool {
	return in.LeaseExpiry.Before(now)
}

// Clone returns a deep copy of the instance
func (in *Instance) Clone() *Instance {
	cp := *in
	cp.StepResults = make([]StepResult, len(in.StepResults))
	copy(cp.StepResults, in.StepResults)
	if in.InputPayload != nil {
		cp.InputPayload = make([]byte, len(in.InputPayload))
		copy(cp.InputPayload, in.InputPayload)
	}
	if in.DeadlineAt != nil {
		d := *in.DeadlineAt
		cp.DeadlineAt = &d
	}
	return &cp
}

// ProjectFunc narrows the saga input to what one step needs.
type ProjectFunc func(input []byte, stepIndex int) []byte

// StepDefinition describes one step of a saga definition.
type StepDefinition struct {
	// Name identifies the step, e.g. "reserve_inventory"
	Name string
	// Participant is the registry name of the participant adapter
	Participant string
	// Compensable is false for steps with no undo action; such steps are
	// treated as instantly compensated during rollback
	Compensable bool
	// Timeout overrides the adapter's per-attempt timeout when set
	Timeout time.Duration
	// Retry overrides the adapter's retry policy when set
	Retry *retry.Config
	// RetryableKinds overrides which error kinds the adapter retries for
	// this step
	RetryableKinds []participant.ErrorKind
	// Project narrows the saga input for this step; nil passes it through
	Project ProjectFunc
}

// callOptions returns the step's adapter overrides, nil when it carries none
func (s *StepDefinition) callOptions() *participant.CallOptions {
	if s.Timeout <= 0 && s.Retry == nil && len(s.RetryableKinds) == 0 {
		return nil
	}
	return &participant.CallOptions{
		Timeout:        s.Timeout,
		Retry:          s.Retry,
		RetryableKinds: s.RetryableKinds,
	}
}

// Definition is an ordered list of steps executed forward on success and
// compensated in strict reverse order on failure.
type Definition struct {
	// ID names the definition, e.g. "place_order"
	ID    string
	Steps []*StepDefinition
	// Timeout bounds forward execution of each instance; 0 means none
	Timeout time.Duration
}

// Validate checks the definition is well formed
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition id is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %s has no steps", d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("definition %s: step %d has no name", d.ID, i)
		}
		if step.Participant == "" {
			return fmt.Errorf("definition %s: step %s has no participant", d.ID, step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("definition %s: duplicate step name %s", d.ID, step.Name)
		}
		seen[step.Name] = true
	}
	return nil
}

// ProjectInput applies the step's projection to the saga input
func (d *Definition) ProjectInput(input []byte, stepIndex int) []byte {
	step := d.Steps[stepIndex]
	if step.Project == nil {
		return input
	}
	return step.Project(input, stepIndex)
}
