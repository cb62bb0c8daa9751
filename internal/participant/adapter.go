package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sarihammad/sagaflow/pkg/logger"
	"github.com/sarihammad/sagaflow/pkg/retry"
)

// InvokeRequest carries a forward-step invocation to a participant.
type InvokeRequest struct {
	// SagaID identifies the owning saga
	SagaID string
	// Step is the step name, e.g. "reserve_inventory"
	Step string
	// IdempotencyKey is stable across retries and crash-recovery re-invocations
	IdempotencyKey string
	// Payload is the saga input projected for this step
	Payload []byte
}

// InvokeResponse is a successful forward-step result.
type InvokeResponse struct {
	// Handle is an opaque token the participant needs to compensate later,
	// e.g. a reservation id
	Handle string
	// Result carries optional participant output
	Result []byte
}

// CompensateRequest carries a compensation call to a participant.
type CompensateRequest struct {
	SagaID         string
	Step           string
	IdempotencyKey string
	// Handle is the token returned by the original invocation
	Handle string
	// Payload is the saga input projected for this step
	Payload []byte
}

// Service is the contract a participant implements. Implementations must be
// idempotent on IdempotencyKey: a repeated call with the same key returns the
// original outcome without re-applying the effect.
type Service interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)
	Compensate(ctx context.Context, req CompensateRequest) error
}

// CallResult is the adapter-level outcome of an invoke or compensate call.
type CallResult struct {
	Response *InvokeResponse
	// Attempts is the number of attempts made including the successful one
	Attempts int
}

// CallOptions overrides parts of the adapter configuration for one call.
// Zero fields keep the adapter's defaults.
type CallOptions struct {
	// Timeout overrides the per-attempt timeout
	Timeout time.Duration
	// Retry overrides the backoff policy
	Retry *retry.Config
	// RetryableKinds overrides the error kinds worth retrying
	RetryableKinds []ErrorKind
}

// AdapterConfig holds resilience configuration for one participant.
type AdapterConfig struct {
	// CallTimeout bounds each individual attempt
	CallTimeout time.Duration
	// Retry configures backoff between attempts
	Retry *retry.Config
	// Breaker configures the circuit breaker; nil disables it
	Breaker *BreakerConfig
	// MaxConcurrent is the bulkhead size; 0 uses the default
	MaxConcurrent int
	// RetryableKinds lists the error kinds worth retrying. Defaults to
	// transient, timeout and unavailable.
	RetryableKinds []ErrorKind
}

// DefaultAdapterConfig returns default adapter configuration
func DefaultAdapterConfig() *AdapterConfig {
	return &AdapterConfig{
		CallTimeout:    5 * time.Second,
		Retry:          retry.DefaultConfig(),
		Breaker:        DefaultBreakerConfig(),
		MaxConcurrent:  32,
		RetryableKinds: []ErrorKind{KindTransient, KindTimeout, KindUnavailable},
	}
}

// Adapter wraps a participant Service with retry, per-attempt timeout,
// circuit breaking and a bulkhead. The wrappers are explicit and composed
// in a fixed order: bulkhead admission covers the whole call, the breaker
// and timeout apply per attempt.
type Adapter struct {
	name     string
	service  Service
	config   *AdapterConfig
	retrier  *retry.Retrier
	breaker  *Breaker
	bulkhead *Bulkhead
	logger   *logger.Logger
}

// NewAdapter creates an adapter around a participant service
func NewAdapter(name string, service Service, config *AdapterConfig) *Adapter {
	if config == nil {
		config = DefaultAdapterConfig()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 5 * time.Second
	}
	if len(config.RetryableKinds) == 0 {
		config.RetryableKinds = []ErrorKind{KindTransient, KindTimeout, KindUnavailable}
	}

	a := &Adapter{
		name:     name,
		service:  service,
		config:   config,
		retrier:  retry.New(config.Retry),
		bulkhead: NewBulkhead(config.MaxConcurrent),
		logger:   logger.Get().With(zap.String("participant", name)),
	}
	if config.Breaker != nil {
		a.breaker = NewBreaker(config.Breaker)
	}
	return a
}

// Name returns the participant name
func (a *Adapter) Name() string {
	return a.name
}

// Invoke executes a forward step through the resilience stack.
func (a *Adapter) Invoke(ctx context.Context, req InvokeRequest) (*CallResult, error) {
	return a.InvokeWith(ctx, req, nil)
}

// InvokeWith executes a forward step with per-call configuration overrides.
func (a *Adapter) InvokeWith(ctx context.Context, req InvokeRequest, opts *CallOptions) (*CallResult, error) {
	var resp *InvokeResponse
	attempts, err := a.call(ctx, req.Step, opts, func(attemptCtx context.Context) error {
		r, callErr := a.service.Invoke(attemptCtx, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return &CallResult{Attempts: attempts}, err
	}
	return &CallResult{Response: resp, Attempts: attempts}, nil
}

// Compensate executes a compensation call through the resilience stack.
func (a *Adapter) Compensate(ctx context.Context, req CompensateRequest) (*CallResult, error) {
	return a.CompensateWith(ctx, req, nil)
}

// CompensateWith executes a compensation call with per-call overrides.
func (a *Adapter) CompensateWith(ctx context.Context, req CompensateRequest, opts *CallOptions) (*CallResult, error) {
	attempts, err := a.call(ctx, req.Step, opts, func(attemptCtx context.Context) error {
		return a.service.Compensate(attemptCtx, req)
	})
	return &CallResult{Attempts: attempts}, err
}

// call runs op through bulkhead, retry, breaker and per-attempt timeout,
// returning the attempt count and a classified error.
func (a *Adapter) call(ctx context.Context, step string, opts *CallOptions, op func(context.Context) error) (int, error) {
	timeout := a.config.CallTimeout
	retrier := a.retrier
	kinds := a.config.RetryableKinds
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.Retry != nil {
			retrier = retry.New(opts.Retry)
		}
		if len(opts.RetryableKinds) > 0 {
			kinds = opts.RetryableKinds
		}
	}

	if err := a.bulkhead.Acquire(ctx); err != nil {
		if errors.Is(err, ErrBulkheadFull) {
			return 0, &Error{Kind: KindUnavailable, Code: "BULKHEAD_FULL",
				Message: fmt.Sprintf("%s: too many in-flight calls", a.name), Cause: err}
		}
		return 0, Classify(err)
	}
	defer a.bulkhead.Release()

	result := retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		if a.breaker != nil {
			if err := a.breaker.Allow(); err != nil {
				return retry.Retryable(&Error{Kind: KindUnavailable, Code: "BREAKER_OPEN",
					Message: fmt.Sprintf("%s: circuit open", a.name), Cause: err})
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			a.recordBreaker(nil)
			return nil
		}

		pe := Classify(err)
		a.recordBreaker(pe)

		if pe.Kind == KindCanceled && ctx.Err() != nil {
			// caller cancellation, not a participant fault
			return retry.Permanent(pe)
		}
		if retryableKind(kinds, pe.Kind) {
			return retry.Retryable(pe)
		}
		return retry.Permanent(pe)
	}, func(attempt int, err error, next time.Duration) {
		a.logger.Warn("participant call failed, retrying",
			zap.String("step", step),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})

	if result.Err == nil {
		return result.Attempts, nil
	}

	// the retrier reports an interrupted attempt or backoff wait with its
	// own sentinel; the kind must come from the context, not from the last
	// attempt's error
	if errors.Is(result.Err, retry.ErrContextCanceled) {
		cause := context.Cause(ctx)
		if cause == nil {
			cause = context.Canceled
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			return result.Attempts, &Error{Kind: KindTimeout,
				Message: fmt.Sprintf("%s: deadline exceeded", a.name), Cause: cause}
		}
		return result.Attempts, &Error{Kind: KindCanceled,
			Message: fmt.Sprintf("%s: call canceled", a.name), Cause: cause}
	}

	last := result.LastError
	if last == nil {
		last = result.Err
	}
	return result.Attempts, Classify(last)
}

// recordBreaker feeds the breaker. Business rejections and caller
// cancellations are clean responses from the transport's point of view.
func (a *Adapter) recordBreaker(pe *Error) {
	if a.breaker == nil {
		return
	}
	if pe == nil {
		a.breaker.Record(false)
		return
	}
	switch pe.Kind {
	case KindBusiness, KindCanceled, KindFatalInternal:
		a.breaker.Record(false)
	case KindUnavailable:
		if pe.Code == "BREAKER_OPEN" {
			return // rejected before reaching the participant
		}
		a.breaker.Record(true)
	default:
		a.breaker.Record(true)
	}
}

func retryableKind(kinds []ErrorKind, kind ErrorKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// InvokeKey builds the idempotency key for a forward step.
func InvokeKey(sagaID string, stepIndex int) string {
	return fmt.Sprintf("%s:%d", sagaID, stepIndex)
}

// CompensateKey builds the idempotency key for a compensation call.
func CompensateKey(sagaID string, stepIndex int) string {
	return fmt.Sprintf("%s:%d:C", sagaID, stepIndex)
}
