package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/execgraph/internal/logging"
	"github.com/rendis/execgraph/internal/streaming"
)

// ConsumerConfig configures the trigger consumer.
type ConsumerConfig struct {
	PoolSize       int
	Backoff        BackoffPolicy
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
}

// Consumer turns update triggers into update cycles. Cycles run on a bounded
// pool, one at a time per execution. Executions that need another pass are
// re-triggered, with backoff when the cycle failed or was contended.
type Consumer struct {
	hub      streaming.EventHub
	service  GraphService
	trigger  TriggerSink
	pool     *WorkerPool
	breakers *CircuitBreakerRegistry
	backoff  BackoffPolicy
	logger   *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
	cancel   context.CancelFunc
	done     chan struct{}
	retries  sync.WaitGroup
}

func NewConsumer(hub streaming.EventHub, service GraphService, tracker *StateTracker, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	c := &Consumer{
		hub:      hub,
		service:  service,
		trigger:  streaming.NewTrigger(hub),
		pool:     NewWorkerPool(cfg.PoolSize),
		breakers: NewCircuitBreakerRegistry(cbConfig),
		backoff:  cfg.Backoff,
		logger:   logger,
		attempts: make(map[string]int),
	}
	if tracker != nil {
		tracker.OnEnter(StateCompleted, func(id string, _, _ UpdaterState) { c.forget(id) })
	}
	return c
}

// Start subscribes to triggers and dispatches them until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	events, unsubscribe, err := c.hub.Subscribe(ctx, streaming.EventFilter{Kinds: []streaming.Kind{streaming.KindTrigger}})
	if err != nil {
		return fmt.Errorf("subscribe to triggers: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if err := c.Handle(ctx, ev.ExecutionID); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.WarnContext(ctx, "dispatch graph update",
						slog.String("execution_id", ev.ExecutionID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	c.logger.Info("graph update consumer started")
	return nil
}

// Stop halts dispatching, cancels pending retries and waits for running cycles.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.pool.Shutdown()
	c.retries.Wait()
	c.logger.Info("graph update consumer stopped")
}

// Handle schedules a cycle for executionID, coalescing with one in flight.
func (c *Consumer) Handle(ctx context.Context, executionID string) error {
	if executionID == "" {
		return nil
	}
	_, err := c.pool.Submit(ctx, executionID, func(ctx context.Context) error {
		return c.process(ctx, executionID)
	})
	return err
}

// Metrics returns the worker pool metrics.
func (c *Consumer) Metrics() PoolMetrics {
	return c.pool.Metrics()
}

// Breakers exposes the per-execution circuit breakers for diagnostics.
func (c *Consumer) Breakers() *CircuitBreakerRegistry {
	return c.breakers
}

func (c *Consumer) process(ctx context.Context, executionID string) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	if err := c.breakers.AllowRequest(executionID); err != nil {
		c.logger.DebugContext(ctx, "circuit open, trigger dropped")
		return nil
	}

	outcome := c.service.RunCycle(ctx, executionID)
	if outcome == OutcomeNoGraph {
		if _, err := c.service.BuildOrchestrationGraph(ctx, executionID); err != nil {
			c.fail(ctx, executionID, err)
			return err
		}
		outcome = c.service.RunCycle(ctx, executionID)
	}

	switch outcome {
	case OutcomeDrained:
		c.forget(executionID)
	case OutcomeMore:
		c.breakers.RecordSuccess(executionID)
		c.retry(ctx, executionID, 0)
	case OutcomeContended:
		c.retry(ctx, executionID, ComputeBackoff(c.backoff, 0))
	default:
		err := fmt.Errorf("update cycle %s", outcome)
		c.fail(ctx, executionID, err)
		return err
	}
	return nil
}

func (c *Consumer) fail(ctx context.Context, executionID string, err error) {
	if !IsRetryableError(err) {
		c.logger.ErrorContext(ctx, "graph update failed, not retrying", slog.String("error", err.Error()))
		return
	}
	if c.breakers.RecordFailure(executionID) == CircuitOpen {
		c.logger.WarnContext(ctx, "graph update keeps failing, circuit opened", slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	attempt := c.attempts[executionID]
	c.attempts[executionID] = attempt + 1
	c.mu.Unlock()
	c.retry(ctx, executionID, ComputeBackoff(c.backoff, attempt))
}

// retry re-publishes a trigger after delay unless the consumer stops first.
func (c *Consumer) retry(ctx context.Context, executionID string, delay time.Duration) {
	c.retries.Add(1)
	go func() {
		defer c.retries.Done()
		if err := WaitForBackoff(ctx, delay); err != nil {
			return
		}
		if err := c.trigger.Publish(ctx, executionID); err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "re-trigger graph update", slog.String("error", err.Error()))
		}
	}()
}

func (c *Consumer) forget(executionID string) {
	c.breakers.RecordSuccess(executionID)
	c.mu.Lock()
	delete(c.attempts, executionID)
	c.mu.Unlock()
}
