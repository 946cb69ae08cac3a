package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/pipebus/internal/logger"
	"github.com/billm/pipebus/pkg/types"
)

// DefaultShutdownTimeout bounds the broker stop plus all shutdown hooks
const DefaultShutdownTimeout = 10 * time.Second

// hookTimeout bounds a single shutdown hook
const hookTimeout = 5 * time.Second

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the broker is running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates the broker and hooks are being stopped
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// ShutdownHook is a function that is called after the broker stopped
type ShutdownHook func(ctx context.Context) error

// ShutdownManager turns SIGINT and SIGTERM into an orderly broker stop.
// A signal cancels Context, which ends Broker.Run; Shutdown then stops the
// broker and runs the hooks in registration order.
type ShutdownManager struct {
	mu              sync.RWMutex
	broker          *Broker
	state           ShutdownState
	shutdownTimeout time.Duration
	hooks           []ShutdownHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	runCtx          context.Context
	runCancel       context.CancelFunc
	started         bool
	stopSignals     chan struct{}
	completionChan  chan struct{}
	shutdownReason  string
	initiatedAt     time.Time
}

// NewShutdownManager creates a new shutdown manager for b
func NewShutdownManager(b *Broker, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		broker:          b,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		logger:          log.With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		runCtx:          ctx,
		runCancel:       cancel,
		completionChan:  make(chan struct{}),
	}
}

// Start begins listening for shutdown signals
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true
	sm.stopSignals = make(chan struct{})
	sm.logger.Debug("Shutdown manager started", "timeout", sm.shutdownTimeout)

	go sm.handleSignals(sm.stopSignals)
}

// Stop stops listening for signals. It does not cancel Context.
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	close(sm.stopSignals)
	sm.started = false

	sm.logger.Debug("Shutdown manager stopped")
}

// Context is canceled once a shutdown signal arrives or Shutdown is called.
// Pass it to Broker.Run.
func (sm *ShutdownManager) Context() context.Context {
	return sm.runCtx
}

// Trigger records reason and cancels Context without stopping anything itself
func (sm *ShutdownManager) Trigger(reason string) {
	sm.mu.Lock()
	if sm.shutdownReason == "" {
		sm.shutdownReason = reason
	}
	sm.mu.Unlock()
	sm.runCancel()
}

// Shutdown stops the broker, runs the hooks and marks the shutdown complete.
// reason is only used when no signal has set one already. The returned error
// joins the broker stop failure and every failed hook.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	if sm.shutdownReason == "" {
		sm.shutdownReason = reason
	}
	reason = sm.shutdownReason
	sm.initiatedAt = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)
	sm.runCancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	sm.setState(ShutdownStateStopping)

	var errs []error
	if sm.broker != nil {
		if err := sm.broker.Stop(); err != nil {
			sm.logger.Error("Broker stop failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := sm.executeHooks(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.initiatedAt))
	return errors.Join(errs...)
}

// AddHook adds a shutdown hook that will be called during shutdown
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.hooks = append(sm.hooks, hook)
	sm.logger.Debug("Shutdown hook registered", "total_hooks", len(sm.hooks))
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// IsComplete returns true if shutdown is complete
func (sm *ShutdownManager) IsComplete() bool {
	return sm.State() == ShutdownStateComplete
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.shutdownReason
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// handleSignals cancels Context on the first shutdown signal
func (sm *ShutdownManager) handleSignals(stop <-chan struct{}) {
	for {
		select {
		case sig := <-sm.signalChan:
			sm.logger.Info("Shutdown signal received", "signal", sig)
			sm.Trigger(fmt.Sprintf("signal received: %s", sig))
		case <-stop:
			return
		}
	}
}

// executeHooks executes all registered shutdown hooks
func (sm *ShutdownManager) executeHooks(ctx context.Context) error {
	sm.mu.RLock()
	hooks := make([]ShutdownHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.RUnlock()

	sm.logger.Debug("Executing shutdown hooks", "count", len(hooks))

	var errs []error
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		err := hook(hookCtx)
		cancel()
		if err != nil {
			sm.logger.Error("Shutdown hook failed", "hook", i, "error", err)
			errs = append(errs, err)
		}

		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown hook execution canceled", "remaining", len(hooks)-i-1)
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err())
		}
	}

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure,
			fmt.Sprintf("%d of %d shutdown hooks failed", len(errs), len(hooks)), errors.Join(errs...))
	}
	return nil
}

// setState sets the shutdown state
func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", state)
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.shutdownTimeout, len(sm.hooks), sm.started)
}
