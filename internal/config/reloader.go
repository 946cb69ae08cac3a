package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	// ReloadStateIdle indicates the reloader is idle
	ReloadStateIdle ReloadState = "idle"
	// ReloadStateReloading indicates a reload is in progress
	ReloadStateReloading ReloadState = "reloading"
	// ReloadStateStopped indicates the reloader is stopped
	ReloadStateStopped ReloadState = "stopped"
)

const reloadTimeout = 30 * time.Second

// ReloadCallback is called with the freshly loaded configuration.
// Pipe locations and the protocol version are fixed for the broker's lifetime,
// so callbacks only apply the settings that can change at runtime.
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader re-reads the configuration file on SIGHUP
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	overrides     OverrideOptions
	currentConfig *Config
	state         ReloadState
	signalChan    chan os.Signal
	cancel        context.CancelFunc
	done          chan struct{}
	callbacks     []ReloadCallback
	log           *slog.Logger
}

// NewReloader creates a new config reloader. The overrides given on the
// command line are reapplied after every reload so flags keep precedence.
func NewReloader(configPath string, initialConfig *Config, overrides OverrideOptions, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	return &Reloader{
		configPath:    configPath,
		overrides:     overrides,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		signalChan:    make(chan os.Signal, 1),
		log:           log.With("component", "config_reloader"),
	}
}

// Start begins listening for SIGHUP signals
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = ReloadStateIdle

	signal.Notify(r.signalChan, syscall.SIGHUP)
	r.log.Info("Config reloader started", "config_path", r.configPath)

	go r.handleSignals(ctx, r.done)
}

// Stop stops signal handling and waits for the handler goroutine to exit
func (r *Reloader) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	signal.Stop(r.signalChan)
	r.cancel()
	r.cancel = nil
	done := r.done
	r.state = ReloadStateStopped
	r.mu.Unlock()

	<-done
	r.log.Info("Config reloader stopped")
}

// Reload loads the configuration again and runs the registered callbacks.
// A concurrent reload is skipped rather than queued.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.log.Debug("Reload already in progress, skipping")
		return nil
	}
	r.state = ReloadStateReloading
	r.mu.Unlock()

	r.log.Info("Configuration reload initiated", "config_path", r.configPath)

	newConfig, err := Load(r.configPath)
	if err == nil {
		newConfig.ApplyOverrides(r.overrides)
		err = newConfig.Validate()
	}
	if err != nil {
		r.setState(ReloadStateIdle)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := r.executeCallbacks(ctx, newConfig); err != nil {
		r.setState(ReloadStateIdle)
		return fmt.Errorf("reload callbacks failed: %w", err)
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	r.state = ReloadStateIdle
	r.mu.Unlock()

	r.log.Info("Configuration reloaded")
	return nil
}

// AddCallback adds a callback that will be called when config is reloaded
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reloader) handleSignals(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case sig := <-r.signalChan:
			r.log.Info("Reload signal received", "signal", sig.String())
			reloadCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
			if err := r.Reload(reloadCtx); err != nil {
				r.log.Error("Configuration reload failed", "error", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reloader) executeCallbacks(ctx context.Context, newConfig *Config) error {
	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			r.log.Error("Reload callback failed", "callback", i, "error", err)
			return err
		}
	}
	return nil
}

func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d}",
		r.state, r.configPath, len(r.callbacks))
}
