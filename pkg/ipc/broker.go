package ipc

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/billm/pipebus/internal/config"
	"github.com/billm/pipebus/internal/logger"
	"github.com/billm/pipebus/pkg/fifo"
	"github.com/billm/pipebus/pkg/metrics"
	"github.com/billm/pipebus/pkg/registry"
	"github.com/billm/pipebus/pkg/types"
	"github.com/billm/pipebus/pkg/wire"
)

// DefaultVersion is the pipebus release version
const DefaultVersion = "0.1.0"

// maxBuffered is how many undecoded bytes a pipe's stream may hold before the
// broker stops reading from it. Writers then block on the full pipe.
const maxBuffered = 64 << 10

// maxFlushRounds bounds the batches published from a pipe on UNSUBSCRIBE
const maxFlushRounds = 8

// Broker owns the control pipe, every client pipe and the subscription registry
type Broker struct {
	// passMu serializes poll passes with Start and Stop. It guards cap,
	// capStream and intakes.
	passMu sync.Mutex
	// mu guards status and stats
	mu        sync.RWMutex
	cfg       config.Config
	codec     *wire.Codec
	pipes     *fifo.Manager
	registry  *registry.Registry
	metrics   *metrics.Metrics
	logger    *logger.Logger
	cap       *fifo.Reader
	capStream *wire.Stream
	intakes   map[string]*intake
	status    types.Status
	stats     BrokerStats
}

// intake is the broker's long-lived read end of a client's .tx pipe
type intake struct {
	reader *fifo.Reader
	stream *wire.Stream
}

// Option configures optional broker collaborators
type Option func(*Broker)

// WithMetrics makes the broker report to m
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithRegistry makes the broker use r instead of a private registry
func WithRegistry(r *registry.Registry) Option {
	return func(b *Broker) {
		b.registry = r
	}
}

// New creates a broker. It touches no files until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Broker, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid broker configuration", err)
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	codec, err := wire.NewCodec(cfg.Protocol.Version)
	if err != nil {
		return nil, err
	}
	pipes, err := fifo.NewManager(log)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:      *cfg,
		codec:    codec,
		pipes:    pipes,
		registry: registry.New(),
		logger:   log.With("component", "broker"),
		intakes:  make(map[string]*intake),
		status:   types.StatusStopped,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.logger.Debug("Broker initialized",
		"cap_path", cfg.Pipes.CAPPath,
		"client_dir", cfg.Pipes.ClientDir,
		"protocol_version", cfg.Protocol.Version,
		"poll_interval", cfg.Broker.PollInterval.String())

	return b, nil
}

// Start creates the CAP and its reply pipe and opens the CAP for reading.
// Failure here is fatal: the broker cannot serve without a control pipe.
func (b *Broker) Start() error {
	b.passMu.Lock()
	defer b.passMu.Unlock()

	if b.Status() == types.StatusRunning {
		return types.NewError(types.ErrCodeFailedPrecondition, "broker is already running")
	}
	b.setStatus(types.StatusStarting)

	capPath := b.cfg.Pipes.CAPPath
	replyPath := fifo.ReplyPath(capPath)

	if err := b.pipes.EnsureDir(filepath.Dir(capPath)); err != nil {
		b.setStatus(types.StatusError)
		return err
	}
	if err := b.pipes.EnsureDir(b.cfg.Pipes.ClientDir); err != nil {
		b.setStatus(types.StatusError)
		return err
	}
	if err := b.pipes.Create(capPath); err != nil {
		b.setStatus(types.StatusError)
		return types.WrapError(types.ErrCodeUnavailable, "failed to create control pipe", err)
	}
	if err := b.pipes.Create(replyPath); err != nil {
		b.removePipe(capPath)
		b.setStatus(types.StatusError)
		return types.WrapError(types.ErrCodeUnavailable, "failed to create control reply pipe", err)
	}
	reader, err := fifo.OpenReader(capPath)
	if err != nil {
		b.removePipe(capPath)
		b.removePipe(replyPath)
		b.setStatus(types.StatusError)
		return types.WrapError(types.ErrCodeUnavailable, "failed to open control pipe", err)
	}

	b.cap = reader
	b.capStream = wire.NewStream(b.codec)
	b.setStatus(types.StatusRunning)

	b.logger.Info("Broker started", "cap_path", capPath, "client_dir", b.cfg.Pipes.ClientDir)
	return nil
}

// Stop releases the CAP, the reply pipe and the pipes of every client still
// registered. Stopping a broker that is not running is a no-op.
func (b *Broker) Stop() error {
	b.passMu.Lock()
	defer b.passMu.Unlock()

	if b.Status() != types.StatusRunning {
		return nil
	}
	b.setStatus(types.StatusStopping)

	for _, id := range b.registry.Clients() {
		sub, ok := b.registry.Deregister(id)
		if !ok {
			continue
		}
		b.releaseClientLocked(sub)
	}

	if err := b.cap.Close(); err != nil {
		b.logger.Warn("Failed to close control pipe", "error", err)
	}
	b.cap = nil
	b.capStream = nil
	b.removePipe(b.cfg.Pipes.CAPPath)
	b.removePipe(fifo.ReplyPath(b.cfg.Pipes.CAPPath))

	b.setStatus(types.StatusStopped)
	b.metrics.SetRegistrySize(0, 0)
	b.logger.Info("Broker stopped")
	return nil
}

// Status returns the broker's lifecycle status
func (b *Broker) Status() types.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Broker) setStatus(status types.Status) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

// Clients returns the sorted ids of every subscribed client
func (b *Broker) Clients() []string {
	return b.registry.Clients()
}

// GroupsOf returns the groups clientID is subscribed to, or nil for an unknown client
func (b *Broker) GroupsOf(clientID string) []string {
	groups, _ := b.registry.GroupsOf(clientID)
	return groups
}

// Stats returns a snapshot of the broker counters
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := b.stats
	stats.ActiveClients = b.registry.Len()
	stats.ActiveGroups = b.registry.GroupCount()
	return stats
}

// String returns a string representation of the broker
func (b *Broker) String() string {
	stats := b.Stats()
	return fmt.Sprintf("Broker{Status: %s, Clients: %d, Groups: %d, Delivered: %d, Failed: %d}",
		b.Status(), stats.ActiveClients, stats.ActiveGroups, stats.MessagesDelivered, stats.DeliveryFailures)
}

// releaseClientLocked closes the client's intake and removes its pipes.
// Callers hold b.passMu.
func (b *Broker) releaseClientLocked(sub registry.Subscription) {
	if in, ok := b.intakes[sub.ClientID]; ok {
		if err := in.reader.Close(); err != nil {
			b.logger.Warn("Failed to close intake pipe", "client_id", sub.ClientID, "error", err)
		}
		delete(b.intakes, sub.ClientID)
	}
	b.removePipe(sub.RxPath)
	b.removePipe(sub.TxPath)
}

// removePipe removes path, logging instead of failing
func (b *Broker) removePipe(path string) {
	if err := b.pipes.Remove(path); err != nil {
		if types.IsErrCode(err, types.ErrCodeNotFound) {
			b.logger.Debug("Pipe already gone", "path", path)
			return
		}
		b.logger.Warn("Failed to remove pipe", "path", path, "error", err)
	}
}

func (b *Broker) countProtocolError(err error) {
	b.mu.Lock()
	b.stats.ProtocolErrors++
	b.mu.Unlock()
	b.metrics.RecordProtocolError(types.GetErrorCode(err))
}

// BrokerStats represents broker statistics
type BrokerStats struct {
	ControlRequests   int64 `json:"control_requests"`
	FramesProcessed   int64 `json:"frames_processed"`
	MessagesDelivered int64 `json:"messages_delivered"`
	DeliveryFailures  int64 `json:"delivery_failures"`
	ProtocolErrors    int64 `json:"protocol_errors"`
	RejectedFrames    int64 `json:"rejected_frames"`
	Passes            int64 `json:"passes"`
	ActiveClients     int   `json:"active_clients"`
	ActiveGroups      int   `json:"active_groups"`
}

// String returns a string representation of the stats
func (s BrokerStats) String() string {
	return fmt.Sprintf("BrokerStats{Control: %d, Frames: %d, Delivered: %d, Failed: %d, ProtocolErrors: %d, Rejected: %d, Clients: %d, Groups: %d}",
		s.ControlRequests, s.FramesProcessed, s.MessagesDelivered, s.DeliveryFailures,
		s.ProtocolErrors, s.RejectedFrames, s.ActiveClients, s.ActiveGroups)
}
