// Package client is the library side of pipebus: it subscribes to groups,
// publishes messages and polls for deliveries through a running broker.
package client

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/billm/pipebus/internal/config"
	"github.com/billm/pipebus/internal/logger"
	"github.com/billm/pipebus/pkg/fifo"
	"github.com/billm/pipebus/pkg/types"
	"github.com/billm/pipebus/pkg/wire"
)

const (
	// lockRetryInterval is the pause between attempts to take the CAP lock
	lockRetryInterval = 5 * time.Millisecond
	// replyPollInterval is the pause between reads of the reply pipe
	replyPollInterval = 2 * time.Millisecond
	// readLimit bounds the bytes drained from the delivery pipe per call
	readLimit = 1 << 20
)

// Options tunes a client
type Options struct {
	ProtocolVersion uint8
	ResponseTimeout time.Duration
	PollInterval    time.Duration
	WriteTimeout    time.Duration
	Logger          *logger.Logger
}

// DefaultOptions returns the options matching the default configuration
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig derives client options from a loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ProtocolVersion: cfg.Protocol.Version,
		ResponseTimeout: cfg.Client.ResponseTimeout,
		PollInterval:    cfg.Client.PollInterval,
		WriteTimeout:    cfg.Client.WriteTimeout,
	}
}

// Client talks to the broker listening on a control pipe
type Client struct {
	mu       sync.Mutex
	id       string
	capPath  string
	opts     Options
	codec    *wire.Codec
	logger   *logger.Logger
	rx       *fifo.Reader
	rxStream *wire.Stream
	tx       *fifo.Writer
	groups   []string
}

// New creates a client. An empty id is replaced by a random one.
func New(id, capPath string, opts Options) (*Client, error) {
	if id == "" {
		id = types.GenerateClientID()
	}
	if err := types.ValidateClientID(id); err != nil {
		return nil, err
	}
	if capPath == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "cap path cannot be empty")
	}

	defaults := config.Default()
	if opts.ProtocolVersion == 0 {
		opts.ProtocolVersion = defaults.Protocol.Version
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = defaults.Client.ResponseTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.Client.PollInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.Client.WriteTimeout
	}

	codec, err := wire.NewCodec(opts.ProtocolVersion)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	return &Client{
		id:      id,
		capPath: capPath,
		opts:    opts,
		codec:   codec,
		logger:  log.With("component", "client", "client_id", id),
	}, nil
}

// ID returns the client id
func (c *Client) ID() string {
	return c.id
}

// IsSubscribed reports whether the client holds an active subscription
func (c *Client) IsSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rx != nil
}

// Groups returns the groups confirmed by the broker
func (c *Client) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.groups)
}

// Subscribe registers the client for groups and opens its pipes. An empty
// group list makes a publish-only client. Subscribing again replaces the
// group set and keeps the pipes, unless the broker recreated them (after a
// restart), in which case they are reopened.
func (c *Client) Subscribe(ctx context.Context, groups []string) error {
	for _, g := range groups {
		if err := types.ValidateGroup(g); err != nil {
			return err
		}
	}
	if groups == nil {
		groups = []string{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.request(ctx, &wire.Control{
		Operation: wire.OpSubscribe,
		ClientID:  c.id,
		Groups:    groups,
	})
	if err != nil {
		return err
	}
	if resp.Operation != wire.OpAssignPipe {
		return types.NewError(types.ErrCodeInternal,
			fmt.Sprintf("unexpected %s response to SUBSCRIBE", resp.Operation))
	}

	if c.pipesStale(resp) {
		c.closePipes()
		rx, err := fifo.OpenReader(resp.RxPath)
		if err != nil {
			return types.WrapError(types.ErrCodeUnavailable, "failed to open delivery pipe", err)
		}
		tx, err := fifo.OpenWriter(resp.TxPath)
		if err != nil {
			rx.Close()
			return types.WrapError(types.ErrCodeUnavailable, "failed to open publish pipe", err)
		}
		c.rx = rx
		c.rxStream = wire.NewStream(c.codec)
		c.tx = tx
	}
	c.groups = resp.Groups

	c.logger.Debug("Subscribed", "groups", c.groups, "rx", resp.RxPath, "tx", resp.TxPath)
	return nil
}

// Unsubscribe deregisters the client and waits for the broker's
// acknowledgement. The broker removes the client's pipes.
func (c *Client) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rx == nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "client is not subscribed")
	}

	resp, err := c.request(ctx, &wire.Control{Operation: wire.OpUnsubscribe, ClientID: c.id})
	if err != nil {
		return err
	}
	if resp.Operation != wire.OpAck {
		return types.NewError(types.ErrCodeInternal,
			fmt.Sprintf("unexpected %s response to UNSUBSCRIBE", resp.Operation))
	}

	c.closePipes()
	c.groups = nil
	c.logger.Debug("Unsubscribed")
	return nil
}

// Send publishes payload to group. A subscribed client writes into its own
// publish pipe; any other client writes into the control pipe.
func (c *Client) Send(ctx context.Context, group string, payload []byte) error {
	if err := types.ValidateGroup(group); err != nil {
		return err
	}
	frame, err := c.codec.Encode(&wire.Data{Origin: c.id, Group: group, Payload: payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		if err := c.tx.WriteAll(frame, c.opts.WriteTimeout); err != nil {
			return types.WrapError(types.ErrCodeUnavailable, "failed to publish", err)
		}
		return nil
	}

	unlock, err := c.lockCAP(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := fifo.WriteOnce(c.capPath, frame, c.opts.WriteTimeout); err != nil {
		return brokerUnavailable(err)
	}
	return nil
}

// GetNextMessage returns the next delivered message, or (nil, nil) when
// none is waiting. A frame that fails to decode is dropped and its error
// returned; the following call continues after it.
func (c *Client) GetNextMessage() (*types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rx == nil {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, "client is not subscribed")
	}
	if _, err := c.rx.Drain(c.rxStream, readLimit); err != nil {
		return nil, err
	}

	frame, err := c.rxStream.Next()
	if err != nil || frame == nil {
		return nil, err
	}
	msg, ok := frame.(*wire.Data)
	if !ok {
		return nil, types.NewError(types.ErrCodeRejected,
			fmt.Sprintf("unexpected %s frame on delivery pipe", frame.Kind()))
	}
	return &types.Message{Origin: msg.Origin, Group: msg.Group, Payload: msg.Payload}, nil
}

// WaitMessage polls GetNextMessage every PollInterval until a message
// arrives or ctx is done
func (c *Client) WaitMessage(ctx context.Context) (*types.Message, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		msg, err := c.GetNextMessage()
		if err != nil || msg != nil {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return nil, types.WrapError(types.ErrCodeCanceled, "wait for message canceled", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close unsubscribes if needed and releases the client's pipe handles
func (c *Client) Close() error {
	if c.IsSubscribed() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ResponseTimeout)
		defer cancel()
		if err := c.Unsubscribe(ctx); err != nil {
			c.logger.Warn("Failed to unsubscribe on close", "error", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closePipes()
	return nil
}

// String returns a string representation of the client
func (c *Client) String() string {
	return fmt.Sprintf("Client{ID: %s, CAP: %s, Subscribed: %v}", c.id, c.capPath, c.IsSubscribed())
}

// pipesStale reports whether the open pipes are not the ones resp assigns.
// A restarted broker recreates the pipes under the same paths.
func (c *Client) pipesStale(resp *wire.Control) bool {
	if c.rx == nil || c.tx == nil || c.rx.Path() != resp.RxPath || c.tx.Path() != resp.TxPath {
		return true
	}
	for _, h := range []interface{ Replaced() (bool, error) }{c.rx, c.tx} {
		if gone, err := h.Replaced(); err != nil || gone {
			return true
		}
	}
	return false
}

// closePipes releases the rx and tx handles. Callers hold c.mu.
func (c *Client) closePipes() {
	if c.rx != nil {
		c.rx.Close()
		c.rx = nil
		c.rxStream = nil
	}
	if c.tx != nil {
		c.tx.Close()
		c.tx = nil
	}
}
