package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/pipebus/internal/config"
	"github.com/billm/pipebus/internal/logger"
	"github.com/billm/pipebus/pkg/ipc"
	"github.com/billm/pipebus/pkg/types"
)

func createTestConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Pipes.CAPPath = filepath.Join(dir, "cap")
	cfg.Pipes.ClientDir = filepath.Join(dir, "clients")
	cfg.Broker.PollInterval = 2 * time.Millisecond
	cfg.Broker.WriteTimeout = 50 * time.Millisecond
	return cfg
}

// runBroker runs a broker loop on cfg in the background. The returned
// function stops it and waits for its pipes to be released; it is also
// registered as a cleanup and may be called more than once.
func runBroker(t *testing.T, cfg *config.Config) (*ipc.Broker, func()) {
	t.Helper()

	b, err := ipc.New(cfg, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)

	require.Eventually(t, func() bool { return b.Status() == types.StatusRunning },
		time.Second, time.Millisecond)
	return b, stop
}

// startTestBroker runs a broker loop in the background for the duration of the test
func startTestBroker(t *testing.T) (*ipc.Broker, *config.Config) {
	t.Helper()
	cfg := createTestConfig(t)
	b, _ := runBroker(t, cfg)
	return b, cfg
}

func testOptions() Options {
	return Options{
		ResponseTimeout: 2 * time.Second,
		PollInterval:    2 * time.Millisecond,
		WriteTimeout:    200 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, cfg *config.Config, id string) *Client {
	t.Helper()
	c, err := New(id, cfg.Pipes.CAPPath, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func subscribedClient(t *testing.T, cfg *config.Config, id string, groups ...string) *Client {
	t.Helper()
	c := newTestClient(t, cfg, id)
	require.NoError(t, c.Subscribe(context.Background(), groups))
	return c
}

// nextMessage waits up to a second for a message
func nextMessage(t *testing.T, c *Client) *types.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := c.WaitMessage(ctx)
	require.NoError(t, err)
	return msg
}

// assertNoMessage checks that nothing is waiting for c
func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	msg, err := c.GetNextMessage()
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestNewClient(t *testing.T) {
	t.Run("generates an id", func(t *testing.T) {
		c, err := New("", "/tmp/cap", Options{})
		require.NoError(t, err)
		assert.Len(t, c.ID(), types.GeneratedClientIDLength)
		assert.NoError(t, types.ValidateClientID(c.ID()))
	})

	t.Run("rejects invalid id", func(t *testing.T) {
		_, err := New("a/b", "/tmp/cap", Options{})
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidClientID))
	})

	t.Run("rejects empty cap path", func(t *testing.T) {
		_, err := New("A", "", Options{})
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
	})

	t.Run("rejects unsupported protocol", func(t *testing.T) {
		_, err := New("A", "/tmp/cap", Options{ProtocolVersion: 3})
		assert.True(t, types.IsErrCode(err, types.ErrCodeUnsupportedVersion))
	})
}

func TestTopicsScenario(t *testing.T) {
	_, cfg := startTestBroker(t)
	a := subscribedClient(t, cfg, "A", "topicA")
	b := subscribedClient(t, cfg, "B", "topicA", "topicB")
	p := subscribedClient(t, cfg, "P")

	require.NoError(t, p.Send(context.Background(), "topicA", []byte("hello")))

	msg := nextMessage(t, a)
	assert.Equal(t, types.Message{Origin: "P", Group: "topicA", Payload: []byte("hello")}, *msg)
	msg = nextMessage(t, b)
	assert.Equal(t, "hello", string(msg.Payload))

	require.NoError(t, p.Send(context.Background(), "topicB", []byte("world")))

	msg = nextMessage(t, b)
	assert.Equal(t, "topicB", msg.Group)
	assert.Equal(t, "world", string(msg.Payload))
	assertNoMessage(t, a)
	assertNoMessage(t, p)
}

func TestUnsubscribedSend(t *testing.T) {
	broker, cfg := startTestBroker(t)
	a := subscribedClient(t, cfg, "A", "topicA")
	b := subscribedClient(t, cfg, "B", "topicA", "topicB")
	c := newTestClient(t, cfg, "C")

	require.NoError(t, c.Send(context.Background(), "topicA", []byte("ping")))

	for _, sub := range []*Client{a, b} {
		msg := nextMessage(t, sub)
		assert.Equal(t, "C", msg.Origin)
		assert.Equal(t, "ping", string(msg.Payload))
	}
	assert.NotContains(t, broker.Clients(), "C")
	assert.False(t, c.IsSubscribed())
}

func TestUnsubscribeAndResubscribe(t *testing.T) {
	broker, cfg := startTestBroker(t)
	a := subscribedClient(t, cfg, "A", "topicA")
	b := subscribedClient(t, cfg, "B", "topicA")
	p := newTestClient(t, cfg, "P")
	ctx := context.Background()

	rx := filepath.Join(cfg.Pipes.ClientDir, "A.rx")
	require.NoError(t, a.Unsubscribe(ctx))
	assert.False(t, a.IsSubscribed())
	assert.Equal(t, []string{"B"}, broker.Clients())
	_, err := os.Lstat(rx)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, p.Send(ctx, "topicA", []byte("before")))
	msg := nextMessage(t, b)
	assert.Equal(t, "before", string(msg.Payload))

	_, err = a.GetNextMessage()
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
	err = a.Unsubscribe(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))

	require.NoError(t, a.Subscribe(ctx, []string{"topicA"}))
	assertNoMessage(t, a)

	require.NoError(t, p.Send(ctx, "topicA", []byte("after")))
	msg = nextMessage(t, a)
	assert.Equal(t, "after", string(msg.Payload))
	msg = nextMessage(t, b)
	assert.Equal(t, "after", string(msg.Payload))
}

func TestResubscribeReplacesGroups(t *testing.T) {
	broker, cfg := startTestBroker(t)
	a := subscribedClient(t, cfg, "A", "old")
	ctx := context.Background()

	require.NoError(t, a.Subscribe(ctx, []string{"new", "other"}))
	assert.Equal(t, []string{"new", "other"}, a.Groups())
	assert.Equal(t, []string{"new", "other"}, broker.GroupsOf("A"))

	p := newTestClient(t, cfg, "P")
	require.NoError(t, p.Send(ctx, "old", []byte("stale")))
	require.NoError(t, p.Send(ctx, "new", []byte("fresh")))

	msg := nextMessage(t, a)
	assert.Equal(t, "fresh", string(msg.Payload))
	assertNoMessage(t, a)
}

func TestResubscribeAfterBrokerRestart(t *testing.T) {
	cfg := createTestConfig(t)
	_, stop := runBroker(t, cfg)

	a := subscribedClient(t, cfg, "A", "topicA")
	stop()

	broker, _ := runBroker(t, cfg)
	require.NoError(t, a.Subscribe(context.Background(), []string{"topicA"}))
	assert.Equal(t, []string{"A"}, broker.Clients())

	p := newTestClient(t, cfg, "P")
	require.NoError(t, p.Send(context.Background(), "topicA", []byte("after restart")))
	msg := nextMessage(t, a)
	assert.Equal(t, "after restart", string(msg.Payload))

	// The publish pipe is the new broker's too
	require.NoError(t, a.Send(context.Background(), "topicA", []byte("from A")))
	msg = nextMessage(t, a)
	assert.Equal(t, "A", msg.Origin)
	assert.Equal(t, "from A", string(msg.Payload))
}

func TestSubscribePipeCreationFailed(t *testing.T) {
	broker, cfg := startTestBroker(t)

	require.NoError(t, os.RemoveAll(cfg.Pipes.ClientDir))
	require.NoError(t, os.WriteFile(cfg.Pipes.ClientDir, nil, 0o644))

	c := newTestClient(t, cfg, "A")
	err := c.Subscribe(context.Background(), []string{"topicA"})
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodePipeCreationFailed))
	assert.False(t, c.IsSubscribed())
	assert.Empty(t, broker.Clients())
}

func TestSubscribeRejectsEmptyGroup(t *testing.T) {
	_, cfg := startTestBroker(t)
	c := newTestClient(t, cfg, "A")

	err := c.Subscribe(context.Background(), []string{""})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	err = c.Send(context.Background(), "", []byte("x"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestLargePayload(t *testing.T) {
	_, cfg := startTestBroker(t)
	a := subscribedClient(t, cfg, "A", "bulk")
	p := subscribedClient(t, cfg, "P")

	payload := make([]byte, 256<<10)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, p.Send(context.Background(), "bulk", payload))

	msg := nextMessage(t, a)
	assert.Equal(t, payload, msg.Payload)
}

func TestBrokerNotRunning(t *testing.T) {
	capPath := filepath.Join(t.TempDir(), "cap")
	c, err := New("A", capPath, testOptions())
	require.NoError(t, err)

	err = c.Subscribe(context.Background(), []string{"topicA"})
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))

	err = c.Send(context.Background(), "topicA", []byte("x"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestResponseTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Pipes.CAPPath = filepath.Join(dir, "cap")
	cfg.Pipes.ClientDir = filepath.Join(dir, "clients")

	// Started but never polled: requests are accepted and never answered.
	b, err := ipc.New(cfg, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Stop()

	opts := testOptions()
	opts.ResponseTimeout = 50 * time.Millisecond
	c, err := New("A", cfg.Pipes.CAPPath, opts)
	require.NoError(t, err)

	start := time.Now()
	err = c.Subscribe(context.Background(), []string{"topicA"})
	assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, c.IsSubscribed())
}

func TestWaitMessageCanceled(t *testing.T) {
	_, cfg := startTestBroker(t)
	a := subscribedClient(t, cfg, "A", "quiet")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	msg, err := a.WaitMessage(ctx)
	assert.Nil(t, msg)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestCloseUnsubscribes(t *testing.T) {
	broker, cfg := startTestBroker(t)
	c, err := New("A", cfg.Pipes.CAPPath, testOptions())
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(context.Background(), []string{"topicA"}))
	assert.Equal(t, []string{"A"}, broker.Clients())

	require.NoError(t, c.Close())
	assert.Empty(t, broker.Clients())
	assert.False(t, c.IsSubscribed())
	assert.NoError(t, c.Close())
}
