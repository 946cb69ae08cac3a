package ipc

import (
	"fmt"
	"time"

	"github.com/billm/pipebus/pkg/fifo"
	"github.com/billm/pipebus/pkg/types"
	"github.com/billm/pipebus/pkg/wire"
)

// ClientError pairs a failure with the client it concerns
type ClientError struct {
	ClientID string
	Err      error
}

// Error implements error
func (e ClientError) Error() string {
	return fmt.Sprintf("client %s: %v", e.ClientID, e.Err)
}

// Unwrap returns the underlying error
func (e ClientError) Unwrap() error {
	return e.Err
}

// Publish delivers payload from origin to every current subscriber of group,
// including origin itself when it is subscribed. It returns the number of
// subscribers reached and one ClientError per subscriber that could not be.
// A group without subscribers yields zero and no errors.
func (b *Broker) Publish(origin, group string, payload []byte) (int, []ClientError) {
	b.passMu.Lock()
	defer b.passMu.Unlock()
	return b.publish(origin, group, payload)
}

// publish is Publish for callers already holding b.passMu
func (b *Broker) publish(origin, group string, payload []byte) (int, []ClientError) {
	subscribers := b.registry.SubscribersOf(group)
	if len(subscribers) == 0 {
		return 0, nil
	}

	start := time.Now()
	frame, err := b.codec.Encode(&wire.Data{Origin: origin, Group: group, Payload: payload})
	if err != nil {
		return 0, []ClientError{{ClientID: origin, Err: types.WrapError(types.ErrCodeInvalidArgument, "failed to encode message", err)}}
	}

	delivered := 0
	var failures []ClientError
	for _, id := range subscribers {
		sub, ok := b.registry.Get(id)
		if !ok {
			continue
		}
		if err := fifo.WriteOnce(sub.RxPath, frame, b.cfg.Broker.WriteTimeout); err != nil {
			failures = append(failures, ClientError{ClientID: id, Err: err})
			continue
		}
		delivered++
	}

	b.mu.Lock()
	b.stats.MessagesDelivered += int64(delivered)
	b.stats.DeliveryFailures += int64(len(failures))
	b.mu.Unlock()
	b.metrics.RecordPublish(delivered, len(failures), time.Since(start))

	return delivered, failures
}
