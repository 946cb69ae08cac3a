package ipc

import (
	"fmt"

	"github.com/billm/pipebus/pkg/fifo"
	"github.com/billm/pipebus/pkg/types"
	"github.com/billm/pipebus/pkg/wire"
)

// ProcessOnce drains up to one batch of data frames from each subscribed
// client's intake pipe and publishes them. It returns the number of frames
// published and the failures met along the way, each paired with the client
// it concerns: the sender for unreadable or rejected frames, the subscriber
// for failed deliveries.
func (b *Broker) ProcessOnce() (int, []ClientError) {
	b.passMu.Lock()
	defer b.passMu.Unlock()

	processed := 0
	var errs []ClientError
	for _, id := range b.registry.Clients() {
		in, ok := b.intakes[id]
		if !ok {
			continue
		}
		n, clientErrs := b.drainIntake(id, in)
		processed += n
		errs = append(errs, clientErrs...)
	}
	return processed, errs
}

func (b *Broker) drainIntake(id string, in *intake) (int, []ClientError) {
	if _, err := fill(in.reader, in.stream); err != nil {
		return 0, []ClientError{{ClientID: id, Err: err}}
	}

	processed := 0
	var errs []ClientError
	for i := 0; i < b.cfg.Broker.DataBatchSize; i++ {
		frame, err := in.stream.Next()
		if err != nil {
			b.countProtocolError(err)
			errs = append(errs, ClientError{ClientID: id, Err: err})
			continue
		}
		if frame == nil {
			break
		}

		msg, ok := frame.(*wire.Data)
		if !ok {
			errs = append(errs, b.reject(id, fmt.Sprintf("%s frame on intake pipe", frame.Kind())))
			continue
		}
		if msg.Origin != id {
			errs = append(errs, b.reject(id, fmt.Sprintf("origin %q does not own this pipe", msg.Origin)))
			continue
		}

		b.mu.Lock()
		b.stats.FramesProcessed++
		b.mu.Unlock()
		b.metrics.RecordFrame()
		processed++

		_, failures := b.publish(id, msg.Group, msg.Payload)
		errs = append(errs, failures...)
	}
	return processed, errs
}

// flushIntake publishes what is still waiting in a client's intake pipe,
// at most maxFlushRounds batches. UNSUBSCRIBE calls it before the pipe is
// released; anything beyond that is dropped with the pipe.
func (b *Broker) flushIntake(id string) {
	in, ok := b.intakes[id]
	if !ok {
		return
	}
	for round := 0; round < maxFlushRounds; round++ {
		n, errs := b.drainIntake(id, in)
		for _, e := range errs {
			b.logger.Warn("Could not process request", "client_id", e.ClientID, "error", e.Err)
		}
		if n == 0 {
			return
		}
	}
	b.logger.Warn("Dropped unflushed intake on unsubscribe",
		"client_id", id, "buffered_bytes", in.stream.Buffered())
}

// fill reads from r into s until s holds maxBuffered bytes. A frame larger
// than that is still read whole, one pass at a time.
func fill(r *fifo.Reader, s *wire.Stream) (int, error) {
	limit := maxBuffered - s.Buffered()
	if m := s.Missing(); limit < m {
		limit = m
	}
	if limit <= 0 {
		return 0, nil
	}
	return r.Drain(s, limit)
}

func (b *Broker) reject(id, reason string) ClientError {
	b.mu.Lock()
	b.stats.RejectedFrames++
	b.mu.Unlock()
	b.metrics.RecordProtocolError(types.ErrCodeRejected)
	return ClientError{ClientID: id, Err: types.NewError(types.ErrCodeRejected, reason)}
}
