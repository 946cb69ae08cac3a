package client

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	"github.com/billm/pipebus/pkg/fifo"
	"github.com/billm/pipebus/pkg/types"
	"github.com/billm/pipebus/pkg/wire"
)

// request sends req on the control pipe and waits for the response addressed
// to this client. The CAP lock is held for the whole exchange so no other
// client reads the reply pipe meanwhile. Callers hold c.mu.
func (c *Client) request(ctx context.Context, req *wire.Control) (*wire.Control, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ResponseTimeout)
	defer cancel()

	data, err := c.codec.Encode(req)
	if err != nil {
		return nil, err
	}

	unlock, err := c.lockCAP(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The reply reader must exist before the request is written, or the
	// broker finds nobody to answer.
	reply, err := fifo.OpenReader(fifo.ReplyPath(c.capPath))
	if err != nil {
		return nil, brokerUnavailable(err)
	}
	defer reply.Close()

	stream := wire.NewStream(c.codec)
	if _, err := reply.Drain(stream, 0); err != nil {
		return nil, err
	}
	if stream.Buffered() > 0 {
		c.logger.Debug("Discarded stale bytes on reply pipe", "bytes", stream.Buffered())
		stream.Reset()
	}

	if err := fifo.WriteOnce(c.capPath, data, c.opts.WriteTimeout); err != nil {
		return nil, brokerUnavailable(err)
	}

	ticker := time.NewTicker(replyPollInterval)
	defer ticker.Stop()
	for {
		if _, err := reply.Drain(stream, 0); err != nil {
			return nil, err
		}
		for {
			frame, err := stream.Next()
			if err != nil {
				c.logger.Warn("Discarded frame on reply pipe", "error", err)
				continue
			}
			if frame == nil {
				break
			}
			resp, ok := frame.(*wire.Control)
			if !ok || resp.ClientID != req.ClientID {
				c.logger.Debug("Discarded reply addressed to another client")
				continue
			}
			if resp.Operation == wire.OpError {
				return nil, responseError(resp)
			}
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, types.WrapError(types.ErrCodeTimeout,
				"no response from broker to "+req.Operation.String(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// lockCAP takes the advisory lock that serializes writers of the control pipe
func (c *Client) lockCAP(ctx context.Context) (func(), error) {
	lock := flock.New(fifo.LockPath(c.capPath))
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapError(types.ErrCodeTimeout, "timed out waiting for the control pipe lock", err)
		}
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to lock the control pipe", err)
	}
	if !locked {
		return nil, types.NewError(types.ErrCodeTimeout, "timed out waiting for the control pipe lock")
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			c.logger.Warn("Failed to release the control pipe lock", "error", err)
		}
	}, nil
}

// responseError maps an ERROR response onto the shared error codes
func responseError(resp *wire.Control) error {
	code := types.ErrCodeInternal
	switch resp.ErrorCode {
	case wire.ErrorPipeCreationFailed:
		code = types.ErrCodePipeCreationFailed
	case wire.ErrorUnknownOperation:
		code = types.ErrCodeUnknownOperation
	case wire.ErrorInvalidClientID:
		code = types.ErrCodeInvalidClientID
	case wire.ErrorInvalidGroup:
		code = types.ErrCodeInvalidArgument
	}
	message := "broker answered " + resp.ErrorCode.String()
	if resp.Message != "" {
		message += ": " + resp.Message
	}
	return types.NewError(code, message)
}

func brokerUnavailable(err error) error {
	return types.WrapError(types.ErrCodeUnavailable, "broker is not running", err)
}
