package ipc

import (
	"errors"
	"fmt"

	"github.com/billm/pipebus/pkg/fifo"
	"github.com/billm/pipebus/pkg/registry"
	"github.com/billm/pipebus/pkg/types"
	"github.com/billm/pipebus/pkg/wire"
)

// ProcessCAPOnce drains one batch of requests from the control pipe and
// answers each of them. It returns the number of requests handled and the
// joined errors of frames that had to be discarded.
func (b *Broker) ProcessCAPOnce() (int, error) {
	b.passMu.Lock()
	defer b.passMu.Unlock()

	if b.cap == nil {
		return 0, types.NewError(types.ErrCodeUnavailable, "broker is not running")
	}

	if _, err := fill(b.cap, b.capStream); err != nil {
		return 0, types.WrapError(types.ErrCodeUnavailable, "failed to read control pipe", err)
	}

	handled := 0
	var errs []error
	for i := 0; i < b.cfg.Broker.CAPBatchSize; i++ {
		frame, err := b.capStream.Next()
		if err != nil {
			b.countProtocolError(err)
			b.logger.Warn("Discarded frame on control pipe", "error", err)
			errs = append(errs, err)
			continue
		}
		if frame == nil {
			break
		}

		switch f := frame.(type) {
		case *wire.Control:
			b.handleControl(f)
		case *wire.Data:
			if err := b.handleUnsubscribedPublish(f); err != nil {
				b.logger.Warn("Rejected frame on control pipe", "origin", f.Origin, "error", err)
				errs = append(errs, err)
			}
		}
		handled++
	}

	return handled, errors.Join(errs...)
}

// handleControl applies one control request and writes the response
func (b *Broker) handleControl(req *wire.Control) {
	var resp *wire.Control
	switch req.Operation {
	case wire.OpSubscribe:
		resp = b.subscribe(req)
	case wire.OpUnsubscribe:
		resp = b.unsubscribe(req)
	default:
		b.logger.Warn("Unknown control operation", "client_id", req.ClientID, "operation", req.Operation.String())
		resp = errorResponse(req.ClientID, wire.ErrorUnknownOperation,
			fmt.Sprintf("operation %s is not a request", req.Operation))
	}

	outcome := "ok"
	if resp.Operation == wire.OpError {
		outcome = resp.ErrorCode.String()
	}
	b.mu.Lock()
	b.stats.ControlRequests++
	b.mu.Unlock()
	b.metrics.RecordControlRequest(req.Operation.String(), outcome)

	b.reply(resp)
}

// subscribe registers a client, creating its pipes unless it is already
// registered, in which case only its group set is replaced.
func (b *Broker) subscribe(req *wire.Control) *wire.Control {
	id := req.ClientID
	if err := types.ValidateClientID(id); err != nil {
		b.logger.Warn("Rejected subscription", "client_id", id, "error", err)
		return errorResponse(id, wire.ErrorInvalidClientID, err.Error())
	}
	for _, g := range req.Groups {
		if err := types.ValidateGroup(g); err != nil {
			b.logger.Warn("Rejected subscription", "client_id", id, "error", err)
			return errorResponse(id, wire.ErrorInvalidGroup, err.Error())
		}
	}

	if existing, ok := b.registry.Get(id); ok {
		existing.Groups = req.Groups
		b.registry.Register(existing)
		groups, _ := b.registry.GroupsOf(id)
		b.logger.Info("Client re-subscribed", "client_id", id, "groups", groups)
		return assignResponse(id, groups, existing.RxPath, existing.TxPath)
	}

	rx, tx, err := b.createClientPipes(id)
	if err != nil {
		b.logger.Error("Could not create client pipes", "client_id", id, "error", err)
		return errorResponse(id, wire.ErrorPipeCreationFailed, err.Error())
	}

	reader, err := fifo.OpenReader(tx)
	if err != nil {
		b.removePipe(rx)
		b.removePipe(tx)
		b.logger.Error("Could not open client intake pipe", "client_id", id, "error", err)
		return errorResponse(id, wire.ErrorPipeCreationFailed, err.Error())
	}
	b.intakes[id] = &intake{reader: reader, stream: wire.NewStream(b.codec)}

	b.registry.Register(registry.Subscription{
		ClientID: id,
		Groups:   req.Groups,
		RxPath:   rx,
		TxPath:   tx,
	})
	groups, _ := b.registry.GroupsOf(id)
	b.logger.Info("Client subscribed", "client_id", id, "groups", groups)

	return assignResponse(id, groups, rx, tx)
}

// createClientPipes makes fresh rx and tx pipes for id. Leftovers from an
// earlier run are replaced. On failure nothing is left behind.
func (b *Broker) createClientPipes(id string) (string, string, error) {
	if err := b.pipes.EnsureDir(b.cfg.Pipes.ClientDir); err != nil {
		return "", "", err
	}
	rx, tx := fifo.ClientPipePaths(b.cfg.Pipes.ClientDir, id)
	for _, path := range []string{rx, tx} {
		if isPipe, err := fifo.IsFIFO(path); err == nil && isPipe {
			b.removePipe(path)
		}
	}

	if err := b.pipes.Create(rx); err != nil {
		return "", "", err
	}
	if err := b.pipes.Create(tx); err != nil {
		b.removePipe(rx)
		return "", "", err
	}
	return rx, tx, nil
}

// unsubscribe drops a client and its pipes. Frames the client published
// before asking to leave are delivered first. Unknown clients are
// acknowledged without changes.
func (b *Broker) unsubscribe(req *wire.Control) *wire.Control {
	b.flushIntake(req.ClientID)
	sub, ok := b.registry.Deregister(req.ClientID)
	if !ok {
		b.logger.Debug("Unsubscribe for unknown client", "client_id", req.ClientID)
		return &wire.Control{Operation: wire.OpAck, ClientID: req.ClientID}
	}
	b.releaseClientLocked(sub)
	b.logger.Info("Client unsubscribed", "client_id", sub.ClientID)
	return &wire.Control{Operation: wire.OpAck, ClientID: sub.ClientID}
}

// handleUnsubscribedPublish routes a data frame that a client without a
// subscription wrote into the control pipe. Subscribed clients publish
// through their own intake pipe, so their ids are not accepted here.
func (b *Broker) handleUnsubscribedPublish(msg *wire.Data) error {
	if err := types.ValidateClientID(msg.Origin); err != nil {
		return b.reject(msg.Origin, "invalid origin on control pipe: "+err.Error()).Err
	}
	if _, ok := b.registry.Get(msg.Origin); ok {
		return b.reject(msg.Origin, fmt.Sprintf("origin %q is subscribed and must use its intake pipe", msg.Origin)).Err
	}

	b.mu.Lock()
	b.stats.FramesProcessed++
	b.mu.Unlock()
	b.metrics.RecordFrame()

	delivered, failures := b.publish(msg.Origin, msg.Group, msg.Payload)
	b.logger.Debug("Published from control pipe",
		"origin", msg.Origin, "group", msg.Group, "delivered", delivered)
	for _, f := range failures {
		b.logger.Warn("Delivery failed", "client_id", f.ClientID, "group", msg.Group, "error", f.Err)
	}
	return nil
}

// reply writes resp to the reply pipe. A client that gave up waiting leaves
// no reader behind, which is logged and otherwise ignored.
func (b *Broker) reply(resp *wire.Control) {
	data, err := b.codec.Encode(resp)
	if err != nil {
		b.logger.Error("Failed to encode control response", "client_id", resp.ClientID, "error", err)
		return
	}
	replyPath := fifo.ReplyPath(b.cfg.Pipes.CAPPath)
	if err := fifo.WriteOnce(replyPath, data, b.cfg.Broker.WriteTimeout); err != nil {
		b.logger.Warn("Could not deliver control response",
			"client_id", resp.ClientID, "operation", resp.Operation.String(), "error", err)
	}
}

func assignResponse(id string, groups []string, rx, tx string) *wire.Control {
	return &wire.Control{
		Operation: wire.OpAssignPipe,
		ClientID:  id,
		Groups:    groups,
		RxPath:    rx,
		TxPath:    tx,
	}
}

func errorResponse(id string, code wire.ErrorCode, message string) *wire.Control {
	return &wire.Control{
		Operation: wire.OpError,
		ClientID:  id,
		ErrorCode: code,
		Message:   message,
	}
}
