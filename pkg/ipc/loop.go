package ipc

import (
	"context"
	"time"

	"github.com/billm/pipebus/pkg/types"
)

// Run starts the broker if needed and polls until ctx is canceled or the
// broker is stopped. Each pass serves the control pipe before client
// traffic, so a client unsubscribed in a pass is not delivered to in that
// pass. All pipes are released before Run returns, and a failure to
// release them is Run's error.
func (b *Broker) Run(ctx context.Context) (err error) {
	if b.Status() != types.StatusRunning {
		if err := b.Start(); err != nil {
			return err
		}
	}
	defer func() {
		if stopErr := b.Stop(); err == nil {
			err = stopErr
		}
	}()

	var statusC <-chan time.Time
	if interval := b.cfg.Broker.StatusInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		statusC = ticker.C
	}

	timer := time.NewTimer(b.cfg.Broker.PollInterval)
	defer timer.Stop()

	for {
		if b.Status() != types.StatusRunning {
			return nil
		}
		b.RunPass()

		if ctx.Err() != nil {
			b.logger.Info("Shutdown requested, leaving poll loop")
			return nil
		}

		timer.Reset(b.cfg.Broker.PollInterval)
	wait:
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("Shutdown requested, leaving poll loop")
				return nil
			case <-statusC:
				b.LogStatus()
			case <-timer.C:
				break wait
			}
		}
	}
}

// RunPass performs one control pass and one data pass and logs their outcome
func (b *Broker) RunPass() {
	start := time.Now()

	served, err := b.ProcessCAPOnce()
	if err != nil {
		b.logger.Warn("Errors while serving the CAP", "error", err)
	}
	if served > 0 {
		b.logger.Info("Served requests on the CAP", "count", served)
		b.logClients()
	}

	processed, errs := b.ProcessOnce()
	if processed > 0 {
		b.logger.Info("Processed requests from clients", "count", processed)
	}
	for _, e := range errs {
		b.logger.Warn("Could not process request", "client_id", e.ClientID, "error", e.Err)
	}

	b.mu.Lock()
	b.stats.Passes++
	b.mu.Unlock()
	b.metrics.SetRegistrySize(b.registry.Len(), b.registry.GroupCount())
	b.metrics.RecordPass(time.Since(start))
}

// LogStatus logs the counters and every client's subscriptions
func (b *Broker) LogStatus() {
	stats := b.Stats()
	b.logger.Info("Broker status",
		"clients", stats.ActiveClients,
		"groups", stats.ActiveGroups,
		"control_requests", stats.ControlRequests,
		"frames_processed", stats.FramesProcessed,
		"delivered", stats.MessagesDelivered,
		"delivery_failures", stats.DeliveryFailures,
		"protocol_errors", stats.ProtocolErrors)
	b.logClients()
}

func (b *Broker) logClients() {
	for _, id := range b.Clients() {
		b.logger.Info("Client is subscribed", "client_id", id, "groups", b.GroupsOf(id))
	}
}
