// Package ipc implements the pipebus broker: a single-host publish/subscribe
// bus whose transport is named pipes (FIFOs).
//
// The broker provides:
//
//   - A control access pipe (CAP) through which clients subscribe to and
//     unsubscribe from groups, answered on a paired reply pipe
//   - Per-client private pipes: <id>.rx for delivery, <id>.tx for publishing
//   - Fan-out of every published message to all current subscribers of its group
//   - A cooperative poll loop that drains bounded batches of control and data
//     traffic on a fixed cadence
//
// Every pipe is opened non-blocking, so "no data yet" and "no reader" are
// ordinary results. One broken subscriber never stalls delivery to the others.
//
// Example usage:
//
//	broker, err := ipc.New(cfg, log)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Run blocks until ctx is canceled, then removes every pipe it created
//	if err := broker.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package ipc
