// Package fifo manages the named pipes (FIFOs) that carry pipebus traffic.
//
// Manager creates and removes pipe files. OpenReader and OpenWriter return
// non-blocking handles: opening never waits for a peer, reads on an empty
// pipe report zero bytes instead of blocking, and writes give up after a
// bounded wait when the pipe is full. Handles wrap raw file descriptors and
// must be closed by whoever opened them.
package fifo
