package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/billm/pipebus/pkg/types"
)

// unsubscribeTimeout bounds the farewell request sent after an interrupt
const unsubscribeTimeout = 5 * time.Second

var (
	recvCount   int
	recvVerbose bool
)

var recvCmd = &cobra.Command{
	Use:   "recv GROUP...",
	Short: "Print the messages delivered to one or more groups",
	Long: `recv subscribes to the given groups and prints each delivered payload on
its own line. With --count it stops after that many messages, otherwise it
runs until interrupted. The subscription is removed on exit.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecv,
}

func runRecv(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Subscribe(ctx, args); err != nil {
		return fmt.Errorf("could not subscribe to %v: %w", args, err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if err := c.Unsubscribe(uctx); err != nil {
			rootLog.Warn("Could not unsubscribe", "client_id", c.ID(), "error", err)
		}
	}()
	rootLog.Debug("Subscribed", "client_id", c.ID(), "groups", c.Groups())

	out := cmd.OutOrStdout()
	for received := 0; recvCount <= 0 || received < recvCount; {
		msg, err := c.WaitMessage(ctx)
		if err != nil {
			if types.IsErrCode(err, types.ErrCodeCanceled) {
				return nil
			}
			if !isFrameError(err) {
				return err
			}
			rootLog.Warn("Dropped undecodable message", "client_id", c.ID(), "error", err)
			continue
		}

		if recvVerbose {
			fmt.Fprintf(out, "%s > %s\n", msg.Origin, msg.Payload)
		} else {
			fmt.Fprintf(out, "%s\n", msg.Payload)
		}
		received++
	}
	return nil
}

// isFrameError reports whether err only cost a single frame
func isFrameError(err error) bool {
	for _, code := range []string{
		types.ErrCodeChecksumMismatch,
		types.ErrCodeUnsupportedVersion,
		types.ErrCodeMalformed,
		types.ErrCodeRejected,
	} {
		if types.IsErrCode(err, code) {
			return true
		}
	}
	return false
}

func init() {
	recvCmd.Flags().IntVarP(&recvCount, "count", "n", 0, "Stop after this many messages (0: run until interrupted)")
	recvCmd.Flags().BoolVarP(&recvVerbose, "verbose", "v", false, "Prefix each payload with its origin")
}
