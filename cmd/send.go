package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	sendGroup   string
	sendPayload string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish one message to a group",
	Long: `send registers with the broker without joining any group, publishes the
payload to the given group and deregisters again.`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.Subscribe(ctx, nil); err != nil {
		return fmt.Errorf("could not subscribe to the broker: %w", err)
	}
	defer func() {
		if err := c.Unsubscribe(ctx); err != nil {
			rootLog.Warn("Could not unsubscribe", "client_id", c.ID(), "error", err)
		}
	}()

	if err := c.Send(ctx, sendGroup, []byte(sendPayload)); err != nil {
		return fmt.Errorf("could not send message: %w", err)
	}
	rootLog.Debug("Message sent", "client_id", c.ID(), "group", sendGroup, "bytes", len(sendPayload))
	return nil
}

func init() {
	sendCmd.Flags().StringVarP(&sendGroup, "group", "g", "", "Group to publish to")
	sendCmd.Flags().StringVarP(&sendPayload, "payload", "p", "", "Message payload")
	_ = sendCmd.MarkFlagRequired("group")
}
