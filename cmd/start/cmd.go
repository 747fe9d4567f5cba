package start

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"synod/cluster"
	"synod/paxos"
	"synod/transport"
)

// clientID is the sender of the START messages, clients are not cluster members
const clientID paxos.NodeID = 0

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "start",
		Short: "Asks proposers to start proposing a value",
		RunE:  startFunc,
	}
	flags := c.Flags()
	AddFlags(flags)
	return c
}

func startFunc(c *cobra.Command, args []string) error {
	flags := c.Flags()
	config, err := ParseFlags(flags, args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context(), config.Timeout)
	defer cancel()
	client := transport.NewClient()
	defer client.Close()
	return Send(ctx, client, config.To, config.Value)
}

// Send delivers a START carrying value to every address concurrently
func Send(ctx context.Context, sender cluster.Sender, to []string, value []byte) error {
	msg := paxos.NewStart(clientID, value)
	g := errgroup.Group{}
	for _, addr := range to {
		g.Go(func() error {
			if err := sender.Send(ctx, addr, msg); err != nil {
				return fmt.Errorf("sending START to %s: %w", addr, err)
			}
			slog.Info("Sent START", slog.String("address", addr), slog.String("msg", msg.String()))
			return nil
		})
	}
	return g.Wait()
}
