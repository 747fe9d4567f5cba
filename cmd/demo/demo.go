package demo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"synod/cluster"
	"synod/config"
	"synod/paxos"
	"synod/transport"
)

// proposers get IDs from 1, acceptors from acceptorBase+1
const acceptorBase = 100

var ErrDisagreement = errors.New("proposers decided different values")

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "demo",
		Short: "Runs a local cluster over loopback gRPC and has every proposer propose its own value",
		RunE:  demoFunc,
	}
	flags := c.Flags()
	AddFlags(flags)
	return c
}

func demoFunc(c *cobra.Command, args []string) error {
	cfg, err := ParseFlags(c.Flags(), args)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Verbose)
	ctx, cancel := context.WithTimeout(c.Context(), cfg.Timeout)
	defer cancel()
	_, err = Run(ctx, cfg, c.OutOrStdout())
	return err
}

type member struct {
	node     *cluster.Node
	server   *transport.Server
	listener net.Listener
}

// Run starts the cluster, triggers every proposer and waits until all of them decided.
// It returns the decided value and fails with ErrDisagreement if two proposers learned different values.
func Run(ctx context.Context, cfg *Config, out io.Writer) ([]byte, error) {
	client := transport.NewClient()
	defer client.Close()
	registry := cluster.NewRegistry()
	nodeConfig := cluster.Config{SendTimeout: cfg.SendTimeout}

	var (
		members   []member
		proposers []*paxos.Proposer
	)
	closeAll := func() {
		for _, m := range members {
			m.server.Stop()
			m.node.Close()
			// a listener never handed to Serve is still open
			_ = m.listener.Close()
		}
	}
	add := func(id paxos.NodeID, role paxos.Role) error {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		node := cluster.NewNode(id, listener.Addr().String(), registry, client, nodeConfig)
		if err := node.Bind(role); err != nil {
			_ = listener.Close()
			return err
		}
		members = append(members, member{node: node, server: transport.NewServer(node, nil), listener: listener})
		return nil
	}

	for i := range cfg.Proposers {
		id := paxos.NodeID(i + 1)
		proposer := paxos.NewProposer(id, paxos.ProposerConfig{RoundTimeout: cfg.RoundTimeout, RetryJitter: cfg.RetryJitter})
		if err := add(id, proposer); err != nil {
			closeAll()
			return nil, err
		}
		proposers = append(proposers, proposer)
	}
	for i := range cfg.Acceptors {
		id := paxos.NodeID(acceptorBase + i + 1)
		if err := add(id, paxos.NewAcceptor(id)); err != nil {
			closeAll()
			return nil, err
		}
	}
	registry.Freeze()

	servers := errgroup.Group{}
	for _, m := range members {
		servers.Go(func() error {
			return m.server.Serve(m.listener)
		})
	}
	defer func() {
		closeAll()
		if err := servers.Wait(); err != nil {
			slog.Error("Error serving transport", slog.String("error", err.Error()))
		}
	}()

	triggers := errgroup.Group{}
	for _, m := range members[:cfg.Proposers] {
		value := []byte(fmt.Sprintf("value-%d", m.node.ID()))
		triggers.Go(func() error {
			if err := m.node.Trigger(ctx, value); err != nil {
				slog.Warn("Error starting round", slog.Uint64("Node ID", uint64(m.node.ID())), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = triggers.Wait()

	var decided []byte
	for i, proposer := range proposers {
		select {
		case <-proposer.Done():
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for proposer %d: %w", i+1, ctx.Err())
		}
		value, _ := proposer.Decided()
		fmt.Fprintf(out, "proposer %d decided %q in round %s\n", i+1, value, proposer.ProposalID())
		if i == 0 {
			decided = value
		} else if !bytes.Equal(decided, value) {
			return nil, fmt.Errorf("%w: %q and %q", ErrDisagreement, decided, value)
		}
	}
	fmt.Fprintf(out, "all %d proposers agree on %q\n", len(proposers), decided)
	return decided, nil
}
