package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"synod/cluster"
	"synod/config"
	"synod/etcd"
	"synod/httpserver"
	"synod/metrics"
	"synod/paxos"
	"synod/transport"
)

const shutdownTimeout = 5 * time.Second

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Runs a single proposer or acceptor",
		RunE:  serveFunc,
	}
	flags := c.Flags()
	config.AddFlags(flags)
	return c
}

func serveFunc(c *cobra.Command, args []string) error {
	cfg, err := config.ParseFlags(c.Flags(), args)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Verbose)
	slog.Info("Server starting", slog.Uint64("Node ID", uint64(cfg.ID)), slog.String("role", cfg.Role.String()))

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	m, err := metrics.New("synod", promRegistry)
	if err != nil {
		return err
	}
	if err := errors.Join(
		promRegistry.Register(collectors.NewGoCollector()),
		promRegistry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	); err != nil {
		return err
	}

	registry, closeMembership, err := membership(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMembership()

	client := transport.NewClient()
	defer client.Close()

	nodeConfig := cfg.Node()
	nodeConfig.Observer = m
	node := cluster.NewNode(cfg.ID, cfg.GRPCAddress, registry, client, nodeConfig)
	defer node.Close()
	var role paxos.Role
	switch cfg.Role {
	case paxos.ProposerRole:
		proposerConfig := cfg.Proposer()
		proposerConfig.Observer = m
		role = paxos.NewProposer(cfg.ID, proposerConfig)
	default:
		role = paxos.NewAcceptor(cfg.ID)
	}
	if err := node.Bind(role); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.GRPCAddress, err)
	}
	server := transport.NewServer(node, m.GRPC)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(listener)
	})
	var httpServer *http.Server
	if cfg.HTTPAddress != "" {
		httpServer = httpserver.New(cfg.HTTPAddress, node, promRegistry)
		g.Go(func() error {
			slog.Info("Serving HTTP", slog.String("address", cfg.HTTPAddress))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		var err error
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err = httpServer.Shutdown(shutdownCtx)
		}
		server.Stop()
		return err
	})
	err = g.Wait()
	slog.Info("Shutdown complete")
	return err
}

// membership builds the frozen registry either from the static member list or from etcd
func membership(ctx context.Context, cfg *config.Config) (*cluster.Registry, func(), error) {
	if len(cfg.Members) > 0 {
		registry, err := cluster.NewStaticRegistry(cfg.Members)
		return registry, func() {}, err
	}

	logger := zap.NewNop()
	if cfg.Verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, nil, err
		}
	}
	client, err := etcd.Connect(etcd.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
		LeaseTTL:    cfg.EtcdLeaseTTL,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}
	closeClient := func() {
		_ = client.Close()
		_ = logger.Sync()
	}
	if err := client.Register(ctx, cfg.Self()); err != nil {
		closeClient()
		return nil, nil, err
	}
	members, err := client.WaitForMembers(ctx, cfg.ExpectedMembers)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	registry, err := cluster.NewStaticRegistry(members)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	return registry, closeClient, nil
}
