package transport

/*
* The receiving side: a gRPC server exposing the Deliver method
 */

import (
	"context"
	"log/slog"
	"net"
	"sync"

	grpc_metric "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"

	"synod/paxos"
)

const (
	serviceName   = "synod.Transport"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// Handler consumes inbound messages, cluster.Node implements it
type Handler interface {
	Receive(ctx context.Context, msg paxos.Message) error
}

type deliverer interface {
	deliver(ctx context.Context, msg *paxos.Message) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliverer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "synod/transport.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(paxos.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverer).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverer).deliver(ctx, req.(*paxos.Message))
	}
	return interceptor(ctx, in, info, handler)
}

// Server acknowledges each message as soon as it is decoded and hands it to the handler on its own goroutine,
// so a node replying to the sender never waits on the RPC that delivered the request
type Server struct {
	handler Handler
	grpc    *grpc.Server
	health  *health.Server
	logger  *slog.Logger

	dispatches sync.WaitGroup
}

// NewServer builds a server for handler, metrics may be nil
func NewServer(handler Handler, metrics *grpc_metric.ServerMetrics, opts ...grpc.ServerOption) *Server {
	if metrics != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()))
	}
	s := &Server{
		handler: handler,
		grpc:    grpc.NewServer(opts...),
		health:  health.NewServer(),
		logger:  slog.Default(),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	if metrics != nil {
		// zeroed counters show up before the first call
		metrics.InitializeMetrics(s.grpc)
	}
	return s
}

func (s *Server) deliver(ctx context.Context, msg *paxos.Message) (*emptypb.Empty, error) {
	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		if err := s.handler.Receive(context.WithoutCancel(ctx), *msg); err != nil {
			s.logger.Warn("Error handling message", slog.Any("msg", *msg), slog.String("error", err.Error()))
		}
	}()
	return &emptypb.Empty{}, nil
}

// Serve accepts connections on listener until Stop is called
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("Serving transport", slog.String("address", listener.Addr().String()))
	return s.grpc.Serve(listener)
}

// Stop finishes pending RPCs, then waits for the messages they delivered to be handled
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.dispatches.Wait()
}
