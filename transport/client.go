package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	"synod/paxos"
)

var ErrClientClosed = errors.New("transport client is closed")

// Client sends messages to peers, keeping one connection per address
type Client struct {
	opts []grpc.DialOption

	lock   sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

// NewClient uses insecure credentials unless opts say otherwise
func NewClient(opts ...grpc.DialOption) *Client {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Name)),
	}
	return &Client{
		opts:  append(base, opts...),
		conns: make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Send delivers msg to the server at addr, it returns once the server acknowledged it
func (c *Client) Send(ctx context.Context, addr string, msg paxos.Message) error {
	conn, err := c.conn(addr)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, deliverMethod, &msg, new(emptypb.Empty))
}

func (c *Client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			slog.Error("Error disconnecting from peer", slog.String("address", addr), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	clear(c.conns)
	return errors.Join(errs...)
}
