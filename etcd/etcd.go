/*
Package etcd is responsible for membership discovery through an etcd cluster, nodes register themselves under a lease and wait until the expected cluster has assembled
*/
package etcd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"synod/cluster"
	"synod/paxos"
)

const DefaultPrefix = "synod/members/"

var (
	ErrIDTaken        = errors.New("node ID already registered")
	ErrAlreadyJoined  = errors.New("already registered")
	ErrMalformedEntry = errors.New("malformed member entry")
	ErrWatchClosed    = errors.New("watch closed before membership was complete")
	ErrTooManyMembers = errors.New("more members registered than expected")
)

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// LeaseTTL in seconds, a crashed node disappears from the membership once it expires
	LeaseTTL int64
	// Prefix of the member keys, DefaultPrefix if empty
	Prefix string
	// Logger for the etcd client internals, nop if nil
	Logger *zap.Logger
}

type Client struct {
	client   *clientv3.Client
	prefix   string
	leaseTTL int64

	leaseID         clientv3.LeaseID
	keepAliveCancel context.CancelFunc
	keepAliveDone   chan struct{}
}

func Connect(config Config) (*Client, error) {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	slog.Info("Starting etcd client", slog.String("endpoints", strings.Join(config.Endpoints, ",")))
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
		Logger:      config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return &Client{client: cli, prefix: config.Prefix, leaseTTL: config.LeaseTTL}, nil
}

// Register publishes member under a lease that is kept alive until Close.
// It fails with ErrIDTaken if another live node holds the same ID.
func (c *Client) Register(ctx context.Context, member cluster.Member) error {
	if c.keepAliveDone != nil {
		return ErrAlreadyJoined
	}
	lease, err := c.client.Grant(ctx, c.leaseTTL)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}
	key := c.key(member.ID)
	absent := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	put := clientv3.OpPut(key, encodeMember(member), clientv3.WithLease(lease.ID))
	res, err := c.client.Txn(ctx).If(absent).Then(put).Commit()
	if err == nil && !res.Succeeded {
		err = fmt.Errorf("registering node %d: %w", member.ID, ErrIDTaken)
	}
	if err != nil {
		if _, revokeErr := c.client.Revoke(context.Background(), lease.ID); revokeErr != nil {
			slog.Error("Error revoking lease", slog.String("error", revokeErr.Error()))
		}
		return err
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	keepaliveCh, err := c.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return fmt.Errorf("starting keepalive: %w", err)
	}
	c.leaseID = lease.ID
	c.keepAliveCancel = kaCancel
	c.keepAliveDone = make(chan struct{})
	go c.keepAlive(keepaliveCh)
	slog.Info("Registered in etcd", slog.String("key", key), slog.String("member", member.String()))
	return nil
}

// hand written keep alive loop instead of session to allow revoking on manual disconnection
func (c *Client) keepAlive(keepaliveCh <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(c.keepAliveDone)
	for range keepaliveCh {
	}
	slog.Debug("Revoking lease")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.client.Revoke(ctx, c.leaseID); err != nil {
		slog.Error("Error revoking lease", slog.String("error", err.Error()))
		return
	}
	slog.Debug("Lease revoked")
}

// WaitForMembers blocks until exactly expected members are registered and returns them ordered by ID.
// Every node must freeze the same membership, so seeing more than expected fails with ErrTooManyMembers.
func (c *Client) WaitForMembers(ctx context.Context, expected int) ([]cluster.Member, error) {
	res, err := c.client.Get(ctx, c.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	members := make(map[paxos.NodeID]cluster.Member)
	for _, kv := range res.Kvs {
		member, err := decodeMember(c.prefix, kv.Key, kv.Value)
		if err != nil {
			return nil, err
		}
		members[member.ID] = member
	}
	slog.Info("Waiting for members", slog.Int("registered", len(members)), slog.Int("expected", expected))
	done, err := complete(members, expected)
	if err != nil {
		return nil, err
	}
	if done {
		return sorted(members), nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchChannel := c.client.Watch(watchCtx, c.prefix, clientv3.WithPrefix(), clientv3.WithRev(res.Header.Revision+1))
	for update := range watchChannel {
		if err := update.Err(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %w", ErrWatchClosed, err)
		}
		for _, e := range update.Events {
			switch e.Type {
			case clientv3.EventTypePut:
				member, err := decodeMember(c.prefix, e.Kv.Key, e.Kv.Value)
				if err != nil {
					return nil, err
				}
				members[member.ID] = member
				slog.Debug("Member joined", slog.String("member", member.String()))
			case clientv3.EventTypeDelete:
				id, err := decodeID(c.prefix, e.Kv.Key)
				if err != nil {
					return nil, err
				}
				delete(members, id)
				slog.Debug("Member left", slog.Uint64("Peer ID", uint64(id)))
			}
		}
		done, err := complete(members, expected)
		if err != nil {
			return nil, err
		}
		if done {
			slog.Info("All members registered, starting", slog.Int("registered", len(members)))
			return sorted(members), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrWatchClosed
}

func complete(members map[paxos.NodeID]cluster.Member, expected int) (bool, error) {
	switch {
	case len(members) > expected:
		return false, fmt.Errorf("%w: %d registered, %d expected", ErrTooManyMembers, len(members), expected)
	case len(members) == expected:
		return true, nil
	default:
		return false, nil
	}
}

// Close revokes the registration, if any, and disconnects
func (c *Client) Close() error {
	if c.keepAliveCancel != nil {
		c.keepAliveCancel()
		<-c.keepAliveDone
	}
	if err := c.client.Close(); err != nil {
		slog.Error("Error closing etcd client", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (c *Client) key(id paxos.NodeID) string {
	return c.prefix + strconv.FormatUint(uint64(id), 10)
}

// a member is stored as <prefix><id> -> <role>@<address>
func encodeMember(member cluster.Member) string {
	return member.Kind.String() + "@" + member.Addr
}

func decodeID(prefix string, key []byte) (paxos.NodeID, error) {
	idStr, ok := strings.CutPrefix(string(key), prefix)
	if !ok {
		return 0, fmt.Errorf("%w: key %q", ErrMalformedEntry, key)
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q: %w", ErrMalformedEntry, key, err)
	}
	return paxos.NodeID(id), nil
}

func decodeMember(prefix string, key, value []byte) (cluster.Member, error) {
	id, err := decodeID(prefix, key)
	if err != nil {
		return cluster.Member{}, err
	}
	member, err := cluster.ParseMember(strconv.FormatUint(uint64(id), 10) + "=" + string(value))
	if err != nil {
		return cluster.Member{}, fmt.Errorf("%w: %w", ErrMalformedEntry, err)
	}
	return member, nil
}

func sorted(members map[paxos.NodeID]cluster.Member) []cluster.Member {
	list := make([]cluster.Member, 0, len(members))
	for _, member := range members {
		list = append(list, member)
	}
	slices.SortFunc(list, func(a, b cluster.Member) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}
