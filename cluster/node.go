/*
Package cluster is responsible for binding Paxos roles to nodes, addressing nodes through the registry and delivering the messages roles send
*/
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"synod/paxos"
)

var (
	ErrUnbound      = errors.New("no role bound to node")
	ErrAlreadyBound = errors.New("node already has a role")
	ErrRoleMismatch = errors.New("registered role does not match bound role")
	ErrNotProposer  = errors.New("node is not a proposer")
	ErrRegistryOpen = errors.New("registry is not frozen")
	ErrClosed       = errors.New("node is closed")
)

// Sender delivers a message to the node listening on addr
type Sender interface {
	Send(ctx context.Context, addr string, msg paxos.Message) error
}

// TrafficObserver is notified of the messages a node exchanges
type TrafficObserver interface {
	Received(kind paxos.Kind)
	Sent(kind paxos.Kind)
	SendFailed(kind paxos.Kind)
}

type nopTraffic struct{}

func (nopTraffic) Received(paxos.Kind)   {}
func (nopTraffic) Sent(paxos.Kind)       {}
func (nopTraffic) SendFailed(paxos.Kind) {}

type Config struct {
	// SendTimeout bounds a single send, 0 leaves it to the caller's context
	SendTimeout time.Duration
	// FanOut bounds the concurrent sends of a broadcast, 0 means unbounded
	FanOut   int
	Observer TrafficObserver
}

// Node hosts one role and its messenger
type Node struct {
	id       paxos.NodeID
	addr     string
	registry *Registry
	sender   Sender
	config   Config
	logger   *slog.Logger

	// serializes everything the bound role does, including timers
	roleLock sync.Mutex
	role     paxos.Role
	timers   map[*time.Timer]struct{}
	closed   bool
}

func NewNode(id paxos.NodeID, addr string, registry *Registry, sender Sender, config Config) *Node {
	if config.Observer == nil {
		config.Observer = nopTraffic{}
	}
	return &Node{
		id:       id,
		addr:     addr,
		registry: registry,
		sender:   sender,
		config:   config,
		logger:   slog.Default().With(slog.Uint64("Node ID", uint64(id))),
		timers:   make(map[*time.Timer]struct{}),
	}
}

func (n *Node) ID() paxos.NodeID {
	return n.id
}

func (n *Node) Addr() string {
	return n.addr
}

// Bind attaches role to the node and registers the node for addressing and quorum counting.
// If the registry was loaded beforehand the node must already be listed with the same role.
func (n *Node) Bind(role paxos.Role) error {
	n.roleLock.Lock()
	defer n.roleLock.Unlock()
	if n.role != nil {
		return fmt.Errorf("binding node %d: %w", n.id, ErrAlreadyBound)
	}
	if existing, ok := n.registry.Lookup(n.id); ok {
		if existing.Kind != role.Kind() {
			return fmt.Errorf("binding %s to node %d registered as %s: %w", role.Kind(), n.id, existing.Kind, ErrRoleMismatch)
		}
	} else if err := n.registry.Register(Member{ID: n.id, Addr: n.addr, Kind: role.Kind()}); err != nil {
		return err
	}
	n.role = role
	n.logger.Info("Role bound", slog.String("role", role.Kind().String()), slog.String("address", n.addr))
	return nil
}

// Receive hands an inbound message to the bound role and sends whatever the role replied.
// Send failures are logged and returned joined, the role's state is never rolled back.
func (n *Node) Receive(ctx context.Context, msg paxos.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("node %d received invalid message: %w", n.id, err)
	}
	if !n.registry.Frozen() {
		return ErrRegistryOpen
	}
	n.config.Observer.Received(msg.Kind)
	n.logger.Debug("Received message", slog.Any("msg", msg))

	n.roleLock.Lock()
	if n.role == nil {
		n.roleLock.Unlock()
		return ErrUnbound
	}
	if n.closed {
		n.roleLock.Unlock()
		return ErrClosed
	}
	out := &outbox{node: n}
	n.role.Handle(out, msg)
	n.roleLock.Unlock()

	return n.flush(ctx, out.pending)
}

// Trigger starts a round on a proposer, it is the local equivalent of sending it a START
func (n *Node) Trigger(ctx context.Context, value []byte) error {
	n.roleLock.Lock()
	role := n.role
	n.roleLock.Unlock()
	if role == nil {
		return ErrUnbound
	}
	if role.Kind() != paxos.ProposerRole {
		return fmt.Errorf("triggering node %d: %w", n.id, ErrNotProposer)
	}
	return n.Receive(ctx, paxos.NewStart(n.id, value))
}

// Status is what the node reports to operators
type Status struct {
	ID      paxos.NodeID `json:"id"`
	Address string       `json:"address"`
	paxos.Report
}

func (n *Node) Status() Status {
	n.roleLock.Lock()
	role := n.role
	n.roleLock.Unlock()
	status := Status{ID: n.id, Address: n.addr}
	if role != nil {
		status.Report = role.Report()
	}
	return status
}

// Close cancels pending timers, messages received afterwards are refused
func (n *Node) Close() {
	n.roleLock.Lock()
	defer n.roleLock.Unlock()
	n.closed = true
	for timer := range n.timers {
		timer.Stop()
	}
	clear(n.timers)
}

// after schedules f on the role, assumes roleLock is held
func (n *Node) after(d time.Duration, f func(paxos.Env)) {
	if n.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		n.roleLock.Lock()
		delete(n.timers, timer)
		if n.closed {
			n.roleLock.Unlock()
			return
		}
		out := &outbox{node: n}
		f(out)
		n.roleLock.Unlock()
		if err := n.flush(context.Background(), out.pending); err != nil {
			n.logger.Warn("Error sending timer messages", slog.String("error", err.Error()))
		}
	})
	n.timers[timer] = struct{}{}
}

func (n *Node) flush(ctx context.Context, pending []envelope) error {
	var errs []error
	for _, e := range pending {
		if e.broadcast {
			errs = append(errs, n.broadcast(ctx, e.msg))
		} else {
			errs = append(errs, n.send(ctx, e.to, e.msg))
		}
	}
	return errors.Join(errs...)
}

// broadcast sends msg to every registered node, including this one
func (n *Node) broadcast(ctx context.Context, msg paxos.Message) error {
	var (
		lock sync.Mutex
		errs []error
	)
	g := errgroup.Group{}
	if n.config.FanOut > 0 {
		g.SetLimit(n.config.FanOut)
	}
	for _, member := range n.registry.Members() {
		g.Go(func() error {
			if err := n.send(ctx, member.ID, msg); err != nil {
				lock.Lock()
				errs = append(errs, err)
				lock.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (n *Node) send(ctx context.Context, to paxos.NodeID, msg paxos.Message) error {
	member, ok := n.registry.Lookup(to)
	if !ok {
		n.config.Observer.SendFailed(msg.Kind)
		return fmt.Errorf("sending %s to node %d: %w", msg.Kind, to, ErrUnknownMember)
	}
	if n.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.SendTimeout)
		defer cancel()
	}
	n.logger.Debug("Sending message", slog.Uint64("Peer ID", uint64(to)), slog.Any("msg", msg))
	if err := n.sender.Send(ctx, member.Addr, msg); err != nil {
		n.config.Observer.SendFailed(msg.Kind)
		n.logger.Warn("Error sending message", slog.Uint64("Peer ID", uint64(to)), slog.String("type", msg.Kind.String()), slog.String("error", err.Error()))
		return fmt.Errorf("sending %s to node %d: %w", msg.Kind, to, err)
	}
	n.config.Observer.Sent(msg.Kind)
	return nil
}

type envelope struct {
	to        paxos.NodeID
	broadcast bool
	msg       paxos.Message
}

// outbox is the paxos.Env handed to a role, it queues messages until the role lock is released
type outbox struct {
	node    *Node
	pending []envelope
}

func (o *outbox) AcceptorCount() int {
	return o.node.registry.AcceptorCount()
}

func (o *outbox) Send(to paxos.NodeID, msg paxos.Message) {
	o.pending = append(o.pending, envelope{to: to, msg: msg})
}

func (o *outbox) Broadcast(msg paxos.Message) {
	o.pending = append(o.pending, envelope{broadcast: true, msg: msg})
}

func (o *outbox) After(d time.Duration, f func(paxos.Env)) {
	o.node.after(d, f)
}
