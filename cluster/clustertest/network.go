// Package clustertest provides an in-memory network for exercising nodes without sockets
package clustertest

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"synod/paxos"
)

var ErrUnreachable = errors.New("address unreachable")

// Receiver is the inbound side of a node
type Receiver interface {
	Receive(ctx context.Context, msg paxos.Message) error
}

// DropFunc decides whether a message sent to addr is lost
type DropFunc func(addr string, msg paxos.Message) bool

type Option func(*Network)

// Async delivers every message on its own goroutine after a random delay up to maxDelay
func Async(maxDelay time.Duration) Option {
	return func(n *Network) {
		n.async = true
		n.maxDelay = maxDelay
	}
}

// Duplicate delivers a message twice with the given probability
func Duplicate(probability float64) Option {
	return func(n *Network) {
		n.duplicate = probability
	}
}

func Drop(drop DropFunc) Option {
	return func(n *Network) {
		n.drop = drop
	}
}

func Seed(seed uint64) Option {
	return func(n *Network) {
		n.rand = rand.New(rand.NewPCG(seed, seed))
	}
}

// Network routes messages between attached receivers by address.
// Delivery errors of the receiver are not reported to the sender, like a real transport that acknowledges on arrival.
type Network struct {
	async     bool
	maxDelay  time.Duration
	duplicate float64
	drop      DropFunc

	lock      sync.Mutex
	rand      *rand.Rand
	receivers map[string]Receiver
	delivered map[paxos.Kind]int

	inflight sync.WaitGroup
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		rand:      rand.New(rand.NewPCG(1, 1)),
		receivers: make(map[string]Receiver),
		delivered: make(map[paxos.Kind]int),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Network) Attach(addr string, r Receiver) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.receivers[addr] = r
}

// Detach makes addr unreachable
func (n *Network) Detach(addr string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.receivers, addr)
}

func (n *Network) Send(ctx context.Context, addr string, msg paxos.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.lock.Lock()
	r, ok := n.receivers[addr]
	if !ok {
		n.lock.Unlock()
		return ErrUnreachable
	}
	copies := 1
	if n.duplicate > 0 && n.rand.Float64() < n.duplicate {
		copies = 2
	}
	delays := make([]time.Duration, copies)
	if n.async && n.maxDelay > 0 {
		for i := range delays {
			delays[i] = time.Duration(n.rand.Int64N(int64(n.maxDelay)))
		}
	}
	n.lock.Unlock()

	if n.drop != nil && n.drop(addr, msg) {
		return nil
	}
	for _, delay := range delays {
		wire := clone(msg)
		n.lock.Lock()
		n.delivered[msg.Kind]++
		n.lock.Unlock()
		if !n.async {
			_ = r.Receive(ctx, wire)
			continue
		}
		n.inflight.Add(1)
		go func() {
			defer n.inflight.Done()
			time.Sleep(delay)
			_ = r.Receive(context.Background(), wire)
		}()
	}
	return nil
}

// Delivered counts the messages of a kind handed to receivers
func (n *Network) Delivered(kind paxos.Kind) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.delivered[kind]
}

// Wait blocks until every asynchronous delivery finished
func (n *Network) Wait() {
	n.inflight.Wait()
}

// clone copies the values so receivers never share memory with the sender
func clone(msg paxos.Message) paxos.Message {
	msg.ProposalValue = bytes.Clone(msg.ProposalValue)
	msg.AcceptedValue = bytes.Clone(msg.AcceptedValue)
	return msg
}
