/*
Package paxos contains the single-decree Paxos roles, the messages they exchange and the proposal ID ordering rule
*/
package paxos

import (
	"fmt"
	"sync"
)

// NodeID identifies a node in the cluster, it must be unique across the cluster
type NodeID uint64

// ProposalID totally orders proposals.
// IDs are compared by counter first and by the proposing node second, so two proposers never mint equal IDs.
// The zero value means "no proposal" and is lower than every minted ID.
type ProposalID struct {
	Counter uint64
	Node    NodeID
}

// IsZero reports whether the ID is the "no proposal" value
func (id ProposalID) IsZero() bool {
	return id == ProposalID{}
}

// Compare returns -1, 0 or 1 if id is lower than, equal to or higher than other
func (id ProposalID) Compare(other ProposalID) int {
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	case id.Node < other.Node:
		return -1
	case id.Node > other.Node:
		return 1
	}
	return 0
}

func (id ProposalID) Greater(other ProposalID) bool {
	return id.Compare(other) > 0
}

func (id ProposalID) GreaterOrEqual(other ProposalID) bool {
	return id.Compare(other) >= 0
}

func (id ProposalID) String() string {
	if id.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%d.%d", id.Counter, id.Node)
}

// Generator mints proposal IDs for a single proposer
type Generator struct {
	node    NodeID
	lock    sync.Mutex
	counter uint64
}

func NewGenerator(node NodeID) *Generator {
	return &Generator{node: node}
}

// Next returns an ID strictly greater than every ID this generator returned or observed before
func (g *Generator) Next() ProposalID {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.counter++
	return ProposalID{Counter: g.counter, Node: g.node}
}

// Observe moves the counter up to an ID seen on the wire, so the next ID overtakes it
func (g *Generator) Observe(id ProposalID) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.counter = max(g.counter, id.Counter)
}
