package paxos

import (
	"fmt"
	"strings"
	"time"
)

// RoleKind is the behavior a node plays in the cluster
type RoleKind uint8

const (
	ProposerRole RoleKind = iota + 1
	AcceptorRole
)

func (k RoleKind) String() string {
	switch k {
	case ProposerRole:
		return "proposer"
	case AcceptorRole:
		return "acceptor"
	}
	return fmt.Sprintf("RoleKind(%d)", uint8(k))
}

func (k RoleKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *RoleKind) UnmarshalText(text []byte) error {
	kind, err := ParseRoleKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

func ParseRoleKind(s string) (RoleKind, error) {
	switch strings.ToLower(s) {
	case "proposer":
		return ProposerRole, nil
	case "acceptor":
		return AcceptorRole, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Majority reports whether count responses form a strict majority of the known acceptors
func Majority(count, acceptors int) bool {
	return count > acceptors/2
}

// Env is what a role sees of the node it is bound to.
// Messages handed to Send and Broadcast are delivered after the handler returns.
type Env interface {
	// AcceptorCount is the number of acceptors in the cluster
	AcceptorCount() int
	// Send delivers a message to a single node
	Send(to NodeID, msg Message)
	// Broadcast delivers a message to every registered node, including the sender
	Broadcast(msg Message)
	// After runs f once d has elapsed, serialized with the role's message handling
	After(d time.Duration, f func(Env))
}

// Role is the protocol behavior bound to a node.
// Handle is never called concurrently for the same role.
type Role interface {
	Kind() RoleKind
	Handle(env Env, msg Message)
	Report() Report
}

// Report is a snapshot of a role's state
type Report struct {
	Role RoleKind `json:"role"`

	// proposer fields
	Phase      string `json:"phase,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`
	Value      []byte `json:"value,omitempty"`
	Decided    bool   `json:"decided"`

	// acceptor fields
	PromisedID    string `json:"promised_id,omitempty"`
	AcceptedID    string `json:"accepted_id,omitempty"`
	AcceptedValue []byte `json:"accepted_value,omitempty"`
}

// Observer is notified of proposer progress
type Observer interface {
	RoundStarted(id ProposalID)
	Rejected(phase Phase)
	TimedOut(id ProposalID)
	Decided(id ProposalID, value []byte)
}

type nopObserver struct{}

func (nopObserver) RoundStarted(ProposalID)    {}
func (nopObserver) Rejected(Phase)             {}
func (nopObserver) TimedOut(ProposalID)        {}
func (nopObserver) Decided(ProposalID, []byte) {}
