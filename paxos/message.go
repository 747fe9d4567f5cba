package paxos

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrUnknownKind            = errors.New("unknown message kind")
	ErrAcceptedValueWithoutID = errors.New("accepted value without accepted ID")
	ErrAcceptedIDWithoutValue = errors.New("accepted ID without accepted value")
)

// Kind is the closed set of messages exchanged between nodes
type Kind uint8

const (
	Prepare Kind = iota + 1
	Accept
	Promise
	Accepted
	Start
)

func (k Kind) String() string {
	switch k {
	case Prepare:
		return "PREPARE"
	case Accept:
		return "ACCEPT"
	case Promise:
		return "PROMISE"
	case Accepted:
		return "ACCEPTED"
	case Start:
		return "START"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) valid() bool {
	return k >= Prepare && k <= Start
}

// Message is the payload exchanged between nodes.
// A PROMISE or ACCEPTED without a proposal ID is a rejection.
// A nil value is absent, an empty non-nil value is present.
type Message struct {
	Kind          Kind
	Sender        NodeID
	ProposalID    ProposalID
	ProposalValue []byte
	AcceptedID    ProposalID
	AcceptedValue []byte
}

func NewStart(sender NodeID, value []byte) Message {
	if value == nil {
		value = []byte{}
	}
	return Message{Kind: Start, Sender: sender, ProposalValue: value}
}

func NewPrepare(sender NodeID, id ProposalID) Message {
	return Message{Kind: Prepare, Sender: sender, ProposalID: id}
}

func NewAccept(sender NodeID, id ProposalID, value []byte) Message {
	return Message{Kind: Accept, Sender: sender, ProposalID: id, ProposalValue: value}
}

// NewPromise grants a promise for id and echoes the acceptor's accepted proposal, if any
func NewPromise(sender NodeID, id ProposalID, acceptedID ProposalID, acceptedValue []byte) Message {
	return Message{Kind: Promise, Sender: sender, ProposalID: id, AcceptedID: acceptedID, AcceptedValue: acceptedValue}
}

func NewAccepted(sender NodeID, id ProposalID, value []byte) Message {
	return Message{Kind: Accepted, Sender: sender, ProposalID: id, AcceptedID: id, AcceptedValue: value}
}

// NewRejection builds a PROMISE or ACCEPTED rejection, which carries no proposal
func NewRejection(kind Kind, sender NodeID) Message {
	return Message{Kind: kind, Sender: sender}
}

// Rejected reports whether this is a PROMISE or ACCEPTED rejection
func (m Message) Rejected() bool {
	return (m.Kind == Promise || m.Kind == Accepted) && m.ProposalID.IsZero()
}

// Validate checks the kind and that the accepted ID and value travel together
func (m Message) Validate() error {
	if !m.Kind.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(m.Kind))
	}
	if m.AcceptedID.IsZero() && m.AcceptedValue != nil {
		return ErrAcceptedValueWithoutID
	}
	if !m.AcceptedID.IsZero() && m.AcceptedValue == nil {
		return ErrAcceptedIDWithoutValue
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("type:%s sender:%d proposal_id:%s proposal_value:%s accepted_id:%s accepted_value:%s",
		m.Kind, m.Sender, m.ProposalID, formatValue(m.ProposalValue), m.AcceptedID, formatValue(m.AcceptedValue))
}

func (m Message) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", m.Kind.String()),
		slog.Uint64("sender", uint64(m.Sender)),
		slog.String("proposal_id", m.ProposalID.String()),
		slog.String("accepted_id", m.AcceptedID.String()),
	)
}

func formatValue(value []byte) string {
	if value == nil {
		return "none"
	}
	return fmt.Sprintf("%q", value)
}
