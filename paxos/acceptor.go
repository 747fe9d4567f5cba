package paxos

import (
	"log/slog"
	"sync"
)

// AcceptorState is the promise and the accepted proposal held by an acceptor
type AcceptorState struct {
	PromisedID    ProposalID
	AcceptedID    ProposalID
	AcceptedValue []byte
}

// Acceptor answers PREPARE and ACCEPT requests.
// State lives in memory for the lifetime of the process.
type Acceptor struct {
	self   NodeID
	logger *slog.Logger
	// guards state against Report/State readers, the node already serializes Handle
	lock  sync.Mutex
	state AcceptorState
}

var _ Role = (*Acceptor)(nil)

func NewAcceptor(self NodeID) *Acceptor {
	return &Acceptor{self: self, logger: slog.Default().With(slog.Uint64("Node ID", uint64(self)))}
}

func (a *Acceptor) Kind() RoleKind {
	return AcceptorRole
}

// Handle replies to the sender of PREPARE and ACCEPT, every other kind is ignored
func (a *Acceptor) Handle(env Env, msg Message) {
	switch msg.Kind {
	case Prepare:
		env.Send(msg.Sender, a.Prepare(msg.ProposalID))
	case Accept:
		env.Send(msg.Sender, a.Accept(msg.ProposalID, msg.ProposalValue))
	default:
		a.logger.Debug("Acceptor ignoring message", slog.Any("msg", msg))
	}
}

// Prepare promises id if it is higher than every previous promise
func (a *Acceptor) Prepare(id ProposalID) Message {
	a.lock.Lock()
	defer a.lock.Unlock()
	if !id.Greater(a.state.PromisedID) {
		a.logger.Debug("Rejecting prepare", slog.String("Proposal ID", id.String()), slog.String("Promised ID", a.state.PromisedID.String()))
		return NewRejection(Promise, a.self)
	}
	a.state.PromisedID = id
	a.logger.Debug("Promised", slog.String("Proposal ID", id.String()))
	return NewPromise(a.self, id, a.state.AcceptedID, a.state.AcceptedValue)
}

// Accept accepts (id, value) unless a higher ID was promised
func (a *Acceptor) Accept(id ProposalID, value []byte) Message {
	a.lock.Lock()
	defer a.lock.Unlock()
	if id.IsZero() || !id.GreaterOrEqual(a.state.PromisedID) {
		a.logger.Debug("Rejecting accept", slog.String("Proposal ID", id.String()), slog.String("Promised ID", a.state.PromisedID.String()))
		return NewRejection(Accepted, a.self)
	}
	if value == nil {
		value = []byte{}
	}
	a.state = AcceptorState{PromisedID: id, AcceptedID: id, AcceptedValue: value}
	a.logger.Info("Accepted proposal", slog.String("Proposal ID", id.String()))
	return NewAccepted(a.self, id, value)
}

func (a *Acceptor) State() AcceptorState {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

func (a *Acceptor) Report() Report {
	state := a.State()
	return Report{
		Role:          AcceptorRole,
		PromisedID:    state.PromisedID.String(),
		AcceptedID:    state.AcceptedID.String(),
		AcceptedValue: state.AcceptedValue,
	}
}
