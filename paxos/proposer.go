package paxos

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Phase is the proposer's position in a round
type Phase uint8

const (
	Idle Phase = iota
	Preparing
	Accepting
	Decided
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Accepting:
		return "accepting"
	case Decided:
		return "decided"
	}
	return "invalid"
}

type ProposerConfig struct {
	// RoundTimeout restarts a round that has not decided in time, 0 disables it
	RoundTimeout time.Duration
	// RetryJitter is the upper bound of the random delay before re-preparing, 0 re-prepares immediately
	RetryJitter time.Duration
	Observer    Observer
}

type responders map[NodeID]struct{}

func (r responders) has(id NodeID) bool {
	_, ok := r[id]
	return ok
}

// Proposer drives a single value through the prepare and accept phases
type Proposer struct {
	self   NodeID
	config ProposerConfig
	ids    *Generator
	logger *slog.Logger

	lock  sync.Mutex
	phase Phase
	// ID of the current round
	proposalID ProposalID
	// value requested by the last START
	intended []byte
	// value we are trying to get accepted, replaced by the highest accepted value found in promises
	value []byte
	// highest accepted ID reported by a promise in the current round
	highestAcceptedID ProposalID

	promises          responders
	promiseRejections responders
	accepts           responders
	acceptRejections  responders

	decided chan struct{}
}

var _ Role = (*Proposer)(nil)

func NewProposer(self NodeID, config ProposerConfig) *Proposer {
	if config.Observer == nil {
		config.Observer = nopObserver{}
	}
	return &Proposer{
		self:    self,
		config:  config,
		ids:     NewGenerator(self),
		logger:  slog.Default().With(slog.Uint64("Node ID", uint64(self))),
		decided: make(chan struct{}),
	}
}

func (p *Proposer) Kind() RoleKind {
	return ProposerRole
}

// Handle reacts to START, PROMISE and ACCEPTED.
// PREPARE and ACCEPT from other proposers only move the ID generator forward.
func (p *Proposer) Handle(env Env, msg Message) {
	p.lock.Lock()
	defer p.lock.Unlock()
	switch msg.Kind {
	case Start:
		p.start(env, msg.ProposalValue)
	case Promise:
		p.receivePromise(env, msg)
	case Accepted:
		p.receiveAccepted(env, msg)
	case Prepare, Accept:
		p.ids.Observe(msg.ProposalID)
	}
}

func (p *Proposer) start(env Env, value []byte) {
	if p.phase == Decided {
		p.logger.Info("Ignoring start, value already decided", slog.String("Proposal ID", p.proposalID.String()))
		return
	}
	p.intended = value
	p.prepare(env)
}

// prepare starts a new round with a fresh proposal ID
func (p *Proposer) prepare(env Env) {
	p.proposalID = p.ids.Next()
	p.value = p.intended
	p.highestAcceptedID = ProposalID{}
	p.promises = make(responders)
	p.promiseRejections = make(responders)
	p.phase = Preparing
	p.config.Observer.RoundStarted(p.proposalID)
	p.logger.Info("Starting round", slog.String("Proposal ID", p.proposalID.String()))
	env.Broadcast(NewPrepare(p.self, p.proposalID))
	p.armTimeout(env, p.proposalID)
}

func (p *Proposer) armTimeout(env Env, id ProposalID) {
	if p.config.RoundTimeout <= 0 {
		return
	}
	env.After(p.config.RoundTimeout, func(env Env) {
		p.lock.Lock()
		defer p.lock.Unlock()
		if p.proposalID != id || (p.phase != Preparing && p.phase != Accepting) {
			return
		}
		p.logger.Warn("Round timed out", slog.String("Proposal ID", id.String()), slog.String("phase", p.phase.String()))
		p.config.Observer.TimedOut(id)
		p.retry(env)
	})
}

// retry re-prepares after a random delay so dueling proposers stop invalidating each other
func (p *Proposer) retry(env Env) {
	if p.config.RetryJitter <= 0 {
		p.prepare(env)
		return
	}
	id := p.proposalID
	p.phase = Idle
	delay := rand.N(p.config.RetryJitter)
	p.logger.Debug("Retrying round", slog.Duration("delay", delay))
	env.After(delay, func(env Env) {
		p.lock.Lock()
		defer p.lock.Unlock()
		// a START in the meantime already restarted the round
		if p.phase != Idle || p.proposalID != id {
			return
		}
		p.prepare(env)
	})
}

func (p *Proposer) receivePromise(env Env, msg Message) {
	if p.phase != Preparing {
		return
	}
	if msg.Rejected() {
		if p.promises.has(msg.Sender) {
			return
		}
		p.promiseRejections[msg.Sender] = struct{}{}
		if Majority(len(p.promiseRejections), env.AcceptorCount()) {
			p.logger.Info("Prepare rejected by majority", slog.String("Proposal ID", p.proposalID.String()))
			p.config.Observer.Rejected(Preparing)
			p.retry(env)
		}
		return
	}
	if msg.ProposalID != p.proposalID || p.promises.has(msg.Sender) || p.promiseRejections.has(msg.Sender) {
		p.logger.Debug("Discarding stale promise", slog.Any("msg", msg))
		return
	}
	p.promises[msg.Sender] = struct{}{}
	if msg.AcceptedID.Greater(p.highestAcceptedID) {
		// an acceptor may already have accepted a value that got chosen, we must propose it
		p.highestAcceptedID = msg.AcceptedID
		p.value = msg.AcceptedValue
		p.logger.Debug("Adopted accepted value", slog.String("Accepted ID", msg.AcceptedID.String()))
	}
	if Majority(len(p.promises), env.AcceptorCount()) {
		p.accepts = make(responders)
		p.acceptRejections = make(responders)
		p.phase = Accepting
		p.logger.Info("Prepare promised by majority, sending accept", slog.String("Proposal ID", p.proposalID.String()))
		env.Broadcast(NewAccept(p.self, p.proposalID, p.value))
	}
}

func (p *Proposer) receiveAccepted(env Env, msg Message) {
	if p.phase != Accepting {
		return
	}
	if msg.Rejected() {
		if p.accepts.has(msg.Sender) {
			return
		}
		p.acceptRejections[msg.Sender] = struct{}{}
		if Majority(len(p.acceptRejections), env.AcceptorCount()) {
			p.logger.Info("Accept rejected by majority", slog.String("Proposal ID", p.proposalID.String()))
			p.config.Observer.Rejected(Accepting)
			p.retry(env)
		}
		return
	}
	if msg.ProposalID != p.proposalID || p.accepts.has(msg.Sender) || p.acceptRejections.has(msg.Sender) {
		p.logger.Debug("Discarding stale accepted", slog.Any("msg", msg))
		return
	}
	p.accepts[msg.Sender] = struct{}{}
	if Majority(len(p.accepts), env.AcceptorCount()) {
		p.phase = Decided
		close(p.decided)
		p.config.Observer.Decided(p.proposalID, p.value)
		p.logger.Info("Value decided", slog.String("Proposal ID", p.proposalID.String()), slog.String("value", formatValue(p.value)))
	}
}

// Done is closed once a value is decided
func (p *Proposer) Done() <-chan struct{} {
	return p.decided
}

// Decided returns the decided value, if any
func (p *Proposer) Decided() ([]byte, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.phase != Decided {
		return nil, false
	}
	return p.value, true
}

func (p *Proposer) Phase() Phase {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.phase
}

func (p *Proposer) ProposalID() ProposalID {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.proposalID
}

func (p *Proposer) Report() Report {
	p.lock.Lock()
	defer p.lock.Unlock()
	return Report{
		Role:       ProposerRole,
		Phase:      p.phase.String(),
		ProposalID: p.proposalID.String(),
		Value:      p.value,
		Decided:    p.phase == Decided,
	}
}
