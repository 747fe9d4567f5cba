package paxos

import "time"

type sent struct {
	to        NodeID
	broadcast bool
	msg       Message
}

type timer struct {
	delay time.Duration
	f     func(Env)
}

// testEnv records what a role sends instead of delivering it
type testEnv struct {
	acceptors int
	sent      []sent
	timers    []timer
}

func newTestEnv(acceptors int) *testEnv {
	return &testEnv{acceptors: acceptors}
}

func (e *testEnv) AcceptorCount() int {
	return e.acceptors
}

func (e *testEnv) Send(to NodeID, msg Message) {
	e.sent = append(e.sent, sent{to: to, msg: msg})
}

func (e *testEnv) Broadcast(msg Message) {
	e.sent = append(e.sent, sent{broadcast: true, msg: msg})
}

func (e *testEnv) After(d time.Duration, f func(Env)) {
	e.timers = append(e.timers, timer{delay: d, f: f})
}

// fire runs and drops every pending timer
func (e *testEnv) fire() {
	timers := e.timers
	e.timers = nil
	for _, t := range timers {
		t.f(e)
	}
}

func (e *testEnv) last() sent {
	return e.sent[len(e.sent)-1]
}

func (e *testEnv) reset() {
	e.sent = nil
}

type countingObserver struct {
	started  int
	rejected map[Phase]int
	timedOut int
	decided  [][]byte
}

func newCountingObserver() *countingObserver {
	return &countingObserver{rejected: make(map[Phase]int)}
}

func (o *countingObserver) RoundStarted(ProposalID) { o.started++ }
func (o *countingObserver) Rejected(phase Phase)    { o.rejected[phase]++ }
func (o *countingObserver) TimedOut(ProposalID)     { o.timedOut++ }
func (o *countingObserver) Decided(_ ProposalID, value []byte) {
	o.decided = append(o.decided, value)
}
