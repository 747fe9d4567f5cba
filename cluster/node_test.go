package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synod/cluster/clustertest"
	"synod/paxos"
)

type countingTraffic struct {
	lock     sync.Mutex
	received map[paxos.Kind]int
	sent     map[paxos.Kind]int
	failed   map[paxos.Kind]int
}

func newCountingTraffic() *countingTraffic {
	return &countingTraffic{
		received: make(map[paxos.Kind]int),
		sent:     make(map[paxos.Kind]int),
		failed:   make(map[paxos.Kind]int),
	}
}

func (c *countingTraffic) Received(kind paxos.Kind) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.received[kind]++
}

func (c *countingTraffic) Sent(kind paxos.Kind) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent[kind]++
}

func (c *countingTraffic) SendFailed(kind paxos.Kind) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.failed[kind]++
}

func (c *countingTraffic) count(counts map[paxos.Kind]int, kind paxos.Kind) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return counts[kind]
}

type testCluster struct {
	network       *clustertest.Network
	registry      *Registry
	proposers     []*paxos.Proposer
	proposerNodes []*Node
	acceptors     []*paxos.Acceptor
	acceptorNodes []*Node
}

func address(id paxos.NodeID) string {
	return fmt.Sprintf("node-%d", id)
}

// newTestCluster binds proposers 1..p and acceptors 101..101+a on an in-memory network
func newTestCluster(t *testing.T, p, a int, proposerConfig paxos.ProposerConfig, nodeConfig Config, opts ...clustertest.Option) *testCluster {
	t.Helper()
	c := &testCluster{network: clustertest.NewNetwork(opts...), registry: NewRegistry()}
	for i := range p {
		id := paxos.NodeID(1 + i)
		node := NewNode(id, address(id), c.registry, c.network, nodeConfig)
		proposer := paxos.NewProposer(id, proposerConfig)
		require.NoError(t, node.Bind(proposer))
		c.network.Attach(node.Addr(), node)
		c.proposers = append(c.proposers, proposer)
		c.proposerNodes = append(c.proposerNodes, node)
	}
	for i := range a {
		id := paxos.NodeID(101 + i)
		node := NewNode(id, address(id), c.registry, c.network, nodeConfig)
		acceptor := paxos.NewAcceptor(id)
		require.NoError(t, node.Bind(acceptor))
		c.network.Attach(node.Addr(), node)
		c.acceptors = append(c.acceptors, acceptor)
		c.acceptorNodes = append(c.acceptorNodes, node)
	}
	c.registry.Freeze()
	t.Cleanup(c.close)
	return c
}

func (c *testCluster) close() {
	for _, node := range append(c.proposerNodes, c.acceptorNodes...) {
		node.Close()
	}
	c.network.Wait()
}

func waitDecided(t *testing.T, proposers []*paxos.Proposer, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for _, proposer := range proposers {
		select {
		case <-proposer.Done():
		case <-deadline:
			require.FailNow(t, "proposers did not decide in time")
		}
	}
}

func TestSingleProposerNoContention(t *testing.T) {
	require := require.New(t)

	traffic := newCountingTraffic()
	c := newTestCluster(t, 1, 3, paxos.ProposerConfig{}, Config{Observer: traffic})

	require.NoError(c.proposerNodes[0].Trigger(context.Background(), []byte("v")))

	value, decided := c.proposers[0].Decided()
	require.True(decided)
	require.Equal([]byte("v"), value)
	for _, acceptor := range c.acceptors {
		require.Equal([]byte("v"), acceptor.State().AcceptedValue)
	}
	// both phases heard from every acceptor
	require.Equal(3, traffic.count(traffic.received, paxos.Promise))
	require.Equal(3, traffic.count(traffic.received, paxos.Accepted))
	// broadcasts include the proposer itself
	require.Equal(4, traffic.count(traffic.sent, paxos.Prepare))
	require.Equal(4, traffic.count(traffic.sent, paxos.Accept))
	require.Zero(traffic.count(traffic.failed, paxos.Prepare))
	require.Equal(4, c.network.Delivered(paxos.Prepare))
	require.Equal(3, c.network.Delivered(paxos.Promise))
	require.Equal(3, c.network.Delivered(paxos.Accepted))
}

func TestCompetingProposersAgree(t *testing.T) {
	for seed := uint64(1); seed <= 4; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			require := require.New(t)

			c := newTestCluster(t, 3, 5,
				paxos.ProposerConfig{RoundTimeout: time.Second, RetryJitter: 5 * time.Millisecond},
				Config{},
				clustertest.Async(2*time.Millisecond),
				clustertest.Duplicate(0.2),
				clustertest.Seed(seed),
			)

			var wg sync.WaitGroup
			for i, node := range c.proposerNodes {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = node.Trigger(context.Background(), []byte(fmt.Sprintf("value-%d", i)))
				}()
			}
			wg.Wait()
			waitDecided(t, c.proposers, 10*time.Second)

			decided, ok := c.proposers[0].Decided()
			require.True(ok)
			for _, proposer := range c.proposers[1:] {
				value, ok := proposer.Decided()
				require.True(ok)
				require.Equal(decided, value)
			}

			holders := 0
			for _, acceptor := range c.acceptors {
				if string(acceptor.State().AcceptedValue) == string(decided) {
					holders++
				}
			}
			require.True(c.registry.Majority(holders))
		})
	}
}

func TestRoundTimeoutRecoversFromLoss(t *testing.T) {
	require := require.New(t)

	// every ACCEPT of the first round is lost and no acceptor ever rejects it
	var dropped atomic.Int32
	drop := func(_ string, msg paxos.Message) bool {
		if msg.Kind == paxos.Accept && msg.ProposalID.Counter == 1 {
			dropped.Add(1)
			return true
		}
		return false
	}
	c := newTestCluster(t, 1, 3, paxos.ProposerConfig{RoundTimeout: 50 * time.Millisecond}, Config{}, clustertest.Drop(drop))

	require.NoError(c.proposerNodes[0].Trigger(context.Background(), []byte("v")))
	require.Equal(paxos.Accepting, c.proposers[0].Phase())

	waitDecided(t, c.proposers, 5*time.Second)
	require.Positive(dropped.Load())
	require.Greater(c.proposers[0].ProposalID().Counter, uint64(1))
	value, _ := c.proposers[0].Decided()
	require.Equal([]byte("v"), value)
}

func TestSendFailuresAreReported(t *testing.T) {
	require := require.New(t)

	traffic := newCountingTraffic()
	c := newTestCluster(t, 1, 3, paxos.ProposerConfig{}, Config{Observer: traffic})
	c.network.Detach(c.acceptorNodes[2].Addr())

	err := c.proposerNodes[0].Trigger(context.Background(), []byte("v"))
	require.ErrorIs(err, clustertest.ErrUnreachable)
	require.Positive(traffic.count(traffic.failed, paxos.Prepare))

	// the reachable majority still decides
	_, decided := c.proposers[0].Decided()
	require.True(decided)
}

type blockingSender struct{}

func (blockingSender) Send(ctx context.Context, _ string, _ paxos.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSendTimeout(t *testing.T) {
	require := require.New(t)

	registry := NewRegistry()
	node := NewNode(1, "node-1", registry, blockingSender{}, Config{SendTimeout: 10 * time.Millisecond})
	require.NoError(node.Bind(paxos.NewProposer(1, paxos.ProposerConfig{})))
	require.NoError(registry.Register(Member{ID: 2, Addr: "node-2", Kind: paxos.AcceptorRole}))
	registry.Freeze()
	t.Cleanup(node.Close)

	err := node.Trigger(context.Background(), []byte("v"))
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Equal(paxos.Preparing.String(), node.Status().Phase)
}

func TestTriggerRequiresProposer(t *testing.T) {
	require := require.New(t)

	c := newTestCluster(t, 1, 1, paxos.ProposerConfig{}, Config{})
	err := c.acceptorNodes[0].Trigger(context.Background(), []byte("v"))
	require.ErrorIs(err, ErrNotProposer)

	unbound := NewNode(50, "node-50", c.registry, c.network, Config{})
	require.ErrorIs(unbound.Trigger(context.Background(), []byte("v")), ErrUnbound)
}

func TestReceiveRequiresFrozenRegistry(t *testing.T) {
	require := require.New(t)

	registry := NewRegistry()
	network := clustertest.NewNetwork()
	node := NewNode(1, "node-1", registry, network, Config{})
	require.NoError(node.Bind(paxos.NewAcceptor(1)))

	err := node.Receive(context.Background(), paxos.NewPrepare(2, paxos.ProposalID{Counter: 1, Node: 2}))
	require.ErrorIs(err, ErrRegistryOpen)
}

func TestReceiveRejectsInvalidMessages(t *testing.T) {
	require := require.New(t)

	c := newTestCluster(t, 0, 1, paxos.ProposerConfig{}, Config{})
	err := c.acceptorNodes[0].Receive(context.Background(), paxos.Message{Kind: paxos.Promise, AcceptedValue: []byte("x")})
	require.ErrorIs(err, paxos.ErrAcceptedValueWithoutID)
	require.True(c.acceptors[0].State().PromisedID.IsZero())
}

func TestBind(t *testing.T) {
	require := require.New(t)

	registry := NewRegistry()
	node := NewNode(1, "node-1", registry, clustertest.NewNetwork(), Config{})
	require.NoError(node.Bind(paxos.NewAcceptor(1)))
	require.ErrorIs(node.Bind(paxos.NewAcceptor(1)), ErrAlreadyBound)
	require.Equal(1, registry.AcceptorCount())

	// a preloaded registry must agree with the bound role
	preloaded, err := NewStaticRegistry([]Member{{ID: 2, Addr: "node-2", Kind: paxos.AcceptorRole}})
	require.NoError(err)
	mismatch := NewNode(2, "node-2", preloaded, clustertest.NewNetwork(), Config{})
	require.ErrorIs(mismatch.Bind(paxos.NewProposer(2, paxos.ProposerConfig{})), ErrRoleMismatch)
	match := NewNode(2, "node-2", preloaded, clustertest.NewNetwork(), Config{})
	require.NoError(match.Bind(paxos.NewAcceptor(2)))

	// joining a frozen registry is refused
	late := NewNode(3, "node-3", preloaded, clustertest.NewNetwork(), Config{})
	require.ErrorIs(late.Bind(paxos.NewAcceptor(3)), ErrFrozen)
}

func TestClosedNodeRefusesMessages(t *testing.T) {
	require := require.New(t)

	c := newTestCluster(t, 1, 1, paxos.ProposerConfig{RoundTimeout: time.Hour}, Config{})
	node := c.acceptorNodes[0]
	node.Close()
	err := node.Receive(context.Background(), paxos.NewPrepare(1, paxos.ProposalID{Counter: 1, Node: 1}))
	require.ErrorIs(err, ErrClosed)
}

func TestStatus(t *testing.T) {
	require := require.New(t)

	c := newTestCluster(t, 1, 1, paxos.ProposerConfig{}, Config{})
	require.NoError(c.proposerNodes[0].Trigger(context.Background(), []byte("v")))

	status := c.proposerNodes[0].Status()
	require.Equal(paxos.NodeID(1), status.ID)
	require.Equal("node-1", status.Address)
	require.Equal(paxos.ProposerRole, status.Role)
	require.True(status.Decided)
	require.Equal([]byte("v"), status.Value)

	status = c.acceptorNodes[0].Status()
	require.Equal(paxos.AcceptorRole, status.Role)
	require.Equal([]byte("v"), status.AcceptedValue)
}
