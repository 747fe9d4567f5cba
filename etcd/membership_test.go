package etcd

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"

	"synod/cluster"
	"synod/paxos"
)

func freeURL(t *testing.T) url.URL {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return url.URL{Scheme: "http", Host: addr}
}

// startEtcd runs a single node etcd server in process and returns its client endpoint
func startEtcd(t *testing.T) string {
	t.Helper()
	clientURL, peerURL := freeURL(t), freeURL(t)
	cfg := embed.NewConfig()
	cfg.Name = "synod-test"
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	server, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(server.Close)
	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		server.Server.Stop()
		require.FailNow(t, "etcd did not become ready")
	}
	return clientURL.String()
}

func connect(t *testing.T, endpoint string) *Client {
	t.Helper()
	client, err := Connect(Config{Endpoints: []string{endpoint}, DialTimeout: 5 * time.Second, LeaseTTL: 5})
	require.NoError(t, err)
	return client
}

func registered(t *testing.T, c *Client) int64 {
	t.Helper()
	res, err := c.client.Get(context.Background(), c.prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	require.NoError(t, err)
	return res.Count
}

func TestRegisterRejectsTakenID(t *testing.T) {
	require := require.New(t)

	endpoint := startEtcd(t)
	first := connect(t, endpoint)
	defer first.Close()
	second := connect(t, endpoint)
	defer second.Close()

	ctx := context.Background()
	member := cluster.Member{ID: 1, Addr: "a:1", Kind: paxos.AcceptorRole}
	require.NoError(first.Register(ctx, member))
	require.ErrorIs(first.Register(ctx, member), ErrAlreadyJoined)

	err := second.Register(ctx, cluster.Member{ID: 1, Addr: "b:2", Kind: paxos.ProposerRole})
	require.ErrorIs(err, ErrIDTaken)

	res, err := second.client.Get(ctx, second.key(1))
	require.NoError(err)
	require.Len(res.Kvs, 1)
	require.Equal("acceptor@a:1", string(res.Kvs[0].Value))

	// a failed registration leaves the client free to register another ID
	require.NoError(second.Register(ctx, cluster.Member{ID: 2, Addr: "b:2", Kind: paxos.ProposerRole}))
	require.Equal(int64(2), registered(t, first))
}

func TestCloseRevokesRegistration(t *testing.T) {
	require := require.New(t)

	endpoint := startEtcd(t)
	observer := connect(t, endpoint)
	defer observer.Close()

	ctx := context.Background()
	member := cluster.Member{ID: 1, Addr: "a:1", Kind: paxos.AcceptorRole}
	leaving := connect(t, endpoint)
	require.NoError(leaving.Register(ctx, member))
	require.Equal(int64(1), registered(t, observer))

	require.NoError(leaving.Close())
	require.Zero(registered(t, observer))

	// the ID is free again
	require.NoError(observer.Register(ctx, member))
}

func TestWaitForMembersFollowsJoinsAndLeaves(t *testing.T) {
	require := require.New(t)

	endpoint := startEtcd(t)
	self := connect(t, endpoint)
	defer self.Close()
	writer := connect(t, endpoint)
	defer writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(self.Register(ctx, cluster.Member{ID: 1, Addr: "a:1", Kind: paxos.ProposerRole}))

	type result struct {
		members []cluster.Member
		err     error
	}
	results := make(chan result, 1)
	go func() {
		members, err := self.WaitForMembers(ctx, 3)
		results <- result{members, err}
	}()

	_, err := writer.client.Put(ctx, writer.key(9), "acceptor@gone:9")
	require.NoError(err)
	_, err = writer.client.Delete(ctx, writer.key(9))
	require.NoError(err)
	_, err = writer.client.Put(ctx, writer.key(3), "acceptor@c:3")
	require.NoError(err)
	_, err = writer.client.Put(ctx, writer.key(2), "acceptor@b:2")
	require.NoError(err)

	res := <-results
	require.NoError(res.err)
	require.Equal([]cluster.Member{
		{ID: 1, Addr: "a:1", Kind: paxos.ProposerRole},
		{ID: 2, Addr: "b:2", Kind: paxos.AcceptorRole},
		{ID: 3, Addr: "c:3", Kind: paxos.AcceptorRole},
	}, res.members)
}

func TestWaitForMembersRejectsExtraMembers(t *testing.T) {
	require := require.New(t)

	endpoint := startEtcd(t)
	client := connect(t, endpoint)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id := paxos.NodeID(1); id <= 3; id++ {
		_, err := client.client.Put(ctx, client.key(id), "acceptor@a:1")
		require.NoError(err)
	}

	members, err := client.WaitForMembers(ctx, 3)
	require.NoError(err)
	require.Len(members, 3)

	// a late joiner makes every later snapshot disagree with the first one
	_, err = client.client.Put(ctx, client.key(4), "acceptor@d:4")
	require.NoError(err)
	_, err = client.WaitForMembers(ctx, 3)
	require.ErrorIs(err, ErrTooManyMembers)
}

func TestWaitForMembersHonorsDeadline(t *testing.T) {
	require := require.New(t)

	endpoint := startEtcd(t)
	client := connect(t, endpoint)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := client.WaitForMembers(ctx, 2)
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestCompleteMembership(t *testing.T) {
	require := require.New(t)

	members := map[paxos.NodeID]cluster.Member{1: {ID: 1}, 2: {ID: 2}}
	done, err := complete(members, 3)
	require.NoError(err)
	require.False(done)
	done, err = complete(members, 2)
	require.NoError(err)
	require.True(done)
	_, err = complete(members, 1)
	require.ErrorIs(err, ErrTooManyMembers)
}
