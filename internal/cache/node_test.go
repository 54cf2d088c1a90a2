package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/gridmesh/internal/remoting"
	"github.com/gridmesh/gridmesh/internal/xsite"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

// loopCluster connects nodes in memory. Sends to a node marked down fail.
type loopCluster struct {
	mu    sync.Mutex
	nodes map[proto.Address]*Node
	repos map[proto.Address]*remoting.RequestRepository
	down  map[proto.Address]bool
}

func newLoopCluster() *loopCluster {
	return &loopCluster{
		nodes: make(map[proto.Address]*Node),
		repos: make(map[proto.Address]*remoting.RequestRepository),
		down:  make(map[proto.Address]bool),
	}
}

func (c *loopCluster) members() []proto.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.Address, 0, len(c.nodes))
	for addr := range c.nodes {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *loopCluster) setDown(addr proto.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[addr] = true
}

func (c *loopCluster) addNode(t *testing.T, addr proto.Address, backups Backups) *Node {
	t.Helper()
	repo := remoting.NewRequestRepository(remoting.RepositoryConfig{Logger: zerolog.Nop()})
	t.Cleanup(repo.Close)

	node, err := NewNode(NodeConfig{
		Self:       addr,
		Logger:     zerolog.Nop(),
		Repository: repo,
		Transport:  &loopTransport{self: addr, cluster: c},
		Members:    c.members,
		Backups:    backups,
		Timeout:    2 * time.Second,
	})
	require.NoError(t, err)

	c.mu.Lock()
	c.nodes[addr] = node
	c.repos[addr] = repo
	c.mu.Unlock()
	return node
}

type loopTransport struct {
	self    proto.Address
	cluster *loopCluster
}

func (l *loopTransport) NewTracker(dest proto.Address) remoting.RequestTracker {
	return remoting.NewTracker(dest, nil, nil)
}

func (l *loopTransport) Send(_ context.Context, dest proto.Address, requestID int64, command []byte) error {
	l.cluster.mu.Lock()
	target, ok := l.cluster.nodes[dest]
	down := l.cluster.down[dest]
	origin := l.cluster.repos[l.self]
	l.cluster.mu.Unlock()

	if !ok || down {
		return fmt.Errorf("connection refused by %s", dest)
	}
	go func() {
		resp := target.HandleCommand(context.Background(), l.self, command)
		origin.AddResponse(requestID, dest, resp)
	}()
	return nil
}

// siteLink delivers backups to the gateway node of each site.
type siteLink struct {
	gateways map[string]*Node
	failing  map[string]error
}

func (s *siteLink) SendToSite(_ context.Context, site string, command []byte, _ time.Duration) *remoting.Future[proto.Response] {
	if err, ok := s.failing[site]; ok {
		return remoting.CompletedFuture[proto.Response](proto.ExceptionResponse{Err: err})
	}
	gateway, ok := s.gateways[site]
	if !ok {
		return remoting.FailedFuture[proto.Response](fmt.Errorf("no gateway for %s", site))
	}
	f := remoting.NewFuture[proto.Response]()
	go func() {
		f.Complete(gateway.HandleCommand(context.Background(), "remote-gateway", command))
	}()
	return f
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func storeValue(t *testing.T, n *Node, key string) string {
	t.Helper()
	v, ok := n.Store().Get(key)
	require.True(t, ok, "key %q missing", key)
	return string(v)
}

func TestNewNode_Validation(t *testing.T) {
	_, err := NewNode(NodeConfig{Self: "a"})
	assert.Error(t, err)

	repo := remoting.NewRequestRepository(remoting.RepositoryConfig{Logger: zerolog.Nop()})
	defer repo.Close()
	_, err = NewNode(NodeConfig{Self: "a", Repository: repo, Transport: &loopTransport{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "member source")
}

func TestNode_PutReplicatesToMembers(t *testing.T) {
	c := newLoopCluster()
	n1 := c.addNode(t, "n1:7000", nil)
	n2 := c.addNode(t, "n2:7000", nil)
	n3 := c.addNode(t, "n3:7000", nil)

	ctx := testContext(t)
	require.NoError(t, n1.Put(ctx, "user:1", json.RawMessage(`{"name":"ada"}`)))

	for _, n := range []*Node{n1, n2, n3} {
		assert.JSONEq(t, `{"name":"ada"}`, storeValue(t, n, "user:1"))
	}

	require.NoError(t, n2.Remove(ctx, "user:1"))
	for _, n := range []*Node{n1, n2, n3} {
		assert.Equal(t, 0, n.Store().Len())
	}
}

func TestNode_PutRejectsInvalidJSON(t *testing.T) {
	c := newLoopCluster()
	n1 := c.addNode(t, "n1:7000", nil)

	err := n1.Put(testContext(t), "k", json.RawMessage(`{`))
	require.Error(t, err)
	assert.Equal(t, 0, n1.Store().Len())
}

func TestNode_GetAsksMembersOnMiss(t *testing.T) {
	c := newLoopCluster()
	n1 := c.addNode(t, "n1:7000", nil)
	n2 := c.addNode(t, "n2:7000", nil)
	c.addNode(t, "n3:7000", nil)

	n2.Store().Put("k", json.RawMessage(`42`))

	got, err := n1.Get(testContext(t), "k")
	require.NoError(t, err)
	assert.Equal(t, "42", string(got))
}

func TestNode_GetMiss(t *testing.T) {
	c := newLoopCluster()
	n1 := c.addNode(t, "n1:7000", nil)

	_, err := n1.Get(testContext(t), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	c.addNode(t, "n2:7000", nil)
	_, err = n1.Get(testContext(t), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNode_ReplicationFailure(t *testing.T) {
	c := newLoopCluster()
	n1 := c.addNode(t, "n1:7000", nil)
	c.addNode(t, "n2:7000", nil)
	c.setDown("n2:7000")

	err := n1.Put(testContext(t), "k", json.RawMessage(`"v"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `replicate put "k"`)
	assert.Contains(t, err.Error(), "connection refused")

	// The local write is not rolled back.
	assert.Equal(t, `"v"`, storeValue(t, n1, "k"))
}

func TestNode_BackupToRemoteSite(t *testing.T) {
	nyc := newLoopCluster()
	gateway := nyc.addNode(t, "nyc1:7000", nil)
	nycMember := nyc.addNode(t, "nyc2:7000", nil)

	link := &siteLink{gateways: map[string]*Node{"nyc": gateway}}
	sender, err := xsite.NewBackupSender(xsite.SenderConfig{
		Logger: zerolog.Nop(),
		Sites: []xsite.SiteConfig{
			{Backup: xsite.Backup{Site: "nyc", Sync: true, Timeout: 2 * time.Second}},
		},
	}, link)
	require.NoError(t, err)

	lon := newLoopCluster()
	var waits atomic.Int32
	repo := remoting.NewRequestRepository(remoting.RepositoryConfig{Logger: zerolog.Nop()})
	t.Cleanup(repo.Close)
	n1, err := NewNode(NodeConfig{
		Self:         "lon1:7000",
		Logger:       zerolog.Nop(),
		Repository:   repo,
		Transport:    &loopTransport{self: "lon1:7000", cluster: lon},
		Members:      lon.members,
		Backups:      sender,
		OnBackupWait: func(time.Duration) { waits.Add(1) },
	})
	require.NoError(t, err)
	lon.mu.Lock()
	lon.nodes["lon1:7000"] = n1
	lon.repos["lon1:7000"] = repo
	lon.mu.Unlock()

	require.NoError(t, n1.Put(testContext(t), "order:7", json.RawMessage(`{"qty":3}`)))

	assert.JSONEq(t, `{"qty":3}`, storeValue(t, gateway, "order:7"))
	assert.JSONEq(t, `{"qty":3}`, storeValue(t, nycMember, "order:7"))
	assert.Equal(t, int32(1), waits.Load())
	assert.Equal(t, uint64(1), sender.GetStats().SyncSent)
}

func TestNode_BackupFailurePolicy(t *testing.T) {
	link := &siteLink{failing: map[string]error{"nyc": errors.New("disk full")}}
	sender, err := xsite.NewBackupSender(xsite.SenderConfig{
		Logger: zerolog.Nop(),
		Sites: []xsite.SiteConfig{
			{Backup: xsite.Backup{Site: "nyc", Sync: true, Timeout: time.Second}, FailurePolicy: xsite.FailurePolicyFail},
		},
	}, link)
	require.NoError(t, err)

	c := newLoopCluster()
	n1 := c.addNode(t, "n1:7000", sender)

	err = n1.Put(testContext(t), "k", json.RawMessage(`1`))
	var backupErr *xsite.BackupFailureError
	require.ErrorAs(t, err, &backupErr)
	assert.Contains(t, backupErr.Failures, "nyc")
	assert.Contains(t, err.Error(), "disk full")
}

func TestNode_HandleCommand(t *testing.T) {
	c := newLoopCluster()
	n1 := c.addNode(t, "n1:7000", nil)
	ctx := testContext(t)

	t.Run("malformed", func(t *testing.T) {
		resp := n1.HandleCommand(ctx, "n2:7000", []byte(`nope`))
		require.IsType(t, proto.ExceptionResponse{}, resp)
	})

	t.Run("client origin from peer", func(t *testing.T) {
		data, err := Command{Op: OpPut, Key: "k", Value: json.RawMessage(`1`), Origin: OriginClient}.Encode()
		require.NoError(t, err)
		resp := n1.HandleCommand(ctx, "n2:7000", data)
		exc, ok := resp.(proto.ExceptionResponse)
		require.True(t, ok)
		assert.Contains(t, exc.Err.Error(), "unexpected origin")
		assert.Equal(t, 0, n1.Store().Len())
	})

	t.Run("cluster put and get", func(t *testing.T) {
		data, err := Command{Op: OpPut, Key: "k", Value: json.RawMessage(`"v"`), Origin: OriginCluster}.Encode()
		require.NoError(t, err)
		assert.Equal(t, proto.SuccessResponse{Value: true}, n1.HandleCommand(ctx, "n2:7000", data))

		data, err = Command{Op: OpGet, Key: "k", Origin: OriginCluster}.Encode()
		require.NoError(t, err)
		resp := n1.HandleCommand(ctx, "n2:7000", data)
		success, ok := resp.(proto.SuccessResponse)
		require.True(t, ok)
		assert.Equal(t, json.RawMessage(`"v"`), success.Value)
	})

	t.Run("get miss is unsure", func(t *testing.T) {
		data, err := Command{Op: OpGet, Key: "other", Origin: OriginCluster}.Encode()
		require.NoError(t, err)
		assert.Equal(t, proto.Unsure, n1.HandleCommand(ctx, "n2:7000", data))
	})
}

func TestToRaw(t *testing.T) {
	got, err := toRaw(map[string]interface{}{"a": 1.0})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	got, err = toRaw(json.RawMessage(`[1]`))
	require.NoError(t, err)
	assert.Equal(t, "[1]", string(got))

	_, err = toRaw(make(chan int))
	assert.Error(t, err)
}
