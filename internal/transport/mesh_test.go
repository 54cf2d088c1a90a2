package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/gridmesh/internal/remoting"
	"github.com/gridmesh/gridmesh/internal/xsite"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

type testNode struct {
	transport *MeshTransport
	repo      *remoting.RequestRepository
	server    *httptest.Server
}

func (n *testNode) addr() proto.Address {
	return proto.Address(strings.TrimPrefix(n.server.URL, "http://"))
}

func newTestNode(t *testing.T, configure func(*Config)) *testNode {
	t.Helper()

	n := &testNode{repo: remoting.NewRequestRepository(remoting.RepositoryConfig{Logger: zerolog.Nop()})}
	n.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.transport.Handler().ServeHTTP(w, r)
	}))

	cfg := Config{
		Self:       n.addr(),
		Logger:     zerolog.Nop(),
		Repository: n.repo,
	}
	if configure != nil {
		configure(&cfg)
	}

	tr, err := NewMeshTransport(cfg)
	require.NoError(t, err)
	n.transport = tr

	t.Cleanup(func() {
		n.server.Close()
		tr.Close()
		n.repo.Close()
	})
	return n
}

func echoHandler(_ context.Context, _ proto.Address, command []byte) proto.Response {
	return proto.SuccessResponse{Value: string(command)}
}

func waitResponse(t *testing.T, f *remoting.Future[proto.Response]) (proto.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Get(ctx)
}

func TestNewMeshTransport_Validation(t *testing.T) {
	repo := remoting.NewRequestRepository(remoting.RepositoryConfig{Logger: zerolog.Nop()})
	defer repo.Close()

	_, err := NewMeshTransport(Config{Repository: repo})
	assert.Error(t, err)

	_, err = NewMeshTransport(Config{Self: "node-a:7000"})
	assert.Error(t, err)

	tr, err := NewMeshTransport(Config{Self: "node-a:7000", Repository: repo})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, proto.Address("node-a:7000"), tr.Self())
}

func TestMeshTransport_RequestResponse(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)
	b.transport.RegisterHandler(echoHandler)

	future := remoting.InvokeRemotely[proto.Response](context.Background(), a.repo, a.transport, b.addr(),
		[]byte("ping"), remoting.SingleResponseCollector{}, 5*time.Second)

	resp, err := waitResponse(t, future)
	require.NoError(t, err)

	success, ok := resp.(proto.SuccessResponse)
	require.True(t, ok)
	var value string
	require.NoError(t, json.Unmarshal(success.Value.(json.RawMessage), &value))
	assert.Equal(t, "ping", value)

	assert.Eventually(t, func() bool {
		return a.transport.GetStats().InFlight == 0
	}, time.Second, 5*time.Millisecond)

	stats := a.transport.GetStats()
	assert.Equal(t, uint64(1), stats.MessagesSent)
	assert.Equal(t, uint64(1), stats.MessagesReceived)
	assert.Equal(t, uint64(1), b.transport.GetStats().CommandsHandled)
}

func TestMeshTransport_RemoteException(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)
	b.transport.RegisterHandler(func(context.Context, proto.Address, []byte) proto.Response {
		return proto.ExceptionResponse{Err: errors.New("key locked")}
	})

	future := remoting.InvokeRemotely[proto.Response](context.Background(), a.repo, a.transport, b.addr(),
		nil, remoting.SingleResponseCollector{}, 5*time.Second)

	_, err := waitResponse(t, future)
	var remote *remoting.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, b.addr(), remote.Target)
	assert.EqualError(t, remote.Cause, "key locked")
}

func TestMeshTransport_InvokeOnAll(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)
	c := newTestNode(t, nil)
	b.transport.RegisterHandler(echoHandler)
	c.transport.RegisterHandler(echoHandler)

	future := remoting.InvokeOnAll[map[proto.Address]proto.Response](context.Background(), a.repo, a.transport,
		[]proto.Address{b.addr(), c.addr()}, []byte("x"), remoting.NewMapResponseCollector(false, 2), 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := future.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, b.addr())
	assert.Contains(t, got, c.addr())
}

func TestMeshTransport_Compression(t *testing.T) {
	a := newTestNode(t, func(c *Config) { c.CompressThreshold = 64 })
	b := newTestNode(t, func(c *Config) { c.CompressThreshold = 64 })
	b.transport.RegisterHandler(echoHandler)

	command := bytes.Repeat([]byte("a"), 4096)
	future := remoting.InvokeRemotely[proto.Response](context.Background(), a.repo, a.transport, b.addr(),
		command, remoting.SingleResponseCollector{}, 5*time.Second)

	resp, err := waitResponse(t, future)
	require.NoError(t, err)

	var value string
	require.NoError(t, json.Unmarshal(resp.(proto.SuccessResponse).Value.(json.RawMessage), &value))
	assert.Equal(t, string(command), value)
	assert.Equal(t, uint64(1), a.transport.GetStats().Compressed)
	assert.Equal(t, uint64(1), b.transport.GetStats().Compressed)
}

func TestMeshTransport_SendFailure(t *testing.T) {
	a := newTestNode(t, nil)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := proto.Address(strings.TrimPrefix(dead.URL, "http://"))
	dead.Close()

	future := remoting.InvokeRemotely[proto.Response](context.Background(), a.repo, a.transport, deadAddr,
		nil, remoting.SingleResponseCollector{}, 5*time.Second)

	_, err := waitResponse(t, future)
	require.ErrorIs(t, err, ErrNodeUnreachable)
	assert.Equal(t, uint64(1), a.transport.GetStats().SendErrors)
	assert.Equal(t, int64(0), a.transport.GetStats().InFlight)
	assert.Eventually(t, func() bool { return a.repo.Size() == 0 }, time.Second, time.Millisecond)
}

func TestMeshTransport_Timeout(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)
	release := make(chan struct{})
	defer close(release)
	b.transport.RegisterHandler(func(ctx context.Context, _ proto.Address, _ []byte) proto.Response {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return proto.SuccessResponse{Value: "late"}
	})

	future := remoting.InvokeRemotely[proto.Response](context.Background(), a.repo, a.transport, b.addr(),
		nil, remoting.SingleResponseCollector{}, 50*time.Millisecond)

	_, err := waitResponse(t, future)
	require.ErrorIs(t, err, remoting.ErrTimeout)
	assert.Equal(t, uint64(1), a.transport.GetStats().TrackerTimeouts)
	assert.Equal(t, int64(0), a.transport.GetStats().InFlight)
}

func TestMeshTransport_SendToSite(t *testing.T) {
	gateway := newTestNode(t, nil)
	gateway.transport.RegisterHandler(func(context.Context, proto.Address, []byte) proto.Response {
		return proto.ExceptionResponse{Err: errors.New("write skew")}
	})
	a := newTestNode(t, func(c *Config) {
		c.Sites = map[string]proto.Address{"lon": gateway.addr()}
	})

	t.Run("exception is passed through", func(t *testing.T) {
		resp, err := waitResponse(t, a.transport.SendToSite(context.Background(), "lon", nil, 5*time.Second))
		require.NoError(t, err)
		assert.Equal(t, proto.ResponseTypeException, resp.Type())
	})

	t.Run("unknown site", func(t *testing.T) {
		_, err := waitResponse(t, a.transport.SendToSite(context.Background(), "nyc", nil, time.Second))
		require.ErrorIs(t, err, ErrUnknownSite)
	})
}

func TestMeshTransport_SendToUnreachableSite(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := proto.Address(strings.TrimPrefix(dead.URL, "http://"))
	dead.Close()

	a := newTestNode(t, func(c *Config) {
		c.Sites = map[string]proto.Address{"lon": deadAddr}
	})

	// A request to the same site that is still waiting for its answer.
	pending, err := remoting.NewSingleSiteRequest[proto.Response](a.repo, remoting.PassthroughCollector{}, "lon",
		remoting.NewTracker(deadAddr, nil, nil))
	require.NoError(t, err)

	_, err = waitResponse(t, a.transport.SendToSite(context.Background(), "lon", nil, 5*time.Second))
	require.ErrorIs(t, err, ErrNodeUnreachable)

	resp, err := waitResponse(t, pending.Future())
	require.NoError(t, err)
	assert.Equal(t, proto.CacheNotFound, resp)
}

// newSlowGateway accepts envelopes only after delay, as a congested
// gateway would.
func newSlowGateway(t *testing.T, delay time.Duration) proto.Address {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)
	return proto.Address(strings.TrimPrefix(server.URL, "http://"))
}

func TestMeshTransport_SendToSlowSite(t *testing.T) {
	gateway := newSlowGateway(t, 800*time.Millisecond)
	a := newTestNode(t, func(c *Config) {
		c.Sites = map[string]proto.Address{"lon": gateway}
	})

	start := time.Now()
	future := a.transport.SendToSite(context.Background(), "lon", nil, 50*time.Millisecond)
	assert.Less(t, time.Since(start), 40*time.Millisecond, "SendToSite must not wait for the POST")

	_, err := waitResponse(t, future)
	require.ErrorIs(t, err, remoting.ErrTimeout)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Eventually(t, func() bool { return a.transport.GetStats().InFlight == 0 }, time.Second, 5*time.Millisecond)
}

func TestMeshTransport_BackupToSlowSites(t *testing.T) {
	gateway := newSlowGateway(t, 800*time.Millisecond)
	a := newTestNode(t, func(c *Config) {
		c.Sites = map[string]proto.Address{"lon": gateway, "nyc": gateway}
	})

	sender, err := xsite.NewBackupSender(xsite.SenderConfig{
		Logger: zerolog.Nop(),
		Sites: []xsite.SiteConfig{
			{Backup: xsite.Backup{Site: "lon", Sync: true, Timeout: 50 * time.Millisecond}},
			{Backup: xsite.Backup{Site: "nyc", Sync: true, Timeout: 50 * time.Millisecond}},
		},
	}, a.transport)
	require.NoError(t, err)

	start := time.Now()
	resp, err := sender.BackupAndWait(context.Background(), []byte("put k v"))
	require.NoError(t, err, "warn policy keeps the write")
	assert.Less(t, time.Since(start), 400*time.Millisecond, "each site waits its own budget once")

	failed := resp.FailedBackups()
	require.Len(t, failed, 2)
	for _, site := range []string{"lon", "nyc"} {
		var siteErr *xsite.SiteTimeoutError
		require.ErrorAs(t, failed[site], &siteErr)
		assert.Equal(t, site, siteErr.Site)
	}
	assert.Equal(t, []string{"lon", "nyc"}, resp.CommunicationErrors())
}

func TestMeshTransport_ServeHTTP(t *testing.T) {
	n := newTestNode(t, nil)

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		n.transport.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MessagePath, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

		var body proto.ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, http.StatusMethodNotAllowed, body.Code)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		rec := httptest.NewRecorder()
		n.transport.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, MessagePath, strings.NewReader("{")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("request without handler", func(t *testing.T) {
		data, err := proto.NewRequestMessage("m1", "node-x:7000", 1, nil).Marshal()
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		n.transport.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, MessagePath, bytes.NewReader(data)))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("late response is accepted", func(t *testing.T) {
		msg, err := proto.NewResponseMessage("m2", "node-x:7000", 999, proto.SuccessResponse{Value: 1})
		require.NoError(t, err)
		data, err := msg.Marshal()
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		n.transport.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, MessagePath, bytes.NewReader(data)))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, uint64(1), n.repo.GetStats().UnknownResponses)
	})
}

func TestMeshTransport_MessageTooLarge(t *testing.T) {
	n := newTestNode(t, func(c *Config) { c.MaxMessageSize = 16 })

	data, err := proto.NewRequestMessage("m1", "node-x:7000", 1, bytes.Repeat([]byte("z"), 64)).Marshal()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	n.transport.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, MessagePath, bytes.NewReader(data)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMeshTransport_RateLimit(t *testing.T) {
	n := newTestNode(t, func(c *Config) {
		c.RateLimit = 1
		c.RateBurst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		n.transport.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, MessagePath, strings.NewReader("{")))
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
	assert.Equal(t, uint64(1), n.transport.GetStats().RateLimited)
}
