package remoting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

func TestInvokeRemotely(t *testing.T) {
	repo := newTestRepository(t)
	transport := newFakeTransport()

	future := InvokeRemotely[proto.Response](context.Background(), repo, transport, "b", []byte("get k"), SingleResponseCollector{}, time.Second)
	id := transport.lastRequest(t, "b")

	repo.AddResponse(id, "b", proto.SuccessResponse{Value: "v"})

	got, err := waitFuture(t, future)
	require.NoError(t, err)
	assert.Equal(t, proto.SuccessResponse{Value: "v"}, got)
	assert.Equal(t, int32(1), transport.tracker("b").completes.Load())
}

func TestInvokeRemotely_SendFailure(t *testing.T) {
	repo := newTestRepository(t)
	transport := newFakeTransport()
	transport.failFor = "b"
	transport.sendErr = errors.New("connection refused")

	future := InvokeRemotely[proto.Response](context.Background(), repo, transport, "b", nil, SingleResponseCollector{}, time.Second)

	_, err := waitFuture(t, future)
	require.ErrorIs(t, err, transport.sendErr)
	assert.Equal(t, int32(1), transport.tracker("b").completes.Load())
	assert.Eventually(t, func() bool { return repo.Size() == 0 }, time.Second, time.Millisecond)
}

func TestInvokeRemotely_DoesNotWaitForSend(t *testing.T) {
	repo := newTestRepository(t)
	transport := newFakeTransport()
	transport.hold = make(chan struct{})
	defer close(transport.hold)

	start := time.Now()
	future := InvokeRemotely[proto.Response](context.Background(), repo, transport, "b", nil, SingleResponseCollector{}, 200*time.Millisecond)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, future.IsDone())

	_, err := waitFuture(t, future)
	require.ErrorIs(t, err, ErrTimeout, "a stalled send ends with the request timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), transport.tracker("b").timeouts.Load())
	assert.Equal(t, int32(1), transport.tracker("b").notifications())
}

func TestInvokeRemotely_SendCancelled(t *testing.T) {
	repo := newTestRepository(t)
	transport := newFakeTransport()
	transport.hold = make(chan struct{})
	defer close(transport.hold)

	ctx, cancel := context.WithCancel(context.Background())
	future := InvokeRemotely[proto.Response](ctx, repo, transport, "b", nil, SingleResponseCollector{}, time.Minute)
	cancel()

	_, err := waitFuture(t, future)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), transport.tracker("b").completes.Load())
}

func TestInvokeRemotely_TargetAlreadyLeft(t *testing.T) {
	repo := newTestRepository(t)
	repo.OnNewView(NewMembers("a"))
	transport := newFakeTransport()

	future := InvokeRemotely[proto.Response](context.Background(), repo, transport, "b", nil, SingleResponseCollector{}, 0)

	_, err := waitFuture(t, future)
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestInvokeOnAll(t *testing.T) {
	repo := newTestRepository(t)
	transport := newFakeTransport()
	targets := []proto.Address{"a", "b"}

	future := InvokeOnAll[map[proto.Address]proto.Response](context.Background(), repo, transport, targets, nil, NewMapResponseCollector(false, 2), time.Second)
	idA := transport.lastRequest(t, "a")
	idB := transport.lastRequest(t, "b")
	require.Equal(t, idA, idB, "one request id for every target")

	repo.AddResponse(idA, "a", proto.SuccessResponse{Value: 1})
	repo.AddResponse(idB, "b", proto.SuccessResponse{Value: 2})

	got, err := waitFuture(t, future)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestInvokeOnAll_SendFailureReleasesTrackers(t *testing.T) {
	repo := newTestRepository(t)
	transport := newFakeTransport()
	transport.failFor = "b"
	transport.sendErr = errors.New("broken pipe")

	future := InvokeOnAll[map[proto.Address]proto.Response](context.Background(), repo, transport, []proto.Address{"a", "b"}, nil, NewMapResponseCollector(false, 2), time.Second)

	_, err := waitFuture(t, future)
	require.ErrorIs(t, err, transport.sendErr)
	assert.Equal(t, int32(1), transport.tracker("a").notifications())
	assert.Equal(t, int32(1), transport.tracker("b").notifications())
}

func TestInvokeOnAll_SendsConcurrently(t *testing.T) {
	repo := newTestRepository(t)
	transport := newFakeTransport()
	transport.hold = make(chan struct{})
	targets := []proto.Address{"a", "b", "c"}

	start := time.Now()
	future := InvokeOnAll[map[proto.Address]proto.Response](context.Background(), repo, transport, targets, nil, NewMapResponseCollector(false, 3), time.Second)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(transport.hold)
	for _, dest := range targets {
		id := transport.lastRequest(t, dest)
		repo.AddResponse(id, dest, proto.SuccessResponse{Value: string(dest)})
	}

	got, err := waitFuture(t, future)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestInvokeOnAll_NoTargets(t *testing.T) {
	repo := newTestRepository(t)
	future := InvokeOnAll[map[proto.Address]proto.Response](context.Background(), repo, newFakeTransport(), nil, nil, NewMapResponseCollector(false, 0), time.Second)

	_, err := waitFuture(t, future)
	require.Error(t, err)
}
