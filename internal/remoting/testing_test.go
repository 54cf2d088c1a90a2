package remoting

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// countingTracker records how often it was notified.
type countingTracker struct {
	dest      proto.Address
	completes atomic.Int32
	timeouts  atomic.Int32
}

func newCountingTracker(dest proto.Address) *countingTracker {
	return &countingTracker{dest: dest}
}

func (t *countingTracker) Destination() proto.Address { return t.dest }
func (t *countingTracker) ResetSendTime()             {}
func (t *countingTracker) OnComplete()                { t.completes.Add(1) }
func (t *countingTracker) OnTimeout()                 { t.timeouts.Add(1) }

func (t *countingTracker) notifications() int32 {
	return t.completes.Load() + t.timeouts.Load()
}

// multiKind forces the locked code path for a collector that would
// otherwise run lock-free.
type multiKind[T any] struct {
	ResponseCollector[T]
}

func (multiKind[T]) Kind() CollectorKind { return MultiResponse }

func newTestRepository(t *testing.T) *RequestRepository {
	t.Helper()
	repo := NewRequestRepository(RepositoryConfig{Logger: zerolog.Nop()})
	t.Cleanup(repo.Close)
	return repo
}

func waitFuture[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-f.Done():
	case <-ctx.Done():
		t.Fatal("future was not completed in time")
	}
	return f.Get(ctx)
}

// fakeTransport records sends and can be told to fail or stall them.
type fakeTransport struct {
	mu       sync.Mutex
	sent     map[proto.Address][]int64
	trackers map[proto.Address]*countingTracker
	failFor  proto.Address
	sendErr  error
	// hold, when set, stalls every send until it is closed or the send
	// context ends.
	hold chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:     make(map[proto.Address][]int64),
		trackers: make(map[proto.Address]*countingTracker),
	}
}

func (f *fakeTransport) NewTracker(dest proto.Address) RequestTracker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newCountingTracker(dest)
	f.trackers[dest] = t
	return t
}

func (f *fakeTransport) Send(ctx context.Context, dest proto.Address, requestID int64, _ []byte) error {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil && dest == f.failFor {
		return f.sendErr
	}
	f.sent[dest] = append(f.sent[dest], requestID)
	return nil
}

func (f *fakeTransport) tracker(dest proto.Address) *countingTracker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trackers[dest]
}

// lastRequest waits for a send to dest and returns its request id.
func (f *fakeTransport) lastRequest(t *testing.T, dest proto.Address) int64 {
	t.Helper()
	var id int64
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		ids := f.sent[dest]
		if len(ids) == 0 {
			return false
		}
		id = ids[len(ids)-1]
		return true
	}, 2*time.Second, time.Millisecond, "nothing sent to %s", dest)
	return id
}
