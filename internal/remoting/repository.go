package remoting

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// RepositoryConfig contains configuration for the request repository.
type RepositoryConfig struct {
	Logger zerolog.Logger
	// MaxPendingRequests bounds the number of live requests (0 = unlimited).
	MaxPendingRequests int
}

// RequestRepository maps request ids to live requests. The transport routes
// responses through it, and the membership listener fans view changes out
// to every live request.
type RequestRepository struct {
	logger             zerolog.Logger
	maxPendingRequests int
	nextID             atomic.Int64
	view               atomic.Pointer[Members]

	mu       sync.RWMutex
	requests map[int64]Request
	closed   bool

	// Metrics
	metricsMu        sync.RWMutex
	startedCount     uint64
	succeededCount   uint64
	timedOutCount    uint64
	unreachableCount uint64
	remoteErrorCount uint64
	otherErrorCount  uint64
	unknownResponses uint64
	viewChanges      uint64
	rejectedCount    uint64
	totalLatency     time.Duration
}

// NewRequestRepository creates an empty repository.
func NewRequestRepository(config RepositoryConfig) *RequestRepository {
	return &RequestRepository{
		logger:             config.Logger.With().Str("component", "request-repository").Logger(),
		maxPendingRequests: config.MaxPendingRequests,
		requests:           make(map[int64]Request),
	}
}

// NewRequestID returns the next request id. Ids are unique for the lifetime
// of the repository.
func (r *RequestRepository) NewRequestID() int64 {
	return r.nextID.Add(1)
}

// Add registers a request so that responses and view changes reach it.
func (r *RequestRepository) Add(req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRepositoryClosed
	}
	if _, exists := r.requests[req.ID()]; exists {
		return fmt.Errorf("duplicate request id %d", req.ID())
	}
	if r.maxPendingRequests > 0 && len(r.requests) >= r.maxPendingRequests {
		r.logger.Warn().
			Int("pending", len(r.requests)).
			Int("limit", r.maxPendingRequests).
			Msg("Rejecting request: pending limit reached")
		r.incrementRejected()
		return fmt.Errorf("pending request limit %d reached", r.maxPendingRequests)
	}

	r.requests[req.ID()] = req
	r.incrementStarted()
	return nil
}

// Get returns the live request with id.
func (r *RequestRepository) Get(id int64) (Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	return req, ok
}

// Remove forgets a request. Requests remove themselves on completion.
func (r *RequestRepository) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, id)
}

// Size returns the number of live requests.
func (r *RequestRepository) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.requests)
}

// AddResponse routes a response to the request with id. Responses for
// unknown ids are late arrivals for requests that already completed.
func (r *RequestRepository) AddResponse(id int64, sender proto.Address, resp proto.Response) {
	req, ok := r.Get(id)
	if !ok {
		r.logger.Trace().
			Int64("request_id", id).
			Str("sender", sender.String()).
			Msg("Ignoring response for unknown request")
		r.incrementUnknownResponses()
		return
	}
	req.OnResponse(sender, resp)
}

// CurrentView returns the last view passed to OnNewView.
func (r *RequestRepository) CurrentView() (Members, bool) {
	if v := r.view.Load(); v != nil {
		return *v, true
	}
	return nil, false
}

// OnNewView notifies every live request of a new cluster view and returns
// the number of requests that handled it.
func (r *RequestRepository) OnNewView(members Members) int {
	r.view.Store(&members)

	live := r.snapshot()

	handled := 0
	for _, req := range live {
		if req.OnNewView(members) {
			handled++
		}
	}

	r.metricsMu.Lock()
	r.viewChanges++
	r.metricsMu.Unlock()

	r.logger.Debug().
		Int("members", len(members)).
		Int("requests", len(live)).
		Int("handled", handled).
		Msg("Processed view change")
	return handled
}

// OnSiteUnreachable completes every live request for site with a
// cache-not-found response and returns how many it completed.
func (r *RequestRepository) OnSiteUnreachable(site string) int {
	handled := 0
	for _, req := range r.snapshot() {
		sr, ok := req.(interface{ SiteUnreachable(string) bool })
		if ok && sr.SiteUnreachable(site) {
			handled++
		}
	}
	if handled > 0 {
		r.logger.Debug().Str("site", site).Int("handled", handled).Msg("Site unreachable")
	}
	return handled
}

func (r *RequestRepository) snapshot() []Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live := make([]Request, 0, len(r.requests))
	for _, req := range r.requests {
		live = append(live, req)
	}
	return live
}

// Close fails every live request with ErrRepositoryClosed, releasing its
// trackers, and rejects new ones.
func (r *RequestRepository) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	live := make([]Request, 0, len(r.requests))
	for _, req := range r.requests {
		live = append(live, req)
	}
	r.mu.Unlock()

	for _, req := range live {
		req.abort(ErrRepositoryClosed)
	}
	r.logger.Info().Int("failed", len(live)).Msg("Request repository closed")
}

// requestCompleted is called exactly once per request, by the goroutine
// that completed it.
func (r *RequestRepository) requestCompleted(id int64, latency time.Duration, err error) {
	r.Remove(id)

	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()

	r.totalLatency += latency
	var remote *RemoteError
	switch {
	case err == nil:
		r.succeededCount++
	case errors.Is(err, ErrTimeout):
		r.timedOutCount++
	case errors.Is(err, ErrUnreachable):
		r.unreachableCount++
	case errors.As(err, &remote):
		r.remoteErrorCount++
	default:
		r.otherErrorCount++
	}
}

// Stats contains request correlation statistics.
type Stats struct {
	Started          uint64        `json:"started"`
	Succeeded        uint64        `json:"succeeded"`
	TimedOut         uint64        `json:"timed_out"`
	Unreachable      uint64        `json:"unreachable"`
	RemoteErrors     uint64        `json:"remote_errors"`
	OtherErrors      uint64        `json:"other_errors"`
	UnknownResponses uint64        `json:"unknown_responses"`
	ViewChanges      uint64        `json:"view_changes"`
	Rejected         uint64        `json:"rejected"`
	TotalLatency     time.Duration `json:"total_latency"`
	Pending          int           `json:"pending"`
}

// GetStats returns a snapshot of the repository statistics.
func (r *RequestRepository) GetStats() Stats {
	pending := r.Size()

	r.metricsMu.RLock()
	defer r.metricsMu.RUnlock()

	return Stats{
		Started:          r.startedCount,
		Succeeded:        r.succeededCount,
		TimedOut:         r.timedOutCount,
		Unreachable:      r.unreachableCount,
		RemoteErrors:     r.remoteErrorCount,
		OtherErrors:      r.otherErrorCount,
		UnknownResponses: r.unknownResponses,
		ViewChanges:      r.viewChanges,
		Rejected:         r.rejectedCount,
		TotalLatency:     r.totalLatency,
		Pending:          pending,
	}
}

func (r *RequestRepository) incrementStarted() {
	r.metricsMu.Lock()
	r.startedCount++
	r.metricsMu.Unlock()
}

func (r *RequestRepository) incrementRejected() {
	r.metricsMu.Lock()
	r.rejectedCount++
	r.metricsMu.Unlock()
}

func (r *RequestRepository) incrementUnknownResponses() {
	r.metricsMu.Lock()
	r.unknownResponses++
	r.metricsMu.Unlock()
}
