package remoting

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// Members is the set of addresses in a cluster view.
type Members map[proto.Address]struct{}

// NewMembers builds a Members set.
func NewMembers(addrs ...proto.Address) Members {
	m := make(Members, len(addrs))
	for _, a := range addrs {
		m[a] = struct{}{}
	}
	return m
}

// Contains reports whether addr is a member.
func (m Members) Contains(addr proto.Address) bool {
	_, ok := m[addr]
	return ok
}

// Request is the correlation unit the repository routes events to. The
// three event methods may be called concurrently from transport,
// membership and timer goroutines; the request completes exactly once.
type Request interface {
	ID() int64
	// OnResponse delivers a response from sender.
	OnResponse(sender proto.Address, resp proto.Response)
	// OnNewView reports a membership change. It returns true once the
	// request no longer needs view notifications.
	OnNewView(members Members) bool
	// OnTimeout is called by the timeout scheduler.
	OnTimeout()
	// IsDone reports whether the request reached its terminal state.
	IsDone() bool
	// CompleteExceptionally fails the request unless it is already done.
	CompleteExceptionally(err error)
	// abort releases every live tracker with OnComplete and fails the
	// request with err.
	abort(err error)
}

// baseRequest holds what every request kind shares: the id, the collector
// and its lock, the future and the timeout timer.
type baseRequest[T any] struct {
	id         int64
	collector  ResponseCollector[T]
	repository *RequestRepository
	future     *Future[T]
	logger     zerolog.Logger
	startedAt  time.Time

	// collectorMu guards collector unless its kind is SingleResponse.
	collectorMu sync.Mutex

	timerMu sync.Mutex
	timer   *time.Timer
	timeout time.Duration
}

func (r *baseRequest[T]) init(repo *RequestRepository, collector ResponseCollector[T]) {
	r.id = repo.NewRequestID()
	r.collector = collector
	r.repository = repo
	r.future = NewFuture[T]()
	r.logger = repo.logger.With().Int64("request_id", r.id).Logger()
	r.startedAt = time.Now()
}

// ID returns the request id.
func (r *baseRequest[T]) ID() int64 {
	return r.id
}

// Future is how callers wait for the outcome.
func (r *baseRequest[T]) Future() *Future[T] {
	return r.future
}

// IsDone reports whether the request has completed.
func (r *baseRequest[T]) IsDone() bool {
	return r.future.IsDone()
}

// Timeout returns the timeout set with SetTimeout, or zero.
func (r *baseRequest[T]) Timeout() time.Duration {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	return r.timeout
}

// Complete resolves the request with v. No-op if it is already done.
func (r *baseRequest[T]) Complete(v T) {
	if r.future.Complete(v) {
		r.onCompleted(nil)
	}
}

// CompleteExceptionally fails the request with err. No-op if it is already
// done.
func (r *baseRequest[T]) CompleteExceptionally(err error) {
	if r.future.CompleteExceptionally(err) {
		r.onCompleted(err)
	}
}

func (r *baseRequest[T]) finish(v T, err error) {
	if err != nil {
		r.CompleteExceptionally(err)
		return
	}
	r.Complete(v)
}

// onCompleted runs once, on the goroutine that completed the future.
func (r *baseRequest[T]) onCompleted(err error) {
	r.timerMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerMu.Unlock()

	r.repository.requestCompleted(r.id, time.Since(r.startedAt), err)
}

// setTimeout arms the timer that calls onTimeout. A zero or negative
// timeout disables it.
func (r *baseRequest[T]) setTimeout(d time.Duration, onTimeout func()) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timeout = d
	if d <= 0 || r.future.IsDone() {
		return
	}
	r.timer = time.AfterFunc(d, func() {
		if r.future.IsDone() {
			return
		}
		onTimeout()
	})
}

// addResponse folds resp into the collector. When the collector did not
// reach a final outcome and isLast reports that no other destination is
// pending, the collector is finished. isLast runs under the collector lock;
// nil means sender was the only destination. Only the goroutine that
// consumed the tracker of sender may call it.
func (r *baseRequest[T]) addResponse(sender proto.Address, resp proto.Response, isLast func() bool) (T, bool, error) {
	if r.collector.Kind() != SingleResponse {
		r.collectorMu.Lock()
		defer r.collectorMu.Unlock()
	}
	result, done, err := r.collector.AddResponse(sender, resp)
	if done || err != nil {
		return result, true, err
	}
	if isLast != nil && !isLast() {
		return result, false, nil
	}
	result, err = r.collector.Finish()
	return result, true, err
}
