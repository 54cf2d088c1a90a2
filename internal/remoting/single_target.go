package remoting

import (
	"errors"
	"time"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// SingleTargetRequest waits for the response of one destination.
//
// A response, a view change removing the destination and the timeout timer
// all race to complete it. The tracker slot is the only serialization
// point: the trigger that consumes the live tracker folds the response
// and completes the request, every other trigger backs off.
type SingleTargetRequest[T any] struct {
	baseRequest[T]
	tracker trackerSlot
}

var _ Request = (*SingleTargetRequest[any])(nil)

// NewSingleTargetRequest creates a request for tracker's destination and
// registers it with repo under a fresh id.
func NewSingleTargetRequest[T any](repo *RequestRepository, collector ResponseCollector[T], tracker RequestTracker) (*SingleTargetRequest[T], error) {
	r := &SingleTargetRequest[T]{}
	if err := r.initTarget(repo, collector, tracker); err != nil {
		return nil, err
	}
	if err := repo.Add(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SingleTargetRequest[T]) initTarget(repo *RequestRepository, collector ResponseCollector[T], tracker RequestTracker) error {
	if tracker == nil {
		return errors.New("single target request needs a tracker")
	}
	r.init(repo, collector)
	r.tracker.init(tracker)
	return nil
}

// SetTimeout arms the request timeout. Zero disables it.
func (r *SingleTargetRequest[T]) SetTimeout(d time.Duration) {
	r.setTimeout(d, r.OnTimeout)
}

// OnResponse handles a response delivered by the transport.
func (r *SingleTargetRequest[T]) OnResponse(sender proto.Address, resp proto.Response) {
	tracker := r.tracker.consume()
	if tracker == nil {
		r.logger.Trace().
			Str("sender", sender.String()).
			Msg("Ignoring response, request already resolved")
		return
	}
	if dest := tracker.Destination(); dest != sender {
		r.logger.Warn().
			Str("sender", sender.String()).
			Str("target", dest.String()).
			Msg("Received response from unexpected sender")
	}
	tracker.OnComplete()

	result, _, err := r.addResponse(sender, resp, nil)
	r.finish(result, err)
}

// OnNewView completes the request with a cache-not-found response when the
// destination is not in members. It returns false if the destination is
// still a member or the request was already resolved by another trigger.
func (r *SingleTargetRequest[T]) OnNewView(members Members) bool {
	tracker := r.tracker.consumeWhen(func(t RequestTracker) bool {
		return !members.Contains(t.Destination())
	})
	if tracker == nil {
		return false
	}
	tracker.OnComplete()

	dest := tracker.Destination()
	r.logger.Debug().
		Str("target", dest.String()).
		Msg("Target left the cluster, completing request")

	result, _, err := r.addResponse(dest, proto.CacheNotFound, nil)
	r.finish(result, err)
	return true
}

// OnTimeout fails the request with a *TimeoutError. It is a no-op when a
// response or a view change already consumed the tracker.
func (r *SingleTargetRequest[T]) OnTimeout() {
	tracker := r.tracker.consume()
	if tracker == nil {
		return
	}
	tracker.OnTimeout()
	r.CompleteExceptionally(&TimeoutError{
		RequestID: r.id,
		Targets:   []proto.Address{tracker.Destination()},
		Elapsed:   time.Since(r.startedAt).Truncate(time.Millisecond),
	})
}

// Target returns the destination while it is still pending.
func (r *SingleTargetRequest[T]) Target() (proto.Address, bool) {
	if t := r.tracker.peek(); t != nil {
		return t.Destination(), true
	}
	return "", false
}

// abort fails the request when its send failed or the repository closed.
func (r *SingleTargetRequest[T]) abort(err error) {
	if tracker := r.tracker.consume(); tracker != nil {
		tracker.OnComplete()
	}
	r.CompleteExceptionally(err)
}
