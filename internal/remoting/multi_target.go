package remoting

import (
	"errors"
	"time"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// MultiTargetRequest waits for the responses of several destinations. Each
// destination has its own tracker slot; consuming a slot grants the right
// to fold that destination's response. The collector is finished when the
// last slot is consumed, unless it reached a final outcome earlier.
type MultiTargetRequest[T any] struct {
	baseRequest[T]
	targets  []proto.Address
	trackers []trackerSlot
	index    map[proto.Address]int

	// pending is guarded by collectorMu.
	pending int
}

var _ Request = (*MultiTargetRequest[any])(nil)

// NewMultiTargetRequest creates a request for the destinations of trackers
// and registers it with repo.
func NewMultiTargetRequest[T any](repo *RequestRepository, collector ResponseCollector[T], trackers []RequestTracker) (*MultiTargetRequest[T], error) {
	if len(trackers) == 0 {
		return nil, errors.New("multi target request needs at least one tracker")
	}
	if collector.Kind() == SingleResponse && len(trackers) > 1 {
		return nil, errors.New("single response collector cannot serve several targets")
	}

	r := &MultiTargetRequest[T]{
		targets:  make([]proto.Address, len(trackers)),
		trackers: make([]trackerSlot, len(trackers)),
		index:    make(map[proto.Address]int, len(trackers)),
		pending:  len(trackers),
	}
	r.init(repo, collector)
	for i, t := range trackers {
		if t == nil {
			return nil, errors.New("nil tracker")
		}
		dest := t.Destination()
		if _, dup := r.index[dest]; dup {
			return nil, errors.New("duplicate target " + dest.String())
		}
		r.targets[i] = dest
		r.index[dest] = i
		r.trackers[i].init(t)
	}
	if err := repo.Add(r); err != nil {
		return nil, err
	}
	return r, nil
}

// SetTimeout arms the request timeout. Zero disables it.
func (r *MultiTargetRequest[T]) SetTimeout(d time.Duration) {
	r.setTimeout(d, r.OnTimeout)
}

// Targets returns every destination of the request.
func (r *MultiTargetRequest[T]) Targets() []proto.Address {
	return append([]proto.Address(nil), r.targets...)
}

// OnResponse folds the response of sender. Responses from unknown senders
// and repeated responses are dropped.
func (r *MultiTargetRequest[T]) OnResponse(sender proto.Address, resp proto.Response) {
	i, ok := r.index[sender]
	if !ok {
		r.logger.Warn().
			Str("sender", sender.String()).
			Msg("Received response from unexpected sender")
		return
	}
	tracker := r.trackers[i].consume()
	if tracker == nil {
		return
	}
	tracker.OnComplete()
	r.fold(sender, resp)
}

// OnNewView folds a cache-not-found response for every pending destination
// missing from members. It returns true once no destination is pending.
func (r *MultiTargetRequest[T]) OnNewView(members Members) bool {
	for i := range r.trackers {
		tracker := r.trackers[i].consumeWhen(func(t RequestTracker) bool {
			return !members.Contains(t.Destination())
		})
		if tracker == nil {
			continue
		}
		tracker.OnComplete()
		r.logger.Debug().
			Str("target", tracker.Destination().String()).
			Msg("Target left the cluster")
		r.fold(tracker.Destination(), proto.CacheNotFound)
	}

	for i := range r.trackers {
		if r.trackers[i].live() {
			return r.IsDone()
		}
	}
	return true
}

// OnTimeout fails the request, naming every destination still pending. It
// is a no-op when no destination is pending.
func (r *MultiTargetRequest[T]) OnTimeout() {
	var missing []proto.Address
	for i := range r.trackers {
		if tracker := r.trackers[i].consume(); tracker != nil {
			tracker.OnTimeout()
			missing = append(missing, tracker.Destination())
		}
	}
	if len(missing) == 0 {
		return
	}
	r.CompleteExceptionally(&TimeoutError{
		RequestID: r.id,
		Targets:   missing,
		Elapsed:   time.Since(r.startedAt).Truncate(time.Millisecond),
	})
}

func (r *MultiTargetRequest[T]) fold(sender proto.Address, resp proto.Response) {
	result, done, err := r.addResponse(sender, resp, func() bool {
		r.pending--
		return r.pending == 0
	})
	if !done {
		return
	}
	r.finish(result, err)

	// Release trackers of targets that never answered.
	for i := range r.trackers {
		if tracker := r.trackers[i].consume(); tracker != nil {
			tracker.OnComplete()
		}
	}
}

// abort fails the request when a send failed or the repository closed.
func (r *MultiTargetRequest[T]) abort(err error) {
	for i := range r.trackers {
		if tracker := r.trackers[i].consume(); tracker != nil {
			tracker.OnComplete()
		}
	}
	r.CompleteExceptionally(err)
}
