package remoting

import (
	"sync/atomic"
	"time"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// RequestTracker is the transport's handle for one outstanding send to one
// destination. A request notifies it exactly once, with either OnComplete
// or OnTimeout, when it stops waiting for that destination.
type RequestTracker interface {
	Destination() proto.Address
	// ResetSendTime restarts the latency clock, for retransmissions.
	ResetSendTime()
	OnComplete()
	OnTimeout()
}

// TrackerFunc is called with the destination and the time since the last
// send when a Tracker is notified.
type TrackerFunc func(dest proto.Address, elapsed time.Duration)

// Tracker is the default RequestTracker. The callbacks let the transport
// release its per-send bookkeeping.
type Tracker struct {
	dest       proto.Address
	sendTime   atomic.Int64
	onComplete TrackerFunc
	onTimeout  TrackerFunc
}

var _ RequestTracker = (*Tracker)(nil)

// NewTracker creates a tracker for dest. Either callback may be nil.
func NewTracker(dest proto.Address, onComplete, onTimeout TrackerFunc) *Tracker {
	t := &Tracker{
		dest:       dest,
		onComplete: onComplete,
		onTimeout:  onTimeout,
	}
	t.ResetSendTime()
	return t
}

func (t *Tracker) Destination() proto.Address {
	return t.dest
}

func (t *Tracker) ResetSendTime() {
	t.sendTime.Store(time.Now().UnixNano())
}

// Elapsed returns the time since the last send.
func (t *Tracker) Elapsed() time.Duration {
	return time.Duration(time.Now().UnixNano() - t.sendTime.Load())
}

func (t *Tracker) OnComplete() {
	if t.onComplete != nil {
		t.onComplete(t.dest, t.Elapsed())
	}
}

func (t *Tracker) OnTimeout() {
	if t.onTimeout != nil {
		t.onTimeout(t.dest, t.Elapsed())
	}
}

// trackerSlot holds a tracker that is consumed at most once. Whoever
// swaps the live tracker out owns the destination's outcome.
type trackerSlot struct {
	ref atomic.Pointer[trackerRef]
}

type trackerRef struct {
	RequestTracker
}

func (s *trackerSlot) init(t RequestTracker) {
	if t != nil {
		s.ref.Store(&trackerRef{t})
	}
}

// peek returns the live tracker without consuming it, or nil.
func (s *trackerSlot) peek() RequestTracker {
	if ref := s.ref.Load(); ref != nil {
		return ref.RequestTracker
	}
	return nil
}

// consume clears the slot and returns the tracker it held, or nil if it was
// already consumed.
func (s *trackerSlot) consume() RequestTracker {
	if ref := s.ref.Swap(nil); ref != nil {
		return ref.RequestTracker
	}
	return nil
}

// consumeWhen clears the slot only if the live tracker satisfies pred, and
// returns the tracker it cleared.
func (s *trackerSlot) consumeWhen(pred func(RequestTracker) bool) RequestTracker {
	ref := s.ref.Load()
	if ref == nil || !pred(ref.RequestTracker) {
		return nil
	}
	if !s.ref.CompareAndSwap(ref, nil) {
		return nil
	}
	return ref.RequestTracker
}

func (s *trackerSlot) live() bool {
	return s.ref.Load() != nil
}
