package remoting

import (
	"context"
	"fmt"
	"time"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// Transport is the send side that the correlation core drives.
type Transport interface {
	// NewTracker returns the bookkeeping handle for one send to dest.
	NewTracker(dest proto.Address) RequestTracker

	// Send dispatches command to dest as request requestID. The response
	// must come back through RequestRepository.AddResponse.
	Send(ctx context.Context, dest proto.Address, requestID int64, command []byte) error
}

// dispatch sends command to dest on its own goroutine so that callers never
// wait on the network. A positive timeout bounds the send as well. When
// that bound is what stopped the send, the request timer reports the
// timeout and onError is not called.
func dispatch(ctx context.Context, transport Transport, dest proto.Address, requestID int64, command []byte, timeout time.Duration, onError func(error)) {
	go func() {
		sendCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err := transport.Send(sendCtx, dest, requestID, command)
		if err == nil {
			return
		}
		if timeout > 0 && sendCtx.Err() != nil && ctx.Err() == nil {
			return
		}
		onError(err)
	}()
}

// InvokeRemotely sends command to dest and returns the future of the
// request without waiting for the send. A zero timeout waits until a
// response or a view change.
func InvokeRemotely[T any](ctx context.Context, repo *RequestRepository, transport Transport, dest proto.Address, command []byte, collector ResponseCollector[T], timeout time.Duration) *Future[T] {
	tracker := transport.NewTracker(dest)
	req, err := NewSingleTargetRequest(repo, collector, tracker)
	if err != nil {
		tracker.OnComplete()
		return FailedFuture[T](err)
	}
	req.SetTimeout(timeout)

	dispatch(ctx, transport, dest, req.ID(), command, timeout, func(err error) {
		req.abort(fmt.Errorf("send request %d to %s: %w", req.ID(), dest, err))
	})

	// The destination may have left before the request was registered.
	if view, ok := repo.CurrentView(); ok {
		req.OnNewView(view)
	}
	return req.Future()
}

// InvokeOnAll sends command to every target concurrently and returns the
// future of the request. A failed send fails the whole request.
func InvokeOnAll[T any](ctx context.Context, repo *RequestRepository, transport Transport, targets []proto.Address, command []byte, collector ResponseCollector[T], timeout time.Duration) *Future[T] {
	trackers := make([]RequestTracker, len(targets))
	for i, dest := range targets {
		trackers[i] = transport.NewTracker(dest)
	}

	req, err := NewMultiTargetRequest(repo, collector, trackers)
	if err != nil {
		for _, t := range trackers {
			t.OnComplete()
		}
		return FailedFuture[T](err)
	}
	req.SetTimeout(timeout)

	for _, dest := range targets {
		dispatch(ctx, transport, dest, req.ID(), command, timeout, func(err error) {
			req.abort(fmt.Errorf("send request %d to %s: %w", req.ID(), dest, err))
		})
	}

	if view, ok := repo.CurrentView(); ok {
		req.OnNewView(view)
	}
	return req.Future()
}
