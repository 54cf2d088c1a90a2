package remoting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// SingleSiteRequest waits for the response of a remote site's gateway.
// The gateway is not a member of the local cluster, so local view changes
// never resolve it. SiteUnreachable plays that role instead.
type SingleSiteRequest[T any] struct {
	SingleTargetRequest[T]
	site string
}

var _ Request = (*SingleSiteRequest[any])(nil)

// NewSingleSiteRequest creates a request for site, sent through the gateway
// that tracker points at, and registers it with repo.
func NewSingleSiteRequest[T any](repo *RequestRepository, collector ResponseCollector[T], site string, tracker RequestTracker) (*SingleSiteRequest[T], error) {
	r := &SingleSiteRequest[T]{site: site}
	if err := r.initTarget(repo, collector, tracker); err != nil {
		return nil, err
	}
	if err := repo.Add(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Site returns the remote site name.
func (r *SingleSiteRequest[T]) Site() string {
	return r.site
}

// OnNewView ignores local membership.
func (r *SingleSiteRequest[T]) OnNewView(Members) bool {
	return false
}

// SiteUnreachable completes the request with a cache-not-found response if
// it targets site. It reports whether the request handled the event.
func (r *SingleSiteRequest[T]) SiteUnreachable(site string) bool {
	if site != r.site {
		return false
	}
	tracker := r.tracker.consume()
	if tracker == nil {
		return false
	}
	tracker.OnComplete()

	r.logger.Debug().Str("site", site).Msg("Site unreachable, completing request")

	result, _, err := r.addResponse(tracker.Destination(), proto.CacheNotFound, nil)
	r.finish(result, err)
	return true
}

// InvokeOnSite sends command to the gateway of site and returns the future
// of the request without waiting for the send. Local view changes do not
// affect it. When the gateway cannot be reached, every other pending
// request for site completes as if the site answered cache-not-found.
func InvokeOnSite[T any](ctx context.Context, repo *RequestRepository, transport Transport, site string, gateway proto.Address, command []byte, collector ResponseCollector[T], timeout time.Duration) *Future[T] {
	tracker := transport.NewTracker(gateway)
	req, err := NewSingleSiteRequest(repo, collector, site, tracker)
	if err != nil {
		tracker.OnComplete()
		return FailedFuture[T](err)
	}
	req.SetTimeout(timeout)

	dispatch(ctx, transport, gateway, req.ID(), command, timeout, func(err error) {
		req.abort(fmt.Errorf("send request %d to site %s: %w", req.ID(), site, err))
		if errors.Is(err, ErrUnreachable) {
			repo.OnSiteUnreachable(site)
		}
	})
	return req.Future()
}
