// Package xsite replicates commands to remote sites and aggregates the
// per-site outcomes of a synchronous backup.
package xsite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridmesh/gridmesh/internal/remoting"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

// Backup describes one backup site.
type Backup struct {
	Site string
	// Sync backups are waited for. Async ones are fire and forget.
	Sync bool
	// Timeout bounds the wait for the site. Zero waits forever.
	Timeout time.Duration
}

func (b Backup) String() string {
	mode := "async"
	if b.Sync {
		mode = "sync"
	}
	return fmt.Sprintf("%s (%s, timeout %s)", b.Site, mode, b.Timeout)
}

// SiteCall is a command already dispatched to a backup site.
type SiteCall struct {
	Backup Backup
	Call   *remoting.Future[proto.Response]
}

// SiteTimeoutError is recorded for a site that did not answer within its
// timeout.
type SiteTimeoutError struct {
	Site    string
	Timeout time.Duration
}

func (e *SiteTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for a response from site %s", e.Timeout, e.Site)
}

func (e *SiteTimeoutError) Is(target error) bool {
	return target == remoting.ErrTimeout
}

// RemainingTimeout returns how long the wait for a site may still take.
// configured is the site timeout, sinceSend the time between dispatch and
// the start of the aggregation, and waited the time already spent waiting
// on earlier sites of the same batch. bounded is false for a zero
// configured timeout, which never expires.
func RemainingTimeout(configured, sinceSend, waited time.Duration) (remaining time.Duration, bounded bool) {
	if configured <= 0 {
		return 0, false
	}
	return configured - sinceSend - waited, true
}

// BackupResponse waits for every call of a synchronous backup and sorts the
// failures into remote errors and communication errors.
type BackupResponse struct {
	calls    []SiteCall
	sendTime time.Time
	logger   zerolog.Logger

	mu                  sync.Mutex
	failed              map[string]error
	communicationErrors map[string]struct{}
}

// NewBackupResponse wraps calls that were just dispatched. The send time
// is taken now.
func NewBackupResponse(calls []SiteCall, logger zerolog.Logger) *BackupResponse {
	return &BackupResponse{
		calls:    calls,
		sendTime: time.Now(),
		logger:   logger.With().Str("component", "backup-response").Logger(),
	}
}

// IsEmpty reports whether there is nothing to wait for.
func (r *BackupResponse) IsEmpty() bool {
	return len(r.calls) == 0
}

// Sites returns the sites of the calls in dispatch order.
func (r *BackupResponse) Sites() []string {
	sites := make([]string, len(r.calls))
	for i, c := range r.calls {
		sites[i] = c.Backup.Site
	}
	return sites
}

// WaitForBackupToFinish waits for every site in turn until it answers,
// fails or runs out of budget. A failing site never stops the wait on the
// sites after it. Every timed out site is recorded as a *SiteTimeoutError,
// whichever timer expired first. The budget of a site shrinks by the time that passed
// since dispatch and by the time spent waiting on earlier sites.
//
// Cancelling ctx records every site still pending as a communication error
// and makes WaitForBackupToFinish return ctx.Err().
func (r *BackupResponse) WaitForBackupToFinish(ctx context.Context) error {
	sinceSend := time.Since(r.sendTime)
	failed := make(map[string]error, len(r.calls))
	commErrors := make(map[string]struct{})

	var waited time.Duration
	for _, call := range r.calls {
		site := call.Backup.Site
		remaining, bounded := RemainingTimeout(call.Backup.Timeout, sinceSend, waited)

		start := time.Now()
		resp, err := awaitCall(ctx, call.Call, remaining, bounded)
		waited += time.Since(start)

		switch {
		case errors.Is(err, errBudgetExhausted), errors.Is(err, remoting.ErrTimeout):
			failed[site] = &SiteTimeoutError{Site: site, Timeout: call.Backup.Timeout}
			commErrors[site] = struct{}{}
			r.logger.Trace().Str("site", site).Msg("Backup timed out")
		case err != nil:
			failed[site] = err
			commErrors[site] = struct{}{}
			r.logger.Trace().Err(err).Str("site", site).Msg("Communication error with site")
		default:
			switch v := resp.(type) {
			case proto.ExceptionResponse:
				failed[site] = &remoting.RemoteError{Target: proto.Address(site), Cause: v.Err}
				r.logger.Trace().Err(v.Err).Str("site", site).Msg("Got error backup response from site")
			case proto.CacheNotFoundResponse:
				failed[site] = &remoting.UnreachableError{Target: proto.Address(site)}
				commErrors[site] = struct{}{}
				r.logger.Trace().Str("site", site).Msg("Backup site unreachable")
			default:
				r.logger.Trace().Str("site", site).Msgf("Received response from site: %v", resp)
			}
		}
	}

	r.mu.Lock()
	r.failed = failed
	r.communicationErrors = commErrors
	r.mu.Unlock()

	return ctx.Err()
}

var errBudgetExhausted = errors.New("site budget exhausted")

// awaitCall waits for f within the remaining budget. A call that already
// finished is read even when the budget is gone.
func awaitCall(ctx context.Context, f *remoting.Future[proto.Response], remaining time.Duration, bounded bool) (proto.Response, error) {
	if f == nil {
		return nil, errors.New("no call was dispatched")
	}
	if f.IsDone() {
		return f.Result()
	}
	if bounded && remaining <= 0 {
		return nil, errBudgetExhausted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if bounded {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-f.Done():
		return f.Result()
	case <-expired:
		return nil, errBudgetExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FailedBackups maps each failed site to its cause. Empty before
// WaitForBackupToFinish returns.
func (r *BackupResponse) FailedBackups() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error, len(r.failed))
	for site, err := range r.failed {
		out[site] = err
	}
	return out
}

// CommunicationErrors returns the sorted sites that failed because of a
// timeout or a transport failure, as opposed to a remote exception.
func (r *BackupResponse) CommunicationErrors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sites := make([]string, 0, len(r.communicationErrors))
	for site := range r.communicationErrors {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

// IsCommunicationError reports whether site failed with a communication
// error.
func (r *BackupResponse) IsCommunicationError(site string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.communicationErrors[site]
	return ok
}

// SendTime is when the calls were dispatched.
func (r *BackupResponse) SendTime() time.Time {
	return r.sendTime
}

// SendTimeMillis is SendTime in Unix milliseconds.
func (r *BackupResponse) SendTimeMillis() int64 {
	return r.sendTime.UnixMilli()
}
