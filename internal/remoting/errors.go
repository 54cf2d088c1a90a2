package remoting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrUnreachable matches every *UnreachableError. Transports match it
	// from errors for destinations they could not connect to.
	ErrUnreachable = errors.New("destination left the cluster")

	// ErrRepositoryClosed is returned for requests still pending when the
	// repository shuts down, and for requests added after that.
	ErrRepositoryClosed = errors.New("request repository closed")

	// ErrNotDone is returned by Future.Result while the future is pending.
	ErrNotDone = errors.New("future not completed yet")
)

// TimeoutError is the terminal error of a request that got no response
// within its timeout. Targets may be empty when the destination is not
// known to the caller.
type TimeoutError struct {
	RequestID int64
	Targets   []proto.Address
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	target := "<unknown target>"
	if len(e.Targets) > 0 {
		names := make([]string, len(e.Targets))
		for i, t := range e.Targets {
			names[i] = t.String()
		}
		target = strings.Join(names, ", ")
	}
	return fmt.Sprintf("timed out waiting for responses for request %d from %s after %s", e.RequestID, target, e.Elapsed)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// UnreachableError is synthesized when a destination leaves the cluster
// before answering.
type UnreachableError struct {
	Target proto.Address
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("node %s left the cluster", e.Target)
}

func (e *UnreachableError) Is(target error) bool {
	return target == ErrUnreachable
}

// RemoteError wraps an application-level failure reported by Target.
type RemoteError struct {
	Target proto.Address
	Cause  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s: %v", e.Target, e.Cause)
}

func (e *RemoteError) Unwrap() error {
	return e.Cause
}
