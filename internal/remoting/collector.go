package remoting

import (
	"errors"
	"fmt"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// CollectorKind tells a request how a collector may be accessed.
type CollectorKind int

const (
	// MultiResponse collectors may see responses from several destinations
	// concurrently and must be called under the request lock.
	MultiResponse CollectorKind = iota

	// SingleResponse collectors are only ever called by the one goroutine
	// that consumed the request's only tracker, so the request skips locking.
	SingleResponse
)

func (k CollectorKind) String() string {
	switch k {
	case MultiResponse:
		return "multi"
	case SingleResponse:
		return "single"
	default:
		return fmt.Sprintf("CollectorKind(%d)", int(k))
	}
}

// ResponseCollector folds per-destination responses into a request result.
// Implementations are not safe for concurrent use; the owning request
// serializes calls according to Kind.
type ResponseCollector[T any] interface {
	// Kind is fixed for the lifetime of the collector.
	Kind() CollectorKind

	// AddResponse folds one response. A non-nil error, or done == true,
	// is the final outcome of the request.
	AddResponse(sender proto.Address, resp proto.Response) (result T, done bool, err error)

	// Finish is called once every expected destination has answered and
	// AddResponse never reported a final outcome.
	Finish() (T, error)
}

// SingleResponseCollector returns the response of the only target.
// Exceptions become *RemoteError, a departed target becomes
// *UnreachableError.
type SingleResponseCollector struct{}

var _ ResponseCollector[proto.Response] = SingleResponseCollector{}

func (SingleResponseCollector) Kind() CollectorKind { return SingleResponse }

func (SingleResponseCollector) AddResponse(sender proto.Address, resp proto.Response) (proto.Response, bool, error) {
	switch r := resp.(type) {
	case proto.ExceptionResponse:
		return nil, true, &RemoteError{Target: sender, Cause: r.Err}
	case proto.CacheNotFoundResponse:
		return nil, true, &UnreachableError{Target: sender}
	case nil:
		return nil, true, fmt.Errorf("nil response from %s", sender)
	default:
		return resp, true, nil
	}
}

func (SingleResponseCollector) Finish() (proto.Response, error) {
	return nil, errors.New("single response collector finished without a response")
}

// PassthroughCollector returns whatever the only target answered, including
// exception and cache-not-found responses, without turning them into
// errors. Cross-site calls use it so that the aggregator can tell remote
// exceptions from communication failures.
type PassthroughCollector struct{}

var _ ResponseCollector[proto.Response] = PassthroughCollector{}

func (PassthroughCollector) Kind() CollectorKind { return SingleResponse }

func (PassthroughCollector) AddResponse(sender proto.Address, resp proto.Response) (proto.Response, bool, error) {
	if resp == nil {
		return nil, true, fmt.Errorf("nil response from %s", sender)
	}
	return resp, true, nil
}

func (PassthroughCollector) Finish() (proto.Response, error) {
	return nil, errors.New("passthrough collector finished without a response")
}

// MapResponseCollector gathers the responses of every target. The first
// exception fails the request. A departed target fails it too, unless
// IgnoreLeavers is set, in which case the target is left out of the map.
type MapResponseCollector struct {
	IgnoreLeavers bool
	responses     map[proto.Address]proto.Response
}

var _ ResponseCollector[map[proto.Address]proto.Response] = (*MapResponseCollector)(nil)

// NewMapResponseCollector creates a collector expecting about expected targets.
func NewMapResponseCollector(ignoreLeavers bool, expected int) *MapResponseCollector {
	return &MapResponseCollector{
		IgnoreLeavers: ignoreLeavers,
		responses:     make(map[proto.Address]proto.Response, expected),
	}
}

func (c *MapResponseCollector) Kind() CollectorKind { return MultiResponse }

func (c *MapResponseCollector) AddResponse(sender proto.Address, resp proto.Response) (map[proto.Address]proto.Response, bool, error) {
	switch r := resp.(type) {
	case proto.ExceptionResponse:
		return nil, true, &RemoteError{Target: sender, Cause: r.Err}
	case proto.CacheNotFoundResponse:
		if !c.IgnoreLeavers {
			return nil, true, &UnreachableError{Target: sender}
		}
	default:
		if c.responses == nil {
			c.responses = make(map[proto.Address]proto.Response)
		}
		c.responses[sender] = resp
	}
	return nil, false, nil
}

func (c *MapResponseCollector) Finish() (map[proto.Address]proto.Response, error) {
	if c.responses == nil {
		return map[proto.Address]proto.Response{}, nil
	}
	return c.responses, nil
}

// FirstSuccessCollector completes with the first successful response. If no
// target succeeds, Finish fails with every failure joined together.
type FirstSuccessCollector struct {
	failures []error
}

var _ ResponseCollector[proto.Response] = (*FirstSuccessCollector)(nil)

func (c *FirstSuccessCollector) Kind() CollectorKind { return MultiResponse }

func (c *FirstSuccessCollector) AddResponse(sender proto.Address, resp proto.Response) (proto.Response, bool, error) {
	switch r := resp.(type) {
	case proto.ExceptionResponse:
		c.failures = append(c.failures, &RemoteError{Target: sender, Cause: r.Err})
	case proto.CacheNotFoundResponse:
		c.failures = append(c.failures, &UnreachableError{Target: sender})
	case nil:
		c.failures = append(c.failures, fmt.Errorf("nil response from %s", sender))
	default:
		if resp.IsSuccessful() {
			return resp, true, nil
		}
		c.failures = append(c.failures, fmt.Errorf("unusable %s from %s", resp.Type(), sender))
	}
	return nil, false, nil
}

func (c *FirstSuccessCollector) Finish() (proto.Response, error) {
	return nil, fmt.Errorf("no target succeeded: %w", errors.Join(c.failures...))
}

// QuorumCollector completes once a majority of Expected targets succeeded,
// and fails as soon as a majority is no longer reachable.
type QuorumCollector struct {
	Expected  int
	successes map[proto.Address]proto.Response
	failures  []error
}

var _ ResponseCollector[map[proto.Address]proto.Response] = (*QuorumCollector)(nil)

// NewQuorumCollector creates a collector for expected targets.
func NewQuorumCollector(expected int) *QuorumCollector {
	return &QuorumCollector{
		Expected:  expected,
		successes: make(map[proto.Address]proto.Response, expected),
	}
}

// Quorum is the number of successes required.
func (c *QuorumCollector) Quorum() int {
	return c.Expected/2 + 1
}

func (c *QuorumCollector) Kind() CollectorKind { return MultiResponse }

func (c *QuorumCollector) AddResponse(sender proto.Address, resp proto.Response) (map[proto.Address]proto.Response, bool, error) {
	switch r := resp.(type) {
	case proto.ExceptionResponse:
		c.failures = append(c.failures, &RemoteError{Target: sender, Cause: r.Err})
	case proto.CacheNotFoundResponse:
		c.failures = append(c.failures, &UnreachableError{Target: sender})
	case nil:
		c.failures = append(c.failures, fmt.Errorf("nil response from %s", sender))
	default:
		if c.successes == nil {
			c.successes = make(map[proto.Address]proto.Response)
		}
		c.successes[sender] = resp
	}

	if len(c.successes) >= c.Quorum() {
		return c.successes, true, nil
	}
	if c.Expected-len(c.failures) < c.Quorum() {
		return nil, true, c.quorumError()
	}
	return nil, false, nil
}

func (c *QuorumCollector) Finish() (map[proto.Address]proto.Response, error) {
	if len(c.successes) >= c.Quorum() {
		return c.successes, nil
	}
	return nil, c.quorumError()
}

func (c *QuorumCollector) quorumError() error {
	err := fmt.Errorf("quorum of %d not reached: %d of %d targets succeeded", c.Quorum(), len(c.successes), c.Expected)
	if len(c.failures) == 0 {
		return err
	}
	return fmt.Errorf("%w: %w", err, errors.Join(c.failures...))
}
