// Package transport carries request and response envelopes between grid
// nodes over HTTP.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/gridmesh/gridmesh/internal/remoting"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

// MessagePath is where nodes accept envelopes.
const MessagePath = "/api/rpc/message"

var (
	// ErrUnknownSite is returned by SendToSite for a site without a gateway.
	ErrUnknownSite = errors.New("no gateway configured for site")

	// ErrNodeUnreachable wraps failures to connect to a destination. It
	// also matches remoting.ErrUnreachable.
	ErrNodeUnreachable error = nodeUnreachableError{}
)

type nodeUnreachableError struct{}

func (nodeUnreachableError) Error() string {
	return "node unreachable"
}

func (nodeUnreachableError) Is(target error) bool {
	return target == remoting.ErrUnreachable
}

// CommandHandler executes a command received from another node. The
// returned response is sent back to the caller.
type CommandHandler func(ctx context.Context, from proto.Address, command []byte) proto.Response

// Config contains configuration for the mesh transport.
type Config struct {
	// Self is this node's address; responses are sent back to it.
	Self       proto.Address
	Logger     zerolog.Logger
	Repository *remoting.RequestRepository
	// Scheme is "http" or "https" (default: "http").
	Scheme    string
	TLSConfig *tls.Config
	// RateLimit is the number of incoming messages per second
	// (0 = unlimited).
	RateLimit float64
	RateBurst int
	// CompressThreshold is the payload size from which payloads are zstd
	// compressed (0 = never).
	CompressThreshold int
	// MaxMessageSize bounds incoming envelopes (default: 8MB).
	MaxMessageSize int64
	// MaxConcurrentCommands bounds commands executing at once (default: 64).
	MaxConcurrentCommands int64
	// Sites maps remote site names to the address of their gateway node.
	Sites map[string]proto.Address
}

// MeshTransport implements remoting.Transport over HTTP POST. Requests are
// acknowledged with 202 and executed asynchronously; their responses
// travel back as separate envelopes.
type MeshTransport struct {
	self       proto.Address
	scheme     string
	httpClient *http.Client
	repository *remoting.RequestRepository
	logger     zerolog.Logger

	handler   CommandHandler
	handlerMu sync.RWMutex

	rateLimiter       *rate.Limiter
	commands          *semaphore.Weighted
	compressThreshold int
	maxMessageSize    int64
	sites             map[string]proto.Address

	encoderPool sync.Pool
	decoderPool sync.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight atomic.Int64

	// Metrics
	metricsMu        sync.RWMutex
	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64
	sendErrors       uint64
	rateLimited      uint64
	compressed       uint64
	trackerTimeouts  uint64
	commandsHandled  uint64
}

var _ remoting.Transport = (*MeshTransport)(nil)

// NewMeshTransport creates a transport. Register a CommandHandler before
// serving requests.
func NewMeshTransport(config Config) (*MeshTransport, error) {
	if config.Self == "" {
		return nil, errors.New("transport needs the local address")
	}
	if config.Repository == nil {
		return nil, errors.New("transport needs a request repository")
	}
	if config.Scheme == "" {
		config.Scheme = "http"
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 8 << 20
	}
	if config.MaxConcurrentCommands <= 0 {
		config.MaxConcurrentCommands = 64
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 100
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &MeshTransport{
		self:   config.Self,
		scheme: config.Scheme,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     tlsConfig,
			},
		},
		repository:        config.Repository,
		logger:            config.Logger.With().Str("component", "mesh-transport").Logger(),
		rateLimiter:       rate.NewLimiter(limit, config.RateBurst),
		commands:          semaphore.NewWeighted(config.MaxConcurrentCommands),
		compressThreshold: config.CompressThreshold,
		maxMessageSize:    config.MaxMessageSize,
		sites:             config.Sites,
		ctx:               ctx,
		cancel:            cancel,
	}

	t.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	t.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	return t, nil
}

// RegisterHandler sets the handler for incoming commands.
func (t *MeshTransport) RegisterHandler(handler CommandHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = handler
}

// Self returns the local address.
func (t *MeshTransport) Self() proto.Address {
	return t.self
}

// NewTracker returns a tracker that keeps the in-flight count.
func (t *MeshTransport) NewTracker(dest proto.Address) remoting.RequestTracker {
	t.inFlight.Add(1)
	return remoting.NewTracker(dest, t.onTrackerComplete, t.onTrackerTimeout)
}

func (t *MeshTransport) onTrackerComplete(dest proto.Address, elapsed time.Duration) {
	t.inFlight.Add(-1)
	t.logger.Trace().
		Str("dest", dest.String()).
		Dur("elapsed", elapsed).
		Msg("Send completed")
}

func (t *MeshTransport) onTrackerTimeout(dest proto.Address, elapsed time.Duration) {
	t.inFlight.Add(-1)
	t.metricsMu.Lock()
	t.trackerTimeouts++
	t.metricsMu.Unlock()
	t.logger.Debug().
		Str("dest", dest.String()).
		Dur("elapsed", elapsed).
		Msg("Send timed out")
}

// Send posts command to dest as request requestID.
func (t *MeshTransport) Send(ctx context.Context, dest proto.Address, requestID int64, command []byte) error {
	msg := proto.NewRequestMessage(uuid.NewString(), t.self, requestID, command)
	return t.post(ctx, dest, msg)
}

// SendToSite sends command to the gateway of site and returns without
// waiting for the POST. The future completes with the raw site response.
// When the gateway cannot be reached, the other pending requests for that
// site complete with a cache-not-found response.
func (t *MeshTransport) SendToSite(ctx context.Context, site string, command []byte, timeout time.Duration) *remoting.Future[proto.Response] {
	gateway, ok := t.sites[site]
	if !ok {
		return remoting.FailedFuture[proto.Response](fmt.Errorf("%w: %s", ErrUnknownSite, site))
	}
	return remoting.InvokeOnSite[proto.Response](ctx, t.repository, t, site, gateway, command, remoting.PassthroughCollector{}, timeout)
}

func (t *MeshTransport) post(ctx context.Context, dest proto.Address, msg *proto.Message) error {
	if err := t.compress(msg); err != nil {
		return err
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s://%s%s", t.scheme, dest, MessagePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gridmesh-Protocol", fmt.Sprintf("v%d", proto.ProtocolVersion))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.incrementSendErrors()
		return fmt.Errorf("%w: %s: %w", ErrNodeUnreachable, dest, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		t.incrementSendErrors()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	t.metricsMu.Lock()
	t.messagesSent++
	t.bytesSent += uint64(len(data))
	t.metricsMu.Unlock()

	t.logger.Trace().
		Str("dest", dest.String()).
		Str("type", string(msg.Type)).
		Int64("request_id", msg.RequestID).
		Int("size", len(data)).
		Msg("Message sent")
	return nil
}

// compress replaces the payload with its zstd encoding when it is at
// least the configured threshold.
func (t *MeshTransport) compress(msg *proto.Message) error {
	if t.compressThreshold <= 0 || len(msg.Payload) < t.compressThreshold {
		return nil
	}
	enc := t.encoderPool.Get().(*zstd.Encoder)
	defer t.encoderPool.Put(enc)

	msg.Payload = enc.EncodeAll(msg.Payload, nil)
	msg.Compressed = true

	t.metricsMu.Lock()
	t.compressed++
	t.metricsMu.Unlock()
	return nil
}

func (t *MeshTransport) decompress(msg *proto.Message) error {
	if !msg.Compressed {
		return nil
	}
	dec := t.decoderPool.Get().(*zstd.Decoder)
	defer t.decoderPool.Put(dec)

	payload, err := dec.DecodeAll(msg.Payload, nil)
	if err != nil {
		return fmt.Errorf("decompress payload: %w", err)
	}
	msg.Payload = payload
	msg.Compressed = false
	return nil
}

// Close stops accepting commands and waits for running ones to finish.
func (t *MeshTransport) Close() {
	t.cancel()
	t.wg.Wait()
}

// Stats contains transport statistics.
type Stats struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	SendErrors       uint64 `json:"send_errors"`
	RateLimited      uint64 `json:"rate_limited"`
	Compressed       uint64 `json:"compressed"`
	TrackerTimeouts  uint64 `json:"tracker_timeouts"`
	CommandsHandled  uint64 `json:"commands_handled"`
	InFlight         int64  `json:"in_flight"`
}

// GetStats returns a snapshot of the transport statistics.
func (t *MeshTransport) GetStats() Stats {
	t.metricsMu.RLock()
	defer t.metricsMu.RUnlock()

	return Stats{
		MessagesSent:     t.messagesSent,
		MessagesReceived: t.messagesReceived,
		BytesSent:        t.bytesSent,
		BytesReceived:    t.bytesReceived,
		SendErrors:       t.sendErrors,
		RateLimited:      t.rateLimited,
		Compressed:       t.compressed,
		TrackerTimeouts:  t.trackerTimeouts,
		CommandsHandled:  t.commandsHandled,
		InFlight:         t.inFlight.Load(),
	}
}

func (t *MeshTransport) incrementSendErrors() {
	t.metricsMu.Lock()
	t.sendErrors++
	t.metricsMu.Unlock()
}
