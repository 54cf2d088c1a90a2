// Package loki provides a zerolog writer that ships node logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// PushPath is Loki's push endpoint.
const PushPath = "/loki/api/v1/push"

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static labels of every stream
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Default: 5s
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

// Writer implements io.Writer. Entries are buffered and pushed in one
// gzip-compressed request per batch, one stream per log level.
type Writer struct {
	url    string
	labels map[string]string
	client *http.Client

	mu        sync.Mutex
	buffer    []entry
	batchSize int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration

	flushing     atomic.Bool
	flushTrigger chan struct{}

	pushed      atomic.Uint64
	flushErrors atomic.Uint64
}

type entry struct {
	timestamp time.Time
	level     string
	line      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a writer. Call Start to begin periodic flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "gridmesh"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		url:           cfg.URL,
		labels:        labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
	}
}

// Write buffers one log line. It never fails so that logging keeps working
// while Loki is down.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: time.Now(), level: levelOf(p), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// levelOf extracts the zerolog level field of a JSON log line.
func levelOf(p []byte) string {
	var fields struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &fields); err != nil || fields.Level == "" {
		return "unknown"
	}
	return fields.Level
}

// Start begins the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushTrigger:
				w.flush()
			}
		}
	}()
}

// Stop ends the flush loop and pushes what is left.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

func (w *Writer) flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	if err := w.push(buildRequest(labels, entries)); err != nil {
		// Logging the failure through zerolog would loop back here.
		w.flushErrors.Add(1)
		return
	}
	w.pushed.Add(uint64(len(entries)))
}

// buildRequest groups entries into one stream per level, in level order.
func buildRequest(labels map[string]string, entries []entry) pushRequest {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], []string{
			strconv.FormatInt(e.timestamp.UnixNano(), 10),
			e.line,
		})
	}

	levels := make([]string, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, level := range levels {
		streamLabels := make(map[string]string, len(labels)+1)
		for k, v := range labels {
			streamLabels[k] = v
		}
		streamLabels["level"] = level
		req.Streams = append(req.Streams, stream{Stream: streamLabels, Values: byLevel[level]})
	}
	return req
}

func (w *Writer) push(payload pushRequest) error {
	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	if err := json.NewEncoder(gz).Encode(payload); err != nil {
		return fmt.Errorf("encode push request: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress push request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+PushPath, &body)
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("loki returned status %d", resp.StatusCode)
	}
	return nil
}

// Pushed returns the number of entries Loki accepted.
func (w *Writer) Pushed() uint64 {
	return w.pushed.Load()
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// SetLabels adds labels to future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}
