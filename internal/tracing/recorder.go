// Package tracing keeps a rolling runtime execution trace that can be
// downloaded while the node runs.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrNotRunning is returned for snapshots of a stopped recorder.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime/trace FlightRecorder.
type Recorder struct {
	mu       sync.Mutex
	recorder *trace.FlightRecorder
}

// Start creates and starts a recorder that keeps at least the last 30
// seconds of trace data, bounded by bufferSize bytes.
func Start(bufferSize int) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   30 * time.Second,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, fmt.Errorf("start flight recorder: %w", err)
	}
	return &Recorder{recorder: fr}, nil
}

// Running reports whether the recorder is collecting data.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorder != nil
}

// Snapshot writes the buffered trace to w in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder == nil {
		return ErrNotRunning
	}
	_, err := r.recorder.WriteTo(w)
	return err
}

// Stop stops recording. It is idempotent.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder != nil {
		r.recorder.Stop()
		r.recorder = nil
	}
}

// Handler serves GET requests with a trace snapshot as a download.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !r.Running() {
			http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}
		name := fmt.Sprintf("gridmesh-%s.trace", time.Now().UTC().Format("20060102T150405Z"))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		// Headers are already sent once the snapshot starts streaming.
		_ = r.Snapshot(w)
	})
}
