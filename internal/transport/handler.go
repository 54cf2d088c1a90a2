package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/gridmesh/gridmesh/pkg/proto"
)

// Handler returns the HTTP handler serving MessagePath.
func (t *MeshTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MessagePath, t)
	return mux
}

// ServeHTTP accepts one envelope. Responses are routed to the pending
// request they answer. Requests are acknowledged before they run.
func (t *MeshTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		t.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !t.rateLimiter.Allow() {
		t.metricsMu.Lock()
		t.rateLimited++
		t.metricsMu.Unlock()
		t.logger.Warn().
			Str("remote", r.RemoteAddr).
			Msg("Rate limit exceeded, dropping message")
		t.jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			t.jsonError(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		t.jsonError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	msg, err := proto.UnmarshalMessage(body)
	if err != nil {
		t.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := t.decompress(msg); err != nil {
		t.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	t.metricsMu.Lock()
	t.messagesReceived++
	t.bytesReceived += uint64(len(body))
	t.metricsMu.Unlock()

	switch msg.Type {
	case proto.MessageTypeResponse:
		resp, err := msg.DecodeResponse()
		if err != nil {
			t.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		t.repository.AddResponse(msg.RequestID, msg.From, resp)
		w.WriteHeader(http.StatusOK)

	case proto.MessageTypeRequest:
		if err := t.dispatch(msg); err != nil {
			t.jsonError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		t.jsonError(w, fmt.Sprintf("unknown message type %q", msg.Type), http.StatusBadRequest)
	}
}

// dispatch runs the command of msg in the background and sends the
// outcome back to its sender.
func (t *MeshTransport) dispatch(msg *proto.Message) error {
	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()
	if handler == nil {
		return errors.New("no command handler registered")
	}
	if t.ctx.Err() != nil {
		return errors.New("transport is closed")
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		if err := t.commands.Acquire(t.ctx, 1); err != nil {
			return
		}
		resp := handler(t.ctx, msg.From, msg.Payload)
		t.commands.Release(1)

		t.metricsMu.Lock()
		t.commandsHandled++
		t.metricsMu.Unlock()

		if err := t.reply(t.ctx, msg, resp); err != nil {
			t.logger.Warn().
				Err(err).
				Str("to", msg.From.String()).
				Int64("request_id", msg.RequestID).
				Msg("Failed to send response")
		}
	}()
	return nil
}

func (t *MeshTransport) reply(ctx context.Context, req *proto.Message, resp proto.Response) error {
	if resp == nil {
		resp = proto.Unsure
	}
	out, err := proto.NewResponseMessage(uuid.NewString(), t.self, req.RequestID, resp)
	if err != nil {
		return err
	}
	return t.post(ctx, req.From, out)
}

func (t *MeshTransport) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
