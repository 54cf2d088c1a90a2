package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResponseType tags the variants of Response.
type ResponseType string

const (
	ResponseTypeSuccess       ResponseType = "success"
	ResponseTypeException     ResponseType = "exception"
	ResponseTypeCacheNotFound ResponseType = "cache_not_found"
	ResponseTypeUnsure        ResponseType = "unsure"
)

// Response is the outcome a single destination reported for a request.
type Response interface {
	Type() ResponseType
	// IsSuccessful reports whether the destination executed the command.
	IsSuccessful() bool
	// IsValid reports whether the response carries a usable outcome, as
	// opposed to a placeholder for a destination that could not answer.
	IsValid() bool
}

// SuccessResponse carries the value returned by the destination.
type SuccessResponse struct {
	Value any
}

func (SuccessResponse) Type() ResponseType { return ResponseTypeSuccess }
func (SuccessResponse) IsSuccessful() bool { return true }
func (SuccessResponse) IsValid() bool { return true }
func (r SuccessResponse) String() string { return fmt.Sprintf("SuccessResponse{%v}", r.Value) }

// ExceptionResponse carries an application-level failure reported by the
// destination.
type ExceptionResponse struct {
	Err error
}

func (ExceptionResponse) Type() ResponseType { return ResponseTypeException }
func (ExceptionResponse) IsSuccessful() bool { return false }
func (ExceptionResponse) IsValid() bool { return true }
func (r ExceptionResponse) String() string { return fmt.Sprintf("ExceptionResponse{%v}", r.Err) }

// CacheNotFoundResponse means the destination has left the cluster, or
// does not run the target cache. It is synthesized locally when a view
// change removes a destination that has not answered yet.
type CacheNotFoundResponse struct{}

func (CacheNotFoundResponse) Type() ResponseType { return ResponseTypeCacheNotFound }
func (CacheNotFoundResponse) IsSuccessful() bool { return false }
func (CacheNotFoundResponse) IsValid() bool { return false }
func (CacheNotFoundResponse) String() string { return "CacheNotFoundResponse" }

// UnsureResponse means the destination is alive but could not say whether
// it owns the data, typically because it joined after the view the sender
// used.
type UnsureResponse struct{}

func (UnsureResponse) Type() ResponseType { return ResponseTypeUnsure }
func (UnsureResponse) IsSuccessful() bool { return false }
func (UnsureResponse) IsValid() bool { return false }
func (UnsureResponse) String() string { return "UnsureResponse" }

var (
	// CacheNotFound is the shared CacheNotFoundResponse value.
	CacheNotFound Response = CacheNotFoundResponse{}
	// Unsure is the shared UnsureResponse value.
	Unsure Response = UnsureResponse{}
)

// EncodeResponse converts a Response to its wire form.
func EncodeResponse(resp Response) (ResponsePayload, error) {
	switch r := resp.(type) {
	case SuccessResponse:
		value, err := json.Marshal(r.Value)
		if err != nil {
			return ResponsePayload{}, fmt.Errorf("marshal response value: %w", err)
		}
		return ResponsePayload{Type: ResponseTypeSuccess, Value: value}, nil
	case ExceptionResponse:
		msg := "unknown remote error"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		return ResponsePayload{Type: ResponseTypeException, Error: msg}, nil
	case CacheNotFoundResponse, UnsureResponse:
		return ResponsePayload{Type: resp.Type()}, nil
	case nil:
		return ResponsePayload{}, errors.New("nil response")
	default:
		return ResponsePayload{}, fmt.Errorf("unsupported response type %T", resp)
	}
}

// Decode converts the wire form back into a Response. Success values are
// left as json.RawMessage for the caller to unmarshal.
func (p ResponsePayload) Decode() (Response, error) {
	switch p.Type {
	case ResponseTypeSuccess:
		return SuccessResponse{Value: p.Value}, nil
	case ResponseTypeException:
		return ExceptionResponse{Err: errors.New(p.Error)}, nil
	case ResponseTypeCacheNotFound:
		return CacheNotFound, nil
	case ResponseTypeUnsure:
		return Unsure, nil
	default:
		return nil, fmt.Errorf("unknown response type %q", p.Type)
	}
}
