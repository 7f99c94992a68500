// Package wire defines the envelopes exchanged on the RPC endpoint.
//
// A request body is either one Call object or a JSON array of them (a
// batch). Every response frame carries the id of the call it belongs to.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed  = errors.New("malformed request payload")
	ErrEmptyBatch = errors.New("empty batch")
)

// Call is one procedure invocation.
type Call struct {
	ID    *CallID         `json:"id,omitempty"`
	Path  string          `json:"path"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ParseCalls decodes a request body. Calls without an id are assigned their
// index within the request.
func ParseCalls(body []byte) (calls []Call, batch bool, err error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	if body[0] == '[' {
		batch = true
		if err := json.Unmarshal(body, &calls); err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(calls) == 0 {
			return nil, true, ErrEmptyBatch
		}
	} else {
		var c Call
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		calls = []Call{c}
	}

	seen := make(map[any]struct{}, len(calls))
	for i := range calls {
		if calls[i].ID.IsNil() {
			calls[i].ID = NewCallID(i)
		}
		// Frames of different calls must stay distinguishable, including
		// when a defaulted index meets an explicit numeric id.
		key := calls[i].ID.value
		if _, dup := seen[key]; dup {
			return nil, batch, fmt.Errorf("%w: duplicate call id %s", ErrMalformed, calls[i].ID.String())
		}
		seen[key] = struct{}{}
	}
	return calls, batch, nil
}

// FieldError locates one input validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is the structured error carried by an error frame.
type Error struct {
	Kind    string       `json:"kind"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// Frame is one unit of response for a call: a result, an error, or the
// completion marker that ends a call in streaming mode.
type Frame struct {
	ID     *CallID         `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Done   bool            `json:"done,omitempty"`
}

// NewResultFrame builds a result frame, marshalling v.
func NewResultFrame(id *CallID, v any) (*Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Frame{ID: id, Result: b}, nil
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(id *CallID, e *Error) *Frame {
	return &Frame{ID: id, Error: e}
}

// NewDoneFrame builds the completion marker for a call.
func NewDoneFrame(id *CallID) *Frame {
	return &Frame{ID: id, Done: true}
}
