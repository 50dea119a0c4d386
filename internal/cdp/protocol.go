package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TargetID identifies a browser-controllable context (tab, frame, worker).
type TargetID string

// SessionID is the browser-issued token for an attached target.
type SessionID string

// Request is an outgoing protocol command.
type Request struct {
	ID        uint64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID SessionID       `json:"sessionId,omitempty"`
}

// Response is a command result matched to a Request by id.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// Event is a raw protocol notification. SessionID is empty for
// browser-level events.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID SessionID       `json:"sessionId,omitempty"`
}

// frame is the inbound wire shape before classification. A frame with a
// method is an event; a frame with an id is a response.
type frame struct {
	ID        uint64          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *ProtocolError  `json:"error"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID SessionID       `json:"sessionId"`
}

// ProtocolError is an error response from the browser. It is surfaced only
// to the caller whose request produced it.
type ProtocolError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp: protocol error %d: %s", e.Code, e.Message)
}

// ConnectError means the debugging endpoint could not be reached.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cdp: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AttachError means the browser rejected attachment to a target.
type AttachError struct {
	TargetID TargetID
	Err      error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("cdp: attach %s: %v", e.TargetID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

var (
	// ErrConnectionClosed is returned to every pending and future caller
	// once the connection is gone. A closed connection is terminal.
	ErrConnectionClosed = errors.New("cdp: connection closed")

	// ErrSessionDetached is returned by sends on a detached session.
	ErrSessionDetached = errors.New("cdp: session detached")
)
