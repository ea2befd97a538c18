// Package delegate hands conversational sub-tasks to peer agents over
// JSON-RPC. A delegation is a task whose id doubles as the remote session
// id; follow-up turns reuse it so the peer keeps its context.
package delegate

import (
	stderrors "errors"
	"fmt"
)

// Part is one piece of a message.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Message is one conversational turn on the wire.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
	TaskID    string `json:"taskId,omitempty"`
	Kind      string `json:"kind"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == "text" {
			out += p.Text
		}
	}
	return out
}

// State is the lifecycle state of a delegated task.
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input_required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// Terminal reports whether the task can still change.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Task is one delegation to a peer agent. ID is also the remote session id
// and never changes across turns.
type Task struct {
	ID       string
	Agent    string
	Endpoint string
	State    State
	// History is the cumulative conversation as last reported by the peer.
	History []Message
	// Err holds the failure for StateFailed.
	Err error
}

// Reply returns the peer's latest answer, empty until one arrives.
func (t *Task) Reply() string {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].Role == "agent" {
			return t.History[i].Text()
		}
	}
	return ""
}

// ErrKind classifies a delegation failure.
type ErrKind string

const (
	// ErrUnreachable means the peer endpoint could not be reached even after
	// the single retry.
	ErrUnreachable ErrKind = "unreachable"
	// ErrRemoteRejected means the peer answered with a protocol-level error.
	ErrRemoteRejected ErrKind = "remote_rejected"
	// ErrMalformedReply means the peer's answer did not parse as a valid
	// result envelope.
	ErrMalformedReply ErrKind = "malformed_reply"
)

// Error wraps a delegation failure with its kind and the peer involved.
type Error struct {
	Kind  ErrKind
	Agent string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("delegate to %q: %s", e.Agent, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrKind from err if it is (or wraps) an Error.
func KindOf(err error) (ErrKind, bool) {
	var de *Error
	if stderrors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = stderrors.New("delegate: task not found")
