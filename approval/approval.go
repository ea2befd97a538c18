// Package approval implements the human-in-the-loop approval gate. The
// execution gateway suspends a flagged tool call here until a decision
// arrives from a UI collaborator, the configured timeout elapses, or the
// owning session is cancelled.
//
// Each pending request resolves exactly once: the first of decision, timeout
// and abort wins, and every later transition is rejected. Resolved records
// are retained briefly so that a late decision gets a clean
// ErrAlreadyResolved instead of ErrNotFound.
package approval

import (
	stderrors "errors"
	"time"
)

// Kind distinguishes what the operator is being asked to confirm.
type Kind string

const (
	// KindToolConfirmation asks to run a flagged tool with given arguments.
	KindToolConfirmation Kind = "tool_confirmation"
	// KindCommandConfirmation re-approves one dangerous command inside an
	// already-approved tool invocation.
	KindCommandConfirmation Kind = "command_confirmation"
	// KindElicitation asks the operator to fill a form; the decision payload
	// is the filled form rather than a boolean.
	KindElicitation Kind = "elicitation"
)

// Status is the lifecycle state of an approval request. Transitions are
// monotonic: pending moves to exactly one terminal state and never back.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool { return s != StatusPending }

// Payload carries the kind-specific content of a request.
type Payload struct {
	// Tool and Args are set for tool confirmations.
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
	// Command is set for command confirmations.
	Command string `json:"command,omitempty"`
	// Schema and Prompt are set for elicitations.
	Schema map[string]any `json:"schema,omitempty"`
	Prompt string         `json:"prompt,omitempty"`
}

// Request is one approval record.
type Request struct {
	ID        string    `json:"approvalId"`
	Kind      Kind      `json:"type"`
	Payload   Payload   `json:"payload"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// Event is published to UI collaborators when a request becomes pending.
type Event struct {
	ID        string    `json:"approvalId"`
	Kind      Kind      `json:"type"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Decision is the operator's answer to a pending request.
type Decision struct {
	Approve bool
	// FormData carries the filled form for elicitations.
	FormData map[string]any
	// Reason optionally explains a denial.
	Reason string
}

// Outcome is what the suspended caller receives when the request resolves.
type Outcome struct {
	Status   Status
	FormData map[string]any
	Reason   string
}

// Publisher delivers approval-request events to UI collaborators. Transport
// of the channel (socket push, polling) is the collaborator's concern; the
// broker only requires that delivery is at least once.
type Publisher interface {
	PublishApprovalRequest(Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event)

func (f PublisherFunc) PublishApprovalRequest(e Event) { f(e) }

// ErrNotFound is returned by Resolve for an unknown approval id.
var ErrNotFound = stderrors.New("approval: request not found")

// ErrAlreadyResolved is returned by Resolve when the request already reached
// a terminal status. Racing a timeout is expected; callers usually treat
// this as a no-op.
var ErrAlreadyResolved = stderrors.New("approval: request already resolved")
