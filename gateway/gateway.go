// Package gateway routes an agent's tool-call intent to a local built-in
// tool or a remote tool server, validates arguments against the tool's
// declared schema, enforces the approval gate, and normalizes every result
// into one envelope regardless of which transport produced it.
//
// The gateway itself is side-effect-free beyond logging and the approval
// round-trip; side effects belong to the dispatched tool.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/toolgate/toolgate/approval"
	"github.com/toolgate/toolgate/conn"
	"github.com/toolgate/toolgate/session"
	"github.com/toolgate/toolgate/tools"
	"github.com/toolgate/toolgate/transport"
)

// ToolCallRequest is one tool invocation intent from a reasoning step. It is
// immutable; the request is terminal once a result or error is produced.
type ToolCallRequest struct {
	CallID    string
	Tool      string
	Server    string // empty or "local" targets the built-in registry
	Args      map[string]any
	SessionID string
	Origin    string // originating agent id, for logging only
}

// Connections is the slice of the connection manager the gateway needs. The
// gateway holds lookup keys, never connection objects.
type Connections interface {
	FindTool(server, tool string) (conn.ToolDescriptor, error)
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error)
}

// Options configure a Gateway.
type Options struct {
	Registry    *tools.Registry
	Connections Connections
	Approvals   *approval.Broker
	Policy      *Policy
	// Sessions, when set, registers in-flight calls so cancelling a session
	// aborts them.
	Sessions *session.Registry
	Logger   zerolog.Logger
	// ApprovalTimeout bounds each approval round-trip. Zero uses the
	// broker's default.
	ApprovalTimeout time.Duration
}

// Gateway is the execution gateway.
type Gateway struct {
	registry        *tools.Registry
	conns           Connections
	approvals       *approval.Broker
	policy          *Policy
	sessions        *session.Registry
	log             zerolog.Logger
	approvalTimeout time.Duration
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	policy := opts.Policy
	if policy == nil {
		policy = &Policy{}
	}
	return &Gateway{
		registry:        opts.Registry,
		conns:           opts.Connections,
		approvals:       opts.Approvals,
		policy:          policy,
		sessions:        opts.Sessions,
		log:             opts.Logger,
		approvalTimeout: opts.ApprovalTimeout,
	}
}

// Execute resolves, validates, gates and dispatches one tool call.
//
// Resolution order is the local registry first (exact name match), then the
// remote (server, tool) pair from the connection manager's current
// descriptor set. Argument validation happens before the approval check so
// invalid input never reaches the human.
func (g *Gateway) Execute(ctx context.Context, req ToolCallRequest) (*ToolCallResult, error) {
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	log := g.log.With().
		Str("call_id", req.CallID).
		Str("tool", req.Tool).
		Str("server", req.Server).
		Str("session_id", req.SessionID).
		Logger()

	if g.sessions != nil && req.SessionID != "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		g.sessions.Track(req.SessionID, req.CallID, cancel)
		defer g.sessions.Untrack(req.SessionID, req.CallID)
	}

	res, err := g.dispatch(ctx, req, log)
	if err != nil {
		log.Warn().Err(err).Msg("tool call failed")
		return nil, err
	}
	log.Info().Bool("is_error", res.IsError).Msg("tool call completed")
	return res, nil
}

func (g *Gateway) dispatch(ctx context.Context, req ToolCallRequest, log zerolog.Logger) (*ToolCallResult, error) {
	local := req.Server == "" || req.Server == "local"

	if local {
		if g.registry == nil {
			return nil, &ToolError{Kind: ErrNotFound, Tool: req.Tool}
		}
		t, ok := g.registry.Get(req.Tool)
		if !ok {
			return nil, &ToolError{Kind: ErrNotFound, Tool: req.Tool}
		}
		if err := validateArgs(t.InputSchema(), req.Args); err != nil {
			return nil, &ToolError{Kind: ErrInvalidArguments, Tool: req.Tool, Err: err}
		}
		if err := g.gate(ctx, req, t.RequiresApproval()); err != nil {
			return nil, err
		}

		log.Info().Msg("dispatching local tool")
		out, err := t.Execute(ctx, req.Args)
		if err != nil {
			switch ctx.Err() {
			case context.DeadlineExceeded:
				return nil, &ToolError{Kind: ErrTimedOut, Tool: req.Tool, Err: err}
			case context.Canceled:
				return nil, &ToolError{Kind: ErrDenied, Tool: req.Tool, Reason: "session cancelled", Err: err}
			}
			return nil, &ToolError{Kind: ErrRemoteError, Tool: req.Tool, Err: err}
		}
		return &ToolCallResult{CallID: req.CallID, Parts: []Part{TextPart(out)}}, nil
	}

	desc, err := g.conns.FindTool(req.Server, req.Tool)
	if err != nil {
		return nil, &ToolError{Kind: ErrNotFound, Tool: req.Tool, Err: err}
	}
	if err := validateArgs(desc.InputSchema, req.Args); err != nil {
		return nil, &ToolError{Kind: ErrInvalidArguments, Tool: req.Tool, Err: err}
	}
	if err := g.gate(ctx, req, desc.RequiresApproval); err != nil {
		return nil, err
	}

	log.Info().Msg("dispatching remote tool")
	res, err := g.conns.CallTool(ctx, req.Server, req.Tool, req.Args)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, &ToolError{Kind: ErrDenied, Tool: req.Tool, Reason: "session cancelled", Err: err}
		}
		if kind, ok := transport.KindOf(err); ok && kind == transport.ErrTimeout {
			return nil, &ToolError{Kind: ErrTimedOut, Tool: req.Tool, Err: err}
		}
		return nil, &ToolError{Kind: ErrRemoteError, Tool: req.Tool, Err: err}
	}
	return normalize(req.CallID, res), nil
}

// gate runs the approval round-trip when one is required. A flagged
// descriptor always requires a tool confirmation; an unflagged tool can
// still trip a command confirmation (dangerous command string) or a tool
// confirmation (protected path argument).
func (g *Gateway) gate(ctx context.Context, req ToolCallRequest, requiresApproval bool) error {
	if g.approvals == nil {
		return nil
	}

	var kind approval.Kind
	var payload approval.Payload
	switch {
	case requiresApproval:
		kind = approval.KindToolConfirmation
		payload = approval.Payload{Tool: req.Tool, Args: req.Args}
	default:
		if cmd, ok := g.policy.DangerousCommand(req.Args); ok {
			kind = approval.KindCommandConfirmation
			payload = approval.Payload{Tool: req.Tool, Command: cmd}
			break
		}
		if _, ok := g.policy.ProtectedPath(req.Args); ok {
			kind = approval.KindToolConfirmation
			payload = approval.Payload{Tool: req.Tool, Args: req.Args}
			break
		}
		return nil
	}

	out, err := g.approvals.Request(ctx, kind, payload, req.SessionID, g.approvalTimeout)
	if err != nil {
		return &ToolError{Kind: ErrDenied, Tool: req.Tool, Err: err}
	}
	switch out.Status {
	case approval.StatusApproved:
		return nil
	case approval.StatusTimedOut:
		return &ToolError{Kind: ErrTimedOut, Tool: req.Tool, Reason: "approval timed out"}
	case approval.StatusCancelled:
		return &ToolError{Kind: ErrDenied, Tool: req.Tool, Reason: "session cancelled"}
	default:
		return &ToolError{Kind: ErrDenied, Tool: req.Tool, Reason: out.Reason}
	}
}

// Elicit surfaces a form-based information request to the human through the
// same approval mechanism. The returned map is the filled form.
func (g *Gateway) Elicit(ctx context.Context, sessionID, prompt string, schema map[string]any) (map[string]any, error) {
	out, err := g.approvals.Request(ctx, approval.KindElicitation, approval.Payload{
		Prompt: prompt,
		Schema: schema,
	}, sessionID, g.approvalTimeout)
	if err != nil {
		return nil, err
	}
	switch out.Status {
	case approval.StatusApproved:
		return out.FormData, nil
	case approval.StatusTimedOut:
		return nil, &ToolError{Kind: ErrTimedOut, Reason: "elicitation timed out"}
	default:
		return nil, &ToolError{Kind: ErrDenied, Reason: "elicitation declined"}
	}
}
