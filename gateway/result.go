package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// PartType tags one element of a tool result.
type PartType string

const (
	PartText     PartType = "text"
	PartData     PartType = "data"
	PartResource PartType = "resource"
)

// Part is one element of a normalized tool result. Exactly the fields for
// its type are set.
type Part struct {
	Type PartType `json:"type"`
	// Text is set for text parts and optionally for inline resource text.
	Text string `json:"text,omitempty"`
	// Data holds the raw JSON of a structured part.
	Data json.RawMessage `json:"data,omitempty"`
	// URI and MimeType identify a resource part.
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextPart builds a text part.
func TextPart(s string) Part { return Part{Type: PartText, Text: s} }

// ToolCallResult is the gateway's uniform result envelope. IsError marks a
// tool-reported failure; the envelope is still a result, not a Go error.
type ToolCallResult struct {
	CallID  string `json:"callId"`
	Parts   []Part `json:"parts"`
	IsError bool   `json:"isError,omitempty"`
}

// Text concatenates the text parts for callers that only want prose.
func (r *ToolCallResult) Text() string {
	var out string
	for _, p := range r.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ErrKind classifies a gateway failure.
type ErrKind string

const (
	ErrNotFound         ErrKind = "not_found"
	ErrInvalidArguments ErrKind = "invalid_arguments"
	ErrDenied           ErrKind = "denied"
	ErrTimedOut         ErrKind = "timed_out"
	ErrRemoteError      ErrKind = "remote_error"
)

// ToolError is the gateway's error envelope. Transport faults never cross
// the gateway raw; they arrive wrapped here with a stable kind.
type ToolError struct {
	Kind   ErrKind
	Tool   string
	Reason string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("tool %q: %s", e.Tool, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// KindOf extracts the ErrKind from err if it is (or wraps) a ToolError.
func KindOf(err error) (ErrKind, bool) {
	for err != nil {
		if te, ok := err.(*ToolError); ok {
			return te.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}

// validateArgs checks args against the tool's declared schema. A tool
// without a schema accepts anything; an unresolvable schema is the server's
// bug, not the caller's, so it is skipped rather than failing the call.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return resolved.Validate(args)
}

// normalize converts a raw tool-server result into the gateway envelope.
// Unknown content variants are preserved as data parts rather than dropped.
func normalize(callID string, res *mcp.CallToolResult) *ToolCallResult {
	out := &ToolCallResult{CallID: callID, IsError: res.IsError}
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcp.TextContent:
			out.Parts = append(out.Parts, TextPart(v.Text))
		case *mcp.EmbeddedResource:
			p := Part{Type: PartResource}
			if v.Resource != nil {
				p.URI = v.Resource.URI
				p.MimeType = v.Resource.MIMEType
				p.Text = v.Resource.Text
			}
			out.Parts = append(out.Parts, p)
		default:
			raw, err := json.Marshal(c)
			if err != nil {
				continue
			}
			out.Parts = append(out.Parts, Part{Type: PartData, Data: raw})
		}
	}
	return out
}
