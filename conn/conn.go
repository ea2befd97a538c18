// Package conn owns the set of active tool-server connections, keyed by
// logical server name. It performs capability discovery per connection,
// supervises liveness and reconnection, and hands immutable snapshots to
// readers. Only the manager mutates connection state; the gateway holds a
// lookup key, never the connection itself.
package conn

import (
	"context"
	stderrors "errors"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/toolgate/toolgate/config"
)

// State is the lifecycle state of one connection.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

// ErrNotFound is returned when no connection exists for a server name.
var ErrNotFound = stderrors.New("conn: server not found")

// ErrUnavailable is returned when a connection exists but is not ready.
var ErrUnavailable = stderrors.New("conn: server not ready")

// ToolDescriptor is the discovered metadata describing one invocable tool.
// Descriptors are immutable once discovered; re-discovery replaces the whole
// set for a server, never individual entries.
type ToolDescriptor struct {
	Server           string
	Name             string
	Description      string
	InputSchema      *jsonschema.Schema
	RequiresApproval bool
}

// Connection is the read-only snapshot of one connection's state. The Tools
// slice is never mutated after publication, so holding a snapshot across a
// reconnect is safe.
type Connection struct {
	Server    string
	Transport string
	State     State
	Tools     []ToolDescriptor
	LastErr   error
}

// ToolSession is the protocol surface the manager needs from a connected
// session. *mcp.ClientSession satisfies it; tests substitute fakes.
type ToolSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Ping(ctx context.Context, params *mcp.PingParams) error
	Close() error
}

// Dialer opens a session for one server configuration.
type Dialer func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error)

// Notifier receives connection lifecycle events. Implementations must not
// block; the manager calls them inline.
type Notifier interface {
	ConnectionStateChanged(server string, state State, reason error)
	ToolListReplaced(server string, tools []ToolDescriptor)
}

type nopNotifier struct{}

func (nopNotifier) ConnectionStateChanged(string, State, error) {}
func (nopNotifier) ToolListReplaced(string, []ToolDescriptor)   {}
