// Package transport opens the physical channel to a single tool server and
// hands back a live MCP client session. Three transport kinds are supported:
//
//   - process: spawns a subprocess and speaks the protocol over its
//     stdin/stdout, draining stderr separately so it never corrupts the
//     protocol stream
//   - http: one HTTP request per outbound message with a synchronously
//     correlated response (streamable HTTP)
//   - http-stream: a long-lived SSE connection over which the server may
//     push notifications in addition to request/response pairs
//
// The adapter owns connect timeouts and translates failures into typed
// transport errors. Retry policy belongs to the connection manager, not
// here.
package transport

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/toolgate/toolgate/config"
)

// Kind names one of the supported transport flavors.
type Kind string

const (
	KindProcess    Kind = "process"
	KindHTTP       Kind = "http"
	KindHTTPStream Kind = "http-stream"
)

const (
	clientName    = "toolgate"
	clientVersion = "v0.1.0"
)

// Options tune dialing behavior shared by all transport kinds.
type Options struct {
	Logger zerolog.Logger

	// ToolListChanged is invoked when the server pushes a tools/list_changed
	// notification. Only the http-stream and process transports can deliver
	// server-initiated messages.
	ToolListChanged func(server string)
}

// Dial opens the configured transport, performs the protocol handshake and
// returns the connected session. The configured per-connection timeout
// bounds the whole operation; expiry yields Error{ErrTimeout}.
func Dial(ctx context.Context, cfg config.ServerConfig, opts Options) (*mcp.ClientSession, error) {
	kind := Kind(cfg.Transport)
	if kind == "" {
		kind = KindProcess
	}

	var tr mcp.Transport
	switch kind {
	case KindProcess:
		if cfg.Command == "" {
			return nil, &Error{Kind: ErrConnectFailed, Server: cfg.Name, Err: stderrors.New("process transport requires a command")}
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			cmd.Env = append(os.Environ(), cfg.Env...)
		}
		cmd.Stderr = newStderrDrain(opts.Logger, cfg.Name)
		tr = mcp.NewCommandTransport(cmd)
	case KindHTTP:
		if cfg.URL == "" {
			return nil, &Error{Kind: ErrConnectFailed, Server: cfg.Name, Err: stderrors.New("http transport requires a url")}
		}
		tr = mcp.NewStreamableClientTransport(cfg.URL, &mcp.StreamableClientTransportOptions{
			HTTPClient: &http.Client{Timeout: cfg.Timeout()},
		})
	case KindHTTPStream:
		if cfg.URL == "" {
			return nil, &Error{Kind: ErrConnectFailed, Server: cfg.Name, Err: stderrors.New("http-stream transport requires a url")}
		}
		// No client-level timeout: the SSE stream is long-lived by design.
		tr = mcp.NewSSEClientTransport(cfg.URL, &mcp.SSEClientTransportOptions{
			HTTPClient: &http.Client{},
		})
	default:
		return nil, &Error{Kind: ErrConnectFailed, Server: cfg.Name, Err: stderrors.New("unknown transport kind '" + cfg.Transport + "'")}
	}

	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, clientOptions(cfg.Name, opts))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	session, err := client.Connect(dialCtx, tr)
	if err != nil {
		return nil, &Error{Kind: classifyDialError(err), Server: cfg.Name, Err: err}
	}
	return session, nil
}

func clientOptions(server string, opts Options) *mcp.ClientOptions {
	if opts.ToolListChanged == nil {
		return nil
	}
	changed := opts.ToolListChanged
	return &mcp.ClientOptions{
		ToolListChangedHandler: func(ctx context.Context, s *mcp.ClientSession, params *mcp.ToolListChangedParams) {
			changed(server)
		},
	}
}

// classifyDialError maps a raw connect failure onto the transport taxonomy.
// Deadline expiry is a timeout; everything else that happens before the
// handshake completes is a connect failure.
func classifyDialError(err error) ErrKind {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrConnectFailed
}

// Classify maps an in-flight RPC failure onto the transport taxonomy. The
// connection manager uses this to decide whether a failed call indicates a
// dead channel. ErrClosed is reserved for genuine channel death: a caller
// abort or a remote rejection leaves the connection usable and must not
// start reconnection.
func Classify(err error) ErrKind {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case stderrors.Is(err, context.Canceled):
		return ErrCallFailed
	case channelDead(err):
		return ErrClosed
	default:
		return ErrCallFailed
	}
}

// channelDead reports whether err indicates the underlying channel is gone.
func channelDead(err error) bool {
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrClosedPipe) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, os.ErrClosed) || stderrors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// WithCallTimeout derives a context bounded by the server's configured
// timeout. The zero duration falls back to the config default.
func WithCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
