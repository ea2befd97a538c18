package conn

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/toolgate/toolgate/config"
	"github.com/toolgate/toolgate/transport"
)

// fakeSession is an in-memory ToolSession.
type fakeSession struct {
	mu      sync.Mutex
	pages   [][]*mcp.Tool
	pingErr error
	callErr error
	closed  bool
}

func (f *fakeSession) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := 0
	if params != nil && params.Cursor != "" {
		idx = int(params.Cursor[0] - '0')
	}
	if idx >= len(f.pages) {
		return &mcp.ListToolsResult{}, nil
	}
	res := &mcp.ListToolsResult{Tools: f.pages[idx]}
	if idx+1 < len(f.pages) {
		res.NextCursor = string(rune('0' + idx + 1))
	}
	return res, nil
}

func (f *fakeSession) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok:" + params.Name}}}, nil
}

func (f *fakeSession) Ping(ctx context.Context, params *mcp.PingParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeSession) setCallErr(err error) {
	f.mu.Lock()
	f.callErr = err
	f.mu.Unlock()
}

func tool(name string) *mcp.Tool {
	return &mcp.Tool{Name: name, Description: "test tool " + name}
}

func serverCfg(name string) config.ServerConfig {
	return config.ServerConfig{Name: name, Transport: "process", Command: "fake", TimeoutMs: 1000}
}

func newTestManager(t *testing.T, dial Dialer, opts Options) *Manager {
	t.Helper()
	opts.Dial = dial
	opts.Logger = zerolog.Nop()
	m := NewManager(opts)
	t.Cleanup(m.Close)
	return m
}

func TestConnectDiscoversPaginatedTools(t *testing.T) {
	sess := &fakeSession{pages: [][]*mcp.Tool{
		{tool("read"), tool("write")},
		{tool("delete")},
	}}
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		return sess, nil
	}, Options{})

	cfg := serverCfg("files")
	cfg.ApproveTools = []string{"write", "delete"}
	if err := m.Connect(context.Background(), cfg); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	c, err := m.Get("files")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.State != StateReady {
		t.Fatalf("expected ready, got %s", c.State)
	}
	if len(c.Tools) != 3 {
		t.Fatalf("expected 3 tools across pages, got %d", len(c.Tools))
	}
	byName := map[string]ToolDescriptor{}
	for _, d := range c.Tools {
		byName[d.Name] = d
	}
	if byName["read"].RequiresApproval {
		t.Errorf("read should not require approval")
	}
	if !byName["write"].RequiresApproval || !byName["delete"].RequiresApproval {
		t.Errorf("write and delete should require approval")
	}
}

func TestConnectAllStrictFailureAborts(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		return nil, stderrors.New("boom")
	}, Options{MaxReconnectAttempts: 1, ReconnectBase: 10 * time.Millisecond})

	strict := serverCfg("critical")
	strict.Mode = config.ModeStrict
	if err := m.ConnectAll(context.Background(), []config.ServerConfig{strict}); err == nil {
		t.Fatal("expected strict startup failure")
	}
}

func TestConnectAllLenientFailureDegrades(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		return nil, stderrors.New("boom")
	}, Options{MaxReconnectAttempts: 1, ReconnectBase: 5 * time.Millisecond})

	lenient := serverCfg("optional")
	lenient.Mode = config.ModeLenient
	if err := m.ConnectAll(context.Background(), []config.ServerConfig{lenient}); err != nil {
		t.Fatalf("lenient failure should not abort startup: %v", err)
	}
	c, err := m.Get("optional")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.State != StateDegraded && c.State != StateConnecting && c.State != StateClosed {
		t.Errorf("expected a non-ready state, got %s", c.State)
	}
}

func TestCallToolOnReadyConnection(t *testing.T) {
	sess := &fakeSession{pages: [][]*mcp.Tool{{tool("echo")}}}
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		return sess, nil
	}, Options{})
	if err := m.Connect(context.Background(), serverCfg("s")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res, err := m.CallTool(context.Background(), "s", "echo", map[string]any{"v": 1})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok || tc.Text != "ok:echo" {
		t.Errorf("unexpected result content: %+v", res.Content)
	}
}

func TestCallToolUnknownServer(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		return &fakeSession{}, nil
	}, Options{})
	if _, err := m.CallTool(context.Background(), "ghost", "t", nil); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCallToolFailureSurfacesTransportError(t *testing.T) {
	sess := &fakeSession{
		pages:   [][]*mcp.Tool{{tool("echo")}},
		callErr: stderrors.New("rpc: invalid params"),
	}
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		return sess, nil
	}, Options{MaxReconnectAttempts: 1, ReconnectBase: time.Hour})
	if err := m.Connect(context.Background(), serverCfg("s")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := m.CallTool(context.Background(), "s", "echo", nil)
	if err == nil {
		t.Fatal("expected call failure")
	}
	kind, ok := transport.KindOf(err)
	if !ok || kind != transport.ErrCallFailed {
		t.Errorf("a remote rejection is a failed call, not a dead channel: %v", err)
	}
}

// A cancelled or rejected call must not tear down the shared connection;
// other sessions keep using it.
func TestCancelledCallLeavesConnectionIntact(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	sess := &fakeSession{pages: [][]*mcp.Tool{{tool("echo")}}}
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return sess, nil
	}, Options{ReconnectBase: 5 * time.Millisecond})
	if err := m.Connect(context.Background(), serverCfg("s")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sess.setCallErr(context.Canceled)
	if _, err := m.CallTool(context.Background(), "s", "echo", nil); err == nil {
		t.Fatal("expected the cancelled call to fail")
	}

	c, err := m.Get("s")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.State != StateReady {
		t.Errorf("connection must stay ready after a cancelled call, got %s", c.State)
	}
	if len(c.Tools) != 1 {
		t.Errorf("tool list must survive a cancelled call, got %d tools", len(c.Tools))
	}

	sess.setCallErr(nil)
	if _, err := m.CallTool(context.Background(), "s", "echo", nil); err != nil {
		t.Errorf("next call on the same connection should succeed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("no reconnect must start for a cancelled call, got %d dials", dials)
	}
}

func TestDeadChannelFailsCallAndReconnects(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	broken := &fakeSession{pages: [][]*mcp.Tool{{tool("echo")}}, callErr: io.EOF}
	fresh := &fakeSession{pages: [][]*mcp.Tool{{tool("echo")}}}
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return broken, nil
		}
		return fresh, nil
	}, Options{ReconnectBase: 10 * time.Millisecond, MaxReconnectAttempts: 5})
	if err := m.Connect(context.Background(), serverCfg("s")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := m.CallTool(context.Background(), "s", "echo", nil)
	kind, ok := transport.KindOf(err)
	if !ok || kind != transport.ErrClosed {
		t.Fatalf("expected closed for a dead channel, got %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		c, err := m.Get("s")
		if err == nil && c.State == StateReady {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("connection never recovered, state %s", c.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, err := m.CallTool(context.Background(), "s", "echo", nil); err != nil {
		t.Errorf("call after reconnect should succeed: %v", err)
	}
}

func TestPingFailureTriggersReconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	broken := &fakeSession{pages: [][]*mcp.Tool{{tool("a")}}}
	fresh := &fakeSession{pages: [][]*mcp.Tool{{tool("a"), tool("b")}}}
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return broken, nil
		}
		return fresh, nil
	}, Options{
		PingInterval:         10 * time.Millisecond,
		ReconnectBase:        10 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	if err := m.Connect(context.Background(), serverCfg("s")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	broken.setPingErr(stderrors.New("gone"))

	deadline := time.After(3 * time.Second)
	for {
		c, err := m.Get("s")
		if err == nil && c.State == StateReady && len(c.Tools) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("connection never recovered; state %s with %d tools", c.State, len(c.Tools))
		case <-time.After(10 * time.Millisecond):
		}
	}
	broken.mu.Lock()
	closed := broken.closed
	broken.mu.Unlock()
	if !closed {
		t.Errorf("broken session should have been closed")
	}
}

func TestDisconnectIsFinal(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return &fakeSession{pages: [][]*mcp.Tool{{tool("a")}}}, nil
	}, Options{PingInterval: 10 * time.Millisecond, ReconnectBase: 10 * time.Millisecond})
	if err := m.Connect(context.Background(), serverCfg("s")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := m.Disconnect("s"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	c, _ := m.Get("s")
	if c.State != StateClosed {
		t.Fatalf("expected closed, got %s", c.State)
	}
	if _, err := m.CallTool(context.Background(), "s", "a", nil); err != ErrUnavailable {
		t.Errorf("expected ErrUnavailable after disconnect, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("no reconnect should happen after deliberate disconnect, got %d dials", dials)
	}
}

func TestRefreshReplacesToolSet(t *testing.T) {
	sess := &fakeSession{pages: [][]*mcp.Tool{{tool("a")}}}
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		return sess, nil
	}, Options{})
	if err := m.Connect(context.Background(), serverCfg("s")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sess.mu.Lock()
	sess.pages = [][]*mcp.Tool{{tool("a"), tool("b")}}
	sess.mu.Unlock()

	if err := m.Refresh("s"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	tools, err := m.ListTools("s")
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 2 {
		t.Errorf("expected replaced set of 2 tools, got %d", len(tools))
	}
}

func TestFindTool(t *testing.T) {
	sess := &fakeSession{pages: [][]*mcp.Tool{{tool("a")}}}
	m := newTestManager(t, func(ctx context.Context, cfg config.ServerConfig) (ToolSession, error) {
		return sess, nil
	}, Options{})
	if err := m.Connect(context.Background(), serverCfg("s")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	d, err := m.FindTool("s", "a")
	if err != nil {
		t.Fatalf("FindTool failed: %v", err)
	}
	if d.Server != "s" || d.Name != "a" {
		t.Errorf("unexpected descriptor: %+v", d)
	}
	if _, err := m.FindTool("s", "nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
