package conn

import (
	"context"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/toolgate/toolgate/config"
	"github.com/toolgate/toolgate/errors"
	"github.com/toolgate/toolgate/transport"
)

// Options configure a Manager.
type Options struct {
	// Dial opens a session for a server. Required.
	Dial Dialer

	Logger   zerolog.Logger
	Notifier Notifier

	// PingInterval is the liveness probe period. Defaults to 15s.
	PingInterval time.Duration
	// ReconnectBase is the first backoff delay; each attempt doubles it.
	// Defaults to 500ms.
	ReconnectBase time.Duration
	// MaxReconnectAttempts bounds the backoff before the connection is
	// marked closed. Defaults to 5.
	MaxReconnectAttempts int
}

// entry is the manager-private mutable state behind one Connection snapshot.
type entry struct {
	cfg config.ServerConfig

	mu           sync.Mutex
	state        State
	sess         ToolSession
	tools        []ToolDescriptor
	lastErr      error
	gen          uint64
	closedByUser bool
	reconnecting bool
}

// Manager owns all tool-server connections.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. Close must be called to release the
// supervised sessions.
func NewManager(opts Options) *Manager {
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		log:     opts.Logger,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ConnectAll connects every configured server, honoring each server's
// connect mode: a strict server's failure aborts startup, a lenient one is
// degraded and retried in the background.
func (m *Manager) ConnectAll(ctx context.Context, servers []config.ServerConfig) error {
	for _, cfg := range servers {
		if err := m.Connect(ctx, cfg); err != nil {
			if cfg.Mode == config.ModeStrict {
				return errors.Wrapf(err, "strict server '%s' failed to connect", cfg.Name)
			}
			m.log.Warn().Str("server", cfg.Name).Err(err).Msg("lenient server degraded at startup")
		}
	}
	return nil
}

// Connect establishes (or replaces) the connection for one server. On
// failure the entry is kept in degraded state and background reconnection
// begins, so a later retry can still succeed.
func (m *Manager) Connect(ctx context.Context, cfg config.ServerConfig) error {
	e := m.entryFor(cfg)

	e.mu.Lock()
	if e.closedByUser {
		e.closedByUser = false
	}
	m.setStateLocked(e, StateConnecting, nil)
	e.mu.Unlock()

	sess, tools, err := m.dialAndDiscover(ctx, cfg)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		m.setStateLocked(e, StateDegraded, err)
		m.spawnReconnectLocked(e)
		return err
	}
	m.publishLocked(e, sess, tools)
	return nil
}

// Disconnect closes a connection deliberately. No reconnection is attempted.
func (m *Manager) Disconnect(name string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closedByUser = true
	e.gen++
	if e.sess != nil {
		_ = e.sess.Close()
		e.sess = nil
	}
	e.tools = nil
	m.setStateLocked(e, StateClosed, nil)
	return nil
}

// Close tears down every connection and stops all supervision goroutines.
func (m *Manager) Close() {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.RUnlock()
	for _, name := range names {
		_ = m.Disconnect(name)
	}
	m.cancel()
	m.wg.Wait()
}

// Get returns the snapshot for one server.
func (m *Manager) Get(name string) (Connection, error) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return Connection{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// Snapshot returns snapshots of every connection.
func (m *Manager) Snapshot() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// ListTools returns the current descriptor set for one server. Observers see
// either the previous complete set or the new complete set, never a mix.
func (m *Manager) ListTools(name string) ([]ToolDescriptor, error) {
	c, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return c.Tools, nil
}

// FindTool looks up one descriptor by (server, tool) pair.
func (m *Manager) FindTool(server, tool string) (ToolDescriptor, error) {
	tools, err := m.ListTools(server)
	if err != nil {
		return ToolDescriptor{}, err
	}
	for _, d := range tools {
		if d.Name == tool {
			return d, nil
		}
	}
	return ToolDescriptor{}, ErrNotFound
}

// CallTool invokes a remote tool over the server's connection. A dead
// channel fails the call with a transport closed error and starts
// reconnection backoff.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	e, ok := m.entries[server]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	sess := e.sess
	gen := e.gen
	timeout := e.cfg.Timeout()
	ready := e.state == StateReady
	e.mu.Unlock()
	if !ready || sess == nil {
		return nil, ErrUnavailable
	}

	callCtx, cancel := transport.WithCallTimeout(ctx, timeout)
	defer cancel()

	res, err := sess.CallTool(callCtx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		kind := transport.Classify(err)
		if kind == transport.ErrClosed {
			m.markBroken(e, gen, err)
		}
		return nil, &transport.Error{Kind: kind, Server: server, Err: err}
	}
	return res, nil
}

// Refresh re-discovers the tool list on a live connection. Used when the
// server pushes a tools/list_changed notification.
func (m *Manager) Refresh(name string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	sess := e.sess
	gen := e.gen
	cfg := e.cfg
	ready := e.state == StateReady
	e.mu.Unlock()
	if !ready || sess == nil {
		return ErrUnavailable
	}

	ctx, cancel := transport.WithCallTimeout(m.ctx, cfg.Timeout())
	defer cancel()
	tools, err := discover(ctx, sess, cfg)
	if err != nil {
		return errors.Wrapf(err, "re-discovery for '%s' failed", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		// The connection was replaced while we were discovering; the new
		// connection published its own complete set.
		return nil
	}
	e.tools = tools
	m.opts.Notifier.ToolListReplaced(name, tools)
	return nil
}

// ---- internals ----

func (m *Manager) entryFor(cfg config.ServerConfig) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[cfg.Name]
	if !ok {
		e = &entry{cfg: cfg, state: StateConnecting}
		m.entries[cfg.Name] = e
	} else {
		e.cfg = cfg
	}
	return e
}

func (m *Manager) dialAndDiscover(ctx context.Context, cfg config.ServerConfig) (ToolSession, []ToolDescriptor, error) {
	sess, err := m.opts.Dial(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	discoverCtx, cancel := transport.WithCallTimeout(ctx, cfg.Timeout())
	defer cancel()
	tools, err := discover(discoverCtx, sess, cfg)
	if err != nil {
		_ = sess.Close()
		return nil, nil, errors.Wrapf(err, "tool discovery for '%s' failed", cfg.Name)
	}
	return sess, tools, nil
}

// discover lists the server's tools, following pagination cursors, and
// builds the descriptor set. Approval flags come from the server's
// approve_tools patterns.
func discover(ctx context.Context, sess ToolSession, cfg config.ServerConfig) ([]ToolDescriptor, error) {
	var tools []ToolDescriptor
	params := &mcp.ListToolsParams{}
	for {
		page, err := sess.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, t := range page.Tools {
			tools = append(tools, ToolDescriptor{
				Server:           cfg.Name,
				Name:             t.Name,
				Description:      t.Description,
				InputSchema:      t.InputSchema,
				RequiresApproval: matchesAny(cfg.ApproveTools, t.Name),
			})
		}
		if page.NextCursor == "" {
			break
		}
		params.Cursor = page.NextCursor
	}
	return tools, nil
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// publishLocked installs a new session and its complete tool set in one
// assignment. Callers hold e.mu.
func (m *Manager) publishLocked(e *entry, sess ToolSession, tools []ToolDescriptor) {
	if e.sess != nil {
		_ = e.sess.Close()
	}
	e.sess = sess
	e.tools = tools
	e.gen++
	m.setStateLocked(e, StateReady, nil)
	m.opts.Notifier.ToolListReplaced(e.cfg.Name, tools)
	m.startWatchLocked(e)
}

func (m *Manager) setStateLocked(e *entry, s State, reason error) {
	if e.state == s && reason == nil {
		return
	}
	e.state = s
	if reason != nil {
		e.lastErr = reason
	}
	m.log.Info().Str("server", e.cfg.Name).Str("state", string(s)).Err(reason).Msg("connection state changed")
	m.opts.Notifier.ConnectionStateChanged(e.cfg.Name, s, reason)
}

// startWatchLocked begins the liveness probe loop for the current session
// generation. Callers hold e.mu.
func (m *Manager) startWatchLocked(e *entry) {
	gen := e.gen
	sess := e.sess
	interval := m.opts.PingInterval
	timeout := e.cfg.Timeout()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
			}

			e.mu.Lock()
			stale := e.gen != gen || e.state != StateReady
			e.mu.Unlock()
			if stale {
				return
			}

			pingCtx, cancel := transport.WithCallTimeout(m.ctx, timeout)
			err := sess.Ping(pingCtx, nil)
			cancel()
			if err != nil {
				m.markBroken(e, gen, err)
				return
			}
		}
	}()
}

// markBroken transitions a ready connection to degraded and kicks off
// reconnection, unless the session has already been replaced or the user
// disconnected it. The generation check makes the transition idempotent
// under racing failures.
func (m *Manager) markBroken(e *entry, gen uint64, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.closedByUser || e.state != StateReady {
		return
	}
	if e.sess != nil {
		_ = e.sess.Close()
		e.sess = nil
	}
	e.tools = nil
	e.gen++
	m.setStateLocked(e, StateDegraded, cause)
	m.spawnReconnectLocked(e)
}

// spawnReconnectLocked starts the backoff loop if one is not already
// running. Callers hold e.mu.
func (m *Manager) spawnReconnectLocked(e *entry) {
	if e.reconnecting || e.closedByUser {
		return
	}
	e.reconnecting = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			e.mu.Lock()
			e.reconnecting = false
			e.mu.Unlock()
		}()

		delay := m.opts.ReconnectBase
		for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2

			e.mu.Lock()
			if e.closedByUser {
				e.mu.Unlock()
				return
			}
			cfg := e.cfg
			m.setStateLocked(e, StateConnecting, nil)
			e.mu.Unlock()

			m.log.Info().Str("server", cfg.Name).Int("attempt", attempt).Msg("reconnecting")
			sess, tools, err := m.dialAndDiscover(m.ctx, cfg)

			e.mu.Lock()
			if e.closedByUser {
				e.mu.Unlock()
				if err == nil {
					_ = sess.Close()
				}
				return
			}
			if err == nil {
				m.publishLocked(e, sess, tools)
				e.mu.Unlock()
				return
			}
			m.setStateLocked(e, StateDegraded, err)
			e.mu.Unlock()
		}

		e.mu.Lock()
		m.setStateLocked(e, StateClosed, e.lastErr)
		e.mu.Unlock()
	}()
}

func (e *entry) snapshot() Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Connection{
		Server:    e.cfg.Name,
		Transport: e.cfg.Transport,
		State:     e.state,
		Tools:     e.tools,
		LastErr:   e.lastErr,
	}
}
