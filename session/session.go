// Package session tracks live work per conversation. A session owns a
// context, the set of in-flight tool calls made on its behalf, and hooks
// that fire when the session is cancelled so pending approvals die with it.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the in-memory session table.
type Registry struct {
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*state
	// onCancel hooks run after a session's context and in-flight calls are
	// cancelled.
	onCancel []func(sessionID string)
}

type state struct {
	ctx    context.Context
	cancel context.CancelFunc
	// calls maps call id to the cancel func of that call's context.
	calls map[string]context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:      log,
		sessions: make(map[string]*state),
	}
}

// OnCancel registers a hook invoked whenever a session is cancelled.
func (r *Registry) OnCancel(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCancel = append(r.onCancel, fn)
}

// Start creates the session if needed and returns its context. Starting an
// existing session returns the same context.
func (r *Registry) Start(sessionID string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s.ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.sessions[sessionID] = &state{
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]context.CancelFunc),
	}
	r.log.Debug().Str("session_id", sessionID).Msg("session started")
	return ctx
}

// Track records an in-flight tool call under the session. Tracking against
// an unknown session implicitly starts it.
func (r *Registry) Track(sessionID, callID string, cancel context.CancelFunc) {
	r.Start(sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.calls[callID] = cancel
	}
}

// Untrack removes a finished call from the session.
func (r *Registry) Untrack(sessionID, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		delete(s.calls, callID)
	}
}

// Cancel tears a session down: its context is cancelled, every in-flight
// call is aborted, and the cancel hooks fire. Cancelling an unknown session
// is a no-op.
func (r *Registry) Cancel(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	hooks := make([]func(string), len(r.onCancel))
	copy(hooks, r.onCancel)
	r.mu.Unlock()

	s.cancel()
	for _, cancel := range s.calls {
		cancel()
	}
	for _, fn := range hooks {
		fn(sessionID)
	}
	r.log.Info().Str("session_id", sessionID).Int("aborted_calls", len(s.calls)).Msg("session cancelled")
}

// Active reports whether the session exists and is not cancelled.
func (r *Registry) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}
