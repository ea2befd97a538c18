package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Broker suspends callers on pending approvals and routes decisions back to
// them. It is the single serialization point for human-attention state:
// every status transition goes through one compare-and-set per approval id.
type Broker struct {
	pub       Publisher
	log       zerolog.Logger
	timeout   time.Duration
	retention time.Duration

	mu      sync.Mutex
	pending map[string]*record
}

type record struct {
	req     Request
	outcome Outcome
	done    chan struct{}
	timer   *time.Timer
}

// BrokerOptions configure a Broker.
type BrokerOptions struct {
	// Publisher receives approval-request events. Required.
	Publisher Publisher
	Logger    zerolog.Logger
	// DefaultTimeout bounds requests that pass a zero timeout. Defaults to
	// 60s.
	DefaultTimeout time.Duration
	// Retention is how long resolved records are kept before garbage
	// collection. Defaults to 5 minutes.
	Retention time.Duration
}

// NewBroker creates a Broker.
func NewBroker(opts BrokerOptions) *Broker {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	pub := opts.Publisher
	if pub == nil {
		pub = PublisherFunc(func(Event) {})
	}
	return &Broker{
		pub:       pub,
		log:       opts.Logger,
		timeout:   timeout,
		retention: retention,
		pending:   make(map[string]*record),
	}
}

// SetPublisher installs the publisher after construction. The UI
// collaborator usually needs the broker to resolve against, so wiring is
// two-step.
func (b *Broker) SetPublisher(p Publisher) {
	if p == nil {
		return
	}
	b.mu.Lock()
	b.pub = p
	b.mu.Unlock()
}

// Request registers a pending approval, publishes the request event, and
// blocks the caller until a decision arrives, the timeout elapses, or ctx is
// cancelled. The returned Outcome carries the terminal status.
//
// The pending record is registered before the event is emitted, so a
// decision can never arrive while nothing is listening for it.
func (b *Broker) Request(ctx context.Context, kind Kind, payload Payload, sessionID string, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = b.timeout
	}

	rec := &record{
		req: Request{
			ID:        uuid.NewString(),
			Kind:      kind,
			Payload:   payload,
			SessionID: sessionID,
			CreatedAt: time.Now(),
			Status:    StatusPending,
		},
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.pending[rec.req.ID] = rec
	rec.timer = time.AfterFunc(timeout, func() {
		b.transition(rec.req.ID, Outcome{Status: StatusTimedOut})
	})
	pub := b.pub
	b.mu.Unlock()

	b.log.Info().
		Str("approval_id", rec.req.ID).
		Str("kind", string(kind)).
		Str("session_id", sessionID).
		Msg("approval requested")
	pub.PublishApprovalRequest(Event{
		ID:        rec.req.ID,
		Kind:      kind,
		SessionID: sessionID,
		CreatedAt: rec.req.CreatedAt,
		Payload:   payload,
	})

	select {
	case <-rec.done:
	case <-ctx.Done():
		// The calling execution went away; abort the pending record. If a
		// decision won the race this is a no-op and the decision stands.
		b.transition(rec.req.ID, Outcome{Status: StatusCancelled})
		<-rec.done
	}

	b.mu.Lock()
	out := rec.outcome
	b.mu.Unlock()
	return out, nil
}

// Resolve applies an operator decision to a pending request. An unknown id
// yields ErrNotFound; a request already in a terminal state yields
// ErrAlreadyResolved and leaves the status unchanged.
func (b *Broker) Resolve(id string, d Decision) error {
	status := StatusDenied
	if d.Approve {
		status = StatusApproved
	}
	return b.resolveTo(id, Outcome{Status: status, FormData: d.FormData, Reason: d.Reason})
}

func (b *Broker) resolveTo(id string, out Outcome) error {
	b.mu.Lock()
	rec, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return ErrNotFound
	}
	if rec.req.Status.Terminal() {
		b.mu.Unlock()
		return ErrAlreadyResolved
	}
	b.mu.Unlock()

	if !b.transition(id, out) {
		return ErrAlreadyResolved
	}
	return nil
}

// CancelSession aborts every pending approval belonging to a session and
// returns how many were cancelled.
func (b *Broker) CancelSession(sessionID string) int {
	b.mu.Lock()
	var ids []string
	for id, rec := range b.pending {
		if rec.req.SessionID == sessionID && !rec.req.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.transition(id, Outcome{Status: StatusCancelled}) {
			n++
		}
	}
	return n
}

// Pending returns the requests still awaiting a decision.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Request
	for _, rec := range b.pending {
		if !rec.req.Status.Terminal() {
			out = append(out, rec.req)
		}
	}
	return out
}

// Done returns a channel that closes when the request reaches a terminal
// status. UI collaborators select on it so an abandoned prompt stops waiting
// for input the moment the request times out or is cancelled. Unknown ids
// get an already-closed channel.
func (b *Broker) Done(id string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.pending[id]; ok {
		return rec.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Get returns a request by id, pending or retained.
func (b *Broker) Get(id string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.pending[id]
	if !ok {
		return Request{}, false
	}
	return rec.req, true
}

// transition is the single compare-and-set for one approval id. It returns
// true if this call moved the record from pending to the terminal outcome;
// a record already resolved is left untouched.
func (b *Broker) transition(id string, out Outcome) bool {
	b.mu.Lock()
	rec, ok := b.pending[id]
	if !ok || rec.req.Status.Terminal() {
		b.mu.Unlock()
		return false
	}
	rec.req.Status = out.Status
	rec.outcome = out
	if rec.timer != nil {
		rec.timer.Stop()
	}
	close(rec.done)
	b.mu.Unlock()

	b.log.Info().
		Str("approval_id", id).
		Str("status", string(out.Status)).
		Msg("approval resolved")

	// Keep the resolved record around for the retention window so a late
	// decision maps to ErrAlreadyResolved rather than ErrNotFound.
	time.AfterFunc(b.retention, func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	})
	return true
}
