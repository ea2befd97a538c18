package delegate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/toolgate/toolgate/config"
)

// peerAgent fakes a remote agent speaking message/send. It keeps cumulative
// history per task id and answers each turn with a canned reply.
type peerAgent struct {
	mu       sync.Mutex
	history  map[string][]Message
	replies  []string
	requests int
}

func newPeerAgent(replies ...string) *peerAgent {
	return &peerAgent{history: make(map[string][]Message), replies: replies}
}

func (p *peerAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method != "message/send" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	taskID := req.Params.Message.TaskID
	turn := len(p.history[taskID]) / 2
	reply := "ok"
	if turn < len(p.replies) {
		reply = p.replies[turn]
	}
	p.history[taskID] = append(p.history[taskID], req.Params.Message, Message{
		Role:      "agent",
		Parts:     []Part{{Kind: "text", Text: reply}},
		MessageID: "m-reply",
		TaskID:    taskID,
		Kind:      "message",
	})

	res, _ := json.Marshal(sendResult{History: p.history[taskID]})
	json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: res})
}

func agentCfg(url string) config.AgentConfig {
	return config.AgentConfig{Name: "peer", Endpoint: url}
}

func newTestClient() *Client {
	return NewClient(ClientOptions{Logger: zerolog.Nop()})
}

func TestSubmitBlocksForReply(t *testing.T) {
	peer := newPeerAgent("hello back")
	srv := httptest.NewServer(peer)
	defer srv.Close()

	c := newTestClient()
	task, err := c.Submit(context.Background(), agentCfg(srv.URL), "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.State != StateCompleted {
		t.Errorf("expected completed, got %s", task.State)
	}
	if task.Reply() != "hello back" {
		t.Errorf("unexpected reply %q", task.Reply())
	}
	if task.ID == "" {
		t.Error("task id must be set")
	}
}

func TestFollowUpKeepsSession(t *testing.T) {
	peer := newPeerAgent("first", "second", "third")
	srv := httptest.NewServer(peer)
	defer srv.Close()

	c := newTestClient()
	task, err := c.Submit(context.Background(), agentCfg(srv.URL), "turn 1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	for i, want := range []string{"second", "third"} {
		reply, err := c.SendFollowUp(context.Background(), task.ID, "again")
		if err != nil {
			t.Fatalf("follow-up %d failed: %v", i, err)
		}
		if reply != want {
			t.Errorf("follow-up %d: expected %q, got %q", i, want, reply)
		}
	}

	// The peer accumulated a single session: three user turns and three
	// agent turns under one task id.
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.history) != 1 {
		t.Fatalf("expected one remote session, got %d", len(peer.history))
	}
	if got := len(peer.history[task.ID]); got != 6 {
		t.Errorf("expected 6 history messages, got %d", got)
	}

	snap, err := c.Poll(task.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(snap.History) != 6 {
		t.Errorf("expected cumulative history of 6, got %d", len(snap.History))
	}
}

func TestSubmitAsyncObservedThroughPoll(t *testing.T) {
	peer := newPeerAgent("eventually")
	srv := httptest.NewServer(peer)
	defer srv.Close()

	c := newTestClient()
	id := c.SubmitAsync(context.Background(), agentCfg(srv.URL), "take your time")
	if id == "" {
		t.Fatal("task id must be returned immediately")
	}

	deadline := time.After(3 * time.Second)
	for {
		snap, err := c.Poll(id)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if snap.State.Terminal() {
			if snap.State != StateCompleted {
				t.Fatalf("expected completed, got %s (%v)", snap.State, snap.Err)
			}
			if snap.Reply() != "eventually" {
				t.Errorf("unexpected reply %q", snap.Reply())
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("async task never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUnreachableRetriesOnce(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // connection refused from here on

	c := newTestClient()
	task, err := c.Submit(context.Background(), agentCfg(url), "hello?")
	if err == nil {
		t.Fatal("expected failure against a dead endpoint")
	}
	if kind, ok := KindOf(err); !ok || kind != ErrUnreachable {
		t.Errorf("expected unreachable, got %v", err)
	}
	if task.State != StateFailed {
		t.Errorf("expected failed, got %s", task.State)
	}
}

func TestRemoteRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32600, Message: "nope"},
		})
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Submit(context.Background(), agentCfg(srv.URL), "hi")
	if kind, ok := KindOf(err); !ok || kind != ErrRemoteRejected {
		t.Errorf("expected remote_rejected, got %v", err)
	}
}

func TestMalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not json"))
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Submit(context.Background(), agentCfg(srv.URL), "hi")
	if kind, ok := KindOf(err); !ok || kind != ErrMalformedReply {
		t.Errorf("expected malformed_reply, got %v", err)
	}
}

func TestProtocolErrorDoesNotRetry(t *testing.T) {
	peer := newPeerAgent()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer.mu.Lock()
		peer.requests++
		peer.mu.Unlock()
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Submit(context.Background(), agentCfg(srv.URL), "hi")
	if kind, ok := KindOf(err); !ok || kind != ErrRemoteRejected {
		t.Fatalf("expected remote_rejected, got %v", err)
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.requests != 1 {
		t.Errorf("a rejected request must not retry, got %d requests", peer.requests)
	}
}

func TestCancelBlocksFollowUps(t *testing.T) {
	peer := newPeerAgent("first")
	srv := httptest.NewServer(peer)
	defer srv.Close()

	c := newTestClient()
	task, err := c.Submit(context.Background(), agentCfg(srv.URL), "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := c.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := c.SendFollowUp(context.Background(), task.ID, "more"); err == nil {
		t.Error("follow-up on a canceled task must fail")
	}
	snap, _ := c.Poll(task.ID)
	if snap.State != StateCanceled {
		t.Errorf("expected canceled, got %s", snap.State)
	}
}

func TestFollowUpUnknownTask(t *testing.T) {
	c := newTestClient()
	if _, err := c.SendFollowUp(context.Background(), "ghost", "hi"); err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
