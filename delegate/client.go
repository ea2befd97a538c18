package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/toolgate/toolgate/config"
)

const jsonrpcVersion = "2.0"

type rpcRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      string     `json:"id"`
	Method  string     `json:"method"`
	Params  sendParams `json:"params"`
}

type sendParams struct {
	Message       Message    `json:"message"`
	Configuration sendConfig `json:"configuration"`
}

type sendConfig struct {
	Blocking bool `json:"blocking"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type sendResult struct {
	History []Message `json:"history"`
}

// ClientOptions configure a Client.
type ClientOptions struct {
	Logger zerolog.Logger
	// Timeout bounds one HTTP exchange. Zero means 120s; delegated turns run
	// a full remote reasoning loop and are slow.
	Timeout time.Duration
}

// Client delegates tasks to peer agents and tracks them by id.
type Client struct {
	http *http.Client
	log  zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewClient creates a delegation client.
func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		http:  &http.Client{Timeout: timeout},
		log:   opts.Logger,
		tasks: make(map[string]*Task),
	}
}

// Submit starts a new delegated task on the peer and blocks for its first
// reply. The returned task is a snapshot; its id is the session handle for
// follow-up turns.
func (c *Client) Submit(ctx context.Context, agent config.AgentConfig, text string) (Task, error) {
	task := c.register(agent)
	err := c.sendTurn(ctx, task, text)
	return c.snapshot(task), err
}

// SubmitAsync starts a delegated task without waiting for the reply and
// returns its id. The task is observable through Poll and moves to a
// terminal state when the exchange finishes.
func (c *Client) SubmitAsync(ctx context.Context, agent config.AgentConfig, text string) string {
	task := c.register(agent)
	go func() {
		if err := c.sendTurn(ctx, task, text); err != nil {
			c.log.Warn().Err(err).Str("task_id", task.ID).Msg("async delegation failed")
		}
	}()
	return task.ID
}

// register creates the task record. The record stays private to the client;
// callers only ever see snapshots.
func (c *Client) register(agent config.AgentConfig) *Task {
	task := &Task{
		ID:       uuid.NewString(),
		Agent:    agent.Name,
		Endpoint: agent.Endpoint,
		State:    StateSubmitted,
	}
	c.mu.Lock()
	c.tasks[task.ID] = task
	c.mu.Unlock()
	return task
}

func (c *Client) snapshot(task *Task) Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := *task
	snap.History = append([]Message(nil), task.History...)
	return snap
}

// SendFollowUp sends another turn on an existing task, reusing its id so
// the peer continues the same session. It returns the peer's reply.
func (c *Client) SendFollowUp(ctx context.Context, taskID, text string) (string, error) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	canceled := ok && task.State == StateCanceled
	c.mu.Unlock()
	if !ok {
		return "", ErrTaskNotFound
	}
	if canceled {
		return "", &Error{Kind: ErrRemoteRejected, Agent: task.Agent, Err: fmt.Errorf("task is canceled")}
	}
	if err := c.sendTurn(ctx, task, text); err != nil {
		return "", err
	}
	snap := c.snapshot(task)
	return snap.Reply(), nil
}

// Poll returns a snapshot of the task's current state.
func (c *Client) Poll(taskID string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	snap := *task
	snap.History = append([]Message(nil), task.History...)
	return snap, nil
}

// Cancel marks the task canceled locally. Later follow-ups are rejected;
// an exchange already in flight finishes but its result is discarded for
// state purposes.
func (c *Client) Cancel(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	task.State = StateCanceled
	return nil
}

// sendTurn performs one blocking message/send exchange and folds the
// peer's reported history into the task.
func (c *Client) sendTurn(ctx context.Context, task *Task, text string) error {
	msg := Message{
		Role:      "user",
		Parts:     []Part{{Kind: "text", Text: text}},
		MessageID: uuid.NewString(),
		TaskID:    task.ID,
		Kind:      "message",
	}
	req := rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      uuid.NewString(),
		Method:  "message/send",
		Params: sendParams{
			Message:       msg,
			Configuration: sendConfig{Blocking: true},
		},
	}

	c.setState(task, StateWorking, nil)
	c.log.Debug().Str("task_id", task.ID).Str("agent", task.Agent).Msg("sending delegated turn")

	result, err := c.exchange(ctx, task, req)
	if err != nil {
		c.setState(task, StateFailed, err)
		return err
	}

	c.mu.Lock()
	task.History = result.History
	c.mu.Unlock()
	if len(result.History) == 0 {
		err := &Error{Kind: ErrMalformedReply, Agent: task.Agent, Err: fmt.Errorf("empty history")}
		c.setState(task, StateFailed, err)
		return err
	}
	c.setState(task, StateCompleted, nil)
	return nil
}

// exchange posts the request, retrying once on a network failure before
// giving up as unreachable.
func (c *Client) exchange(ctx context.Context, task *Task, req rpcRequest) (*sendResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: ErrMalformedReply, Agent: task.Agent, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.log.Debug().Str("task_id", task.ID).Msg("retrying delegation send")
		}
		res, err := c.post(ctx, task.Endpoint, body)
		if err != nil {
			// Protocol errors are final; only network failures retry.
			if de, ok := err.(*Error); ok {
				de.Agent = task.Agent
				return nil, de
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return res, nil
	}
	return nil, &Error{Kind: ErrUnreachable, Agent: task.Agent, Err: lastErr}
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*sendResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpRes.Body.Close()

	raw, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, err
	}
	return c.decode(httpRes.StatusCode, raw)
}

// decode turns an HTTP reply into a sendResult. Protocol-level failures are
// classified here so retry logic above only sees network errors.
func (c *Client) decode(status int, raw []byte) (*sendResult, error) {
	if status != http.StatusOK {
		return nil, &Error{Kind: ErrRemoteRejected, Err: fmt.Errorf("http status %d", status)}
	}
	var res rpcResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &Error{Kind: ErrMalformedReply, Err: err}
	}
	if res.Error != nil {
		return nil, &Error{Kind: ErrRemoteRejected, Err: fmt.Errorf("rpc error %d: %s", res.Error.Code, res.Error.Message)}
	}
	if len(res.Result) == 0 {
		return nil, &Error{Kind: ErrMalformedReply, Err: fmt.Errorf("missing result")}
	}
	var out sendResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return nil, &Error{Kind: ErrMalformedReply, Err: err}
	}
	return &out, nil
}

func (c *Client) setState(task *Task, s State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task.State == StateCanceled {
		return
	}
	task.State = s
	task.Err = err
}
