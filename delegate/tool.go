package delegate

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/toolgate/toolgate/config"
	"github.com/toolgate/toolgate/errors"
)

// TaskTool exposes delegation as a built-in tool. Passing the taskId from a
// previous call continues that conversation on the peer.
type TaskTool struct {
	client *Client
	agents []config.AgentConfig
}

// NewTaskTool builds the tool over the configured peer agents.
func NewTaskTool(client *Client, agents []config.AgentConfig) *TaskTool {
	return &TaskTool{client: client, agents: agents}
}

func (t *TaskTool) Name() string { return "delegate_task" }

func (t *TaskTool) Description() string {
	if len(t.agents) == 0 {
		return "Delegates a task to a peer agent. No agents are currently configured."
	}
	names := make([]string, len(t.agents))
	for i, a := range t.agents {
		names[i] = a.Name
	}
	return fmt.Sprintf("Delegates a task to a peer agent and returns its reply. "+
		"Args: agent (string), task (string), taskId (string, optional; continue a previous delegation). "+
		"Available agents: %s.", strings.Join(names, ", "))
}

func (t *TaskTool) RequiresApproval() bool { return true }

func (t *TaskTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"agent":  {Type: "string", Description: "Name of the configured peer agent"},
			"task":   {Type: "string", Description: "Instruction for the peer agent"},
			"taskId": {Type: "string", Description: "Existing delegation to continue"},
		},
		Required: []string{"agent", "task"},
	}
}

func (t *TaskTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	agentName, ok := args["agent"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'agent' argument")
	}
	text, ok := args["task"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'task' argument")
	}

	if taskID, ok := args["taskId"].(string); ok && taskID != "" {
		reply, err := t.client.SendFollowUp(ctx, taskID, text)
		if err != nil {
			return "", errors.Wrapf(err, "follow-up on task '%s' failed", taskID)
		}
		return fmt.Sprintf("[taskId: %s]\n%s", taskID, reply), nil
	}

	var agent config.AgentConfig
	found := false
	for _, a := range t.agents {
		if a.Name == agentName {
			agent = a
			found = true
			break
		}
	}
	if !found {
		return "", errors.New("unknown agent '%s'", agentName)
	}

	task, err := t.client.Submit(ctx, agent, text)
	if err != nil {
		return "", errors.Wrapf(err, "delegation to '%s' failed", agentName)
	}
	return fmt.Sprintf("[taskId: %s]\n%s", task.ID, task.Reply()), nil
}
