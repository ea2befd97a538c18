// Package tools defines the local built-in tools and their registry. Local
// tools resolve before any remote server in the execution gateway, and each
// one declares the JSON schema its arguments are validated against.
package tools

import (
	"context"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/toolgate/toolgate/config"
	"github.com/toolgate/toolgate/errors"
)

// Tool is any local action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// InputSchema declares the tool's argument schema. The gateway
	// validates arguments against it before any approval check.
	InputSchema() *jsonschema.Schema
	// RequiresApproval marks the tool as side-effecting; invoking it always
	// passes through the approval gate first.
	RequiresApproval() bool
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds all available local tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds the registry with the default built-in tools.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&DeleteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands})
	return r
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.New("invalid glob pattern '%s': %v", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex
// support). An invalid pattern falls back to exact string comparison.
func isCommandAllowed(command string, allowed []string) (bool, error) {
	if len(strings.Fields(command)) == 0 {
		return false, nil
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}
