package gateway

import (
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/toolgate/toolgate/config"
	"github.com/toolgate/toolgate/errors"
)

// Policy holds the approval escalation rules that apply regardless of which
// tool is invoked: dangerous command patterns and protected path globs.
type Policy struct {
	dangerous      []*regexp.Regexp
	protectedPaths []string
}

// NewPolicy compiles the configured patterns. An invalid regex is a
// configuration error and fails startup.
func NewPolicy(cfg config.ApprovalConfig) (*Policy, error) {
	p := &Policy{protectedPaths: cfg.ProtectedPaths}
	for _, pattern := range cfg.DangerousCommands {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid dangerous command pattern '%s'", pattern)
		}
		p.dangerous = append(p.dangerous, re)
	}
	return p, nil
}

// DangerousCommand reports whether the call carries a command string that
// matches a dangerous pattern, returning the command for the prompt.
func (p *Policy) DangerousCommand(args map[string]any) (string, bool) {
	cmd, ok := args["command"].(string)
	if !ok || cmd == "" {
		return "", false
	}
	for _, re := range p.dangerous {
		if re.MatchString(cmd) {
			return cmd, true
		}
	}
	return "", false
}

// ProtectedPath reports whether the call carries a path argument that falls
// under a protected glob.
func (p *Policy) ProtectedPath(args map[string]any) (string, bool) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return "", false
	}
	for _, pattern := range p.protectedPaths {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			continue
		}
		if match {
			return path, true
		}
	}
	return "", false
}
