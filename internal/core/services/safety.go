package services

import (
	"fmt"
	"path"
	"strings"
)

// defaultAllowedBinaries is the fixed set of leading tokens accepted
// for operator-proposed commands. Interpreters that can trivially
// escape (bash, sh, eval) are deliberately absent.
var defaultAllowedBinaries = []string{
	"ls", "cat", "head", "tail", "wc", "stat", "file", "find",
	"grep", "sort", "uniq", "cut", "tr", "sed", "awk", "diff",
	"echo", "printf", "date", "pwd", "whoami", "id", "env", "uname",
	"df", "du", "free", "ps", "uptime", "sleep",
	"mkdir", "touch", "cp", "mv", "tar", "gzip", "gunzip",
	"sha256sum", "md5sum", "base64",
	"python3", "pip3", "git", "curl", "jq",
}

// forbiddenSequences are shell metacharacters that would let a single
// validated command chain into arbitrary ones.
var forbiddenSequences = []string{";", "&&", "||", "|", "`", "$(", "\n"}

// CommandPolicy validates commands before they reach the sandbox.
// Validation is syntactic and conservative: anything that could chain,
// substitute, or pipe is rejected outright, and the leading token must
// name an allowed binary.
type CommandPolicy struct {
	allowed map[string]struct{}
}

// NewCommandPolicy builds a policy from the default allow-list plus
// any extra binaries.
func NewCommandPolicy(extra ...string) *CommandPolicy {
	allowed := make(map[string]struct{}, len(defaultAllowedBinaries)+len(extra))
	for _, b := range defaultAllowedBinaries {
		allowed[b] = struct{}{}
	}
	for _, b := range extra {
		b = strings.TrimSpace(b)
		if b != "" {
			allowed[b] = struct{}{}
		}
	}
	return &CommandPolicy{allowed: allowed}
}

// Validate returns nil only for commands safe to hand to the sandbox.
func (p *CommandPolicy) Validate(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("empty command")
	}
	for _, seq := range forbiddenSequences {
		if strings.Contains(command, seq) {
			return fmt.Errorf("command contains forbidden sequence %q", seq)
		}
	}
	fields := strings.Fields(trimmed)
	binary := path.Base(fields[0])
	if _, ok := p.allowed[binary]; !ok {
		return fmt.Errorf("binary %q is not on the allow-list", binary)
	}
	return nil
}
