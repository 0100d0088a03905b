package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ExecutionResult is the immutable outcome of one sandbox invocation.
// The sandbox never raises; every failure mode is encoded here.
type ExecutionResult struct {
	Success       bool    `json:"success"`
	Output        string  `json:"output"`
	Error         string  `json:"error,omitempty"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"` // seconds
}

// ExecRequest describes one sandboxed command invocation.
type ExecRequest struct {
	Command     string
	Timeout     time.Duration
	Workdir     string
	User        string
	CPULimit    float64 // fraction of a core, 0 = sandbox default
	MemoryLimit int64   // bytes, 0 = sandbox default
}

// ActionKind discriminates the agent action variant.
type ActionKind string

const (
	ActionCommand   ActionKind = "command"
	ActionWriteFile ActionKind = "write_file"
	ActionDone      ActionKind = "done"
)

// AgentAction is the closed variant the autonomous operator accepts
// from the model: run a command, write a file, or declare completion.
type AgentAction struct {
	Kind       ActionKind
	Command    string
	Background bool
	Path       string
	Content    string
	Result     string
}

// ErrMalformedAction marks model output that is not valid JSON or does
// not match exactly one action shape. The operator feeds it back as a
// format correction rather than failing the request.
var ErrMalformedAction = errors.New("malformed agent action")

// Each shape closes over its key set: additionalProperties false means
// any extra key rejects the payload, required means any missing key
// rejects it.
var actionSchemas = map[ActionKind]*gojsonschema.Schema{
	ActionCommand: mustSchema(`{
		"type": "object",
		"properties": {
			"action":     {"const": "command"},
			"command":    {"type": "string", "minLength": 1},
			"background": {"type": "boolean"}
		},
		"required": ["action", "command"],
		"additionalProperties": false
	}`),
	ActionWriteFile: mustSchema(`{
		"type": "object",
		"properties": {
			"action":  {"const": "write_file"},
			"path":    {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["action", "path", "content"],
		"additionalProperties": false
	}`),
	ActionDone: mustSchema(`{
		"type": "object",
		"properties": {
			"action": {"const": "done"},
			"result": {"type": "string"}
		},
		"required": ["action", "result"],
		"additionalProperties": false
	}`),
}

func mustSchema(raw string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid action schema: %v", err))
	}
	return s
}

// DecodeAgentAction parses raw model output into an AgentAction. The
// payload must be a single JSON object matching exactly one of the
// three shapes; anything else returns ErrMalformedAction with a reason
// suitable for feeding back to the model.
func DecodeAgentAction(raw string) (AgentAction, error) {
	trimmed := extractJSONObject(raw)
	if trimmed == "" {
		return AgentAction{}, fmt.Errorf("%w: reply is not a JSON object", ErrMalformedAction)
	}

	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return AgentAction{}, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}

	kind := ActionKind(probe.Action)
	schema, ok := actionSchemas[kind]
	if !ok {
		return AgentAction{}, fmt.Errorf("%w: unknown action %q", ErrMalformedAction, probe.Action)
	}

	res, err := schema.Validate(gojsonschema.NewStringLoader(trimmed))
	if err != nil {
		return AgentAction{}, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}
	if !res.Valid() {
		var reasons []string
		for _, e := range res.Errors() {
			reasons = append(reasons, e.String())
		}
		return AgentAction{}, fmt.Errorf("%w: %s", ErrMalformedAction, strings.Join(reasons, "; "))
	}

	var payload struct {
		Action     string `json:"action"`
		Command    string `json:"command"`
		Background bool   `json:"background"`
		Path       string `json:"path"`
		Content    string `json:"content"`
		Result     string `json:"result"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return AgentAction{}, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}

	return AgentAction{
		Kind:       kind,
		Command:    payload.Command,
		Background: payload.Background,
		Path:       payload.Path,
		Content:    payload.Content,
		Result:     payload.Result,
	}, nil
}

// extractJSONObject tolerates models wrapping the object in prose or a
// code fence: it returns the first brace-balanced object, or "" if the
// reply holds none.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inStr {
			escaped = true
			continue
		}
		if ch == '"' {
			inStr = !inStr
			continue
		}
		if inStr {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

// ChatMessage is one turn of the operator's conversation with the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
