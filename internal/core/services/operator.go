package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/ports"
)

const operatorSystemPrompt = `You are an autonomous operator working inside a locked-down sandbox.
Respond with EXACTLY ONE JSON object per turn, nothing else. The accepted shapes are:

{"action": "command", "command": "<shell command>", "background": false}
{"action": "write_file", "path": "<relative path>", "content": "<file content>"}
{"action": "done", "result": "<summary of what you accomplished>"}

Rules:
- One action per reply. No prose, no markdown fences, no extra keys.
- Commands may not contain pipes, command chaining, backticks, or $() substitution.
- Only plain binaries from the sandbox allow-list run; interpreters like bash -c are rejected.
- Declare "done" only after you have actually performed and verified the work.`

// Stop reasons reported when the operator ends a request.
const (
	StopDone            = "done"
	StopStepLimit       = "step_limit"
	StopRepeatedCommand = "repeated_command"
)

// OperatorResult is the terminal outcome of one operator request.
type OperatorResult struct {
	Completed  bool   `json:"completed"`
	Result     string `json:"result,omitempty"`
	StopReason string `json:"stop_reason"`
	Steps      int    `json:"steps"`
}

// AutonomousOperator runs a bounded plan/act/verify loop against the
// model. Every proposed command passes the safety policy before it
// reaches the sandbox, every step is audited, and the loop always
// terminates: either the model declares done, it stalls on a repeated
// command, or the step ceiling trips.
type AutonomousOperator struct {
	logger   *slog.Logger
	llm      ports.LLMProvider
	sandbox  ports.Sandbox
	policy   *CommandPolicy
	audit    ports.AuditSink
	bus      *EventBus
	maxSteps int
	timeout  time.Duration // per-command sandbox timeout
}

func NewAutonomousOperator(
	logger *slog.Logger,
	llm ports.LLMProvider,
	sandbox ports.Sandbox,
	policy *CommandPolicy,
	audit ports.AuditSink,
	bus *EventBus,
	maxSteps int,
) *AutonomousOperator {
	if maxSteps <= 0 {
		maxSteps = 12
	}
	return &AutonomousOperator{
		logger:   logger,
		llm:      llm,
		sandbox:  sandbox,
		policy:   policy,
		audit:    audit,
		bus:      bus,
		maxSteps: maxSteps,
		timeout:  2 * time.Minute,
	}
}

// HandleRequest drives one natural-language request to a terminal
// outcome. The returned error is reserved for infrastructure failures
// (model unreachable); a request the model could not complete comes
// back as Completed=false with a stop reason.
func (o *AutonomousOperator) HandleRequest(ctx context.Context, requesterID, request string) (OperatorResult, error) {
	requestID := uuid.New().String()
	log := o.logger.With("request_id", requestID)
	log.Info("operator request started", "requester", requesterID)

	messages := []domain.ChatMessage{
		{Role: "system", Content: operatorSystemPrompt},
		{Role: "user", Content: request},
	}

	var (
		commandsRun  int
		filesWritten int
		lastOutput   string
	)
	seenCommands := make(map[string]struct{})

	for step := 1; step <= o.maxSteps; step++ {
		reply, _, err := o.llm.Invoke(ctx, messages, requesterID)
		if err != nil {
			return OperatorResult{StopReason: "llm_error", Steps: step - 1}, fmt.Errorf("model invocation: %w", err)
		}
		messages = append(messages, domain.ChatMessage{Role: "assistant", Content: reply})

		action, err := domain.DecodeAgentAction(reply)
		if err != nil {
			if !errors.Is(err, domain.ErrMalformedAction) {
				return OperatorResult{StopReason: "decode_error", Steps: step}, err
			}
			log.Warn("malformed action", "step", step, "error", err)
			o.recordStep(ctx, requestID, step, "malformed", truncate(reply, 256), false)
			messages = append(messages, domain.ChatMessage{
				Role:    "user",
				Content: fmt.Sprintf("Your reply was not a valid action: %v. Reply with exactly one JSON object in one of the three accepted shapes.", err),
			})
			continue
		}

		switch action.Kind {
		case domain.ActionDone:
			if feedback := o.doneObjection(request, commandsRun, filesWritten); feedback != "" {
				log.Warn("premature done rejected", "step", step)
				o.recordStep(ctx, requestID, step, "done_rejected", "", false)
				messages = append(messages, domain.ChatMessage{Role: "user", Content: feedback})
				continue
			}
			log.Info("operator request completed", "steps", step)
			o.recordStep(ctx, requestID, step, "done", "", true)
			return OperatorResult{Completed: true, Result: action.Result, StopReason: StopDone, Steps: step}, nil

		case domain.ActionCommand:
			if err := o.policy.Validate(action.Command); err != nil {
				log.Warn("command rejected by policy", "step", step, "command", action.Command, "error", err)
				o.recordStep(ctx, requestID, step, "command_rejected", action.Command, false)
				messages = append(messages, domain.ChatMessage{
					Role:    "user",
					Content: fmt.Sprintf("Command rejected: %v. Propose a different command.", err),
				})
				continue
			}
			if _, seen := seenCommands[action.Command]; seen {
				// The model is looping on a command it already ran,
				// consecutively or not; further steps would only burn
				// budget.
				log.Warn("operator stalled on repeated command", "step", step, "command", action.Command)
				o.recordStep(ctx, requestID, step, "repeated", action.Command, false)
				return OperatorResult{
					Completed:  false,
					Result:     lastOutput,
					StopReason: StopRepeatedCommand,
					Steps:      step,
				}, nil
			}
			seenCommands[action.Command] = struct{}{}

			res := o.sandbox.ExecuteCommand(ctx, domain.ExecRequest{
				Command: action.Command,
				Timeout: o.timeout,
			})
			commandsRun++
			verified := verifyExecution(res)
			related := sharesRequestTokens(request, action.Command)
			if !related {
				log.Warn("command shares no tokens with the request", "step", step, "command", action.Command)
			}
			lastOutput = res.Output
			detail := fmt.Sprintf("related=%t output=%s", related, truncate(res.Output, 256))
			o.recordStep(ctx, requestID, step, "command: "+action.Command, detail, verified)
			messages = append(messages, domain.ChatMessage{
				Role:    "user",
				Content: observation(res, verified),
			})

		case domain.ActionWriteFile:
			res := o.sandbox.WriteFile(ctx, action.Path, []byte(action.Content))
			if res.Success {
				filesWritten++
			}
			o.recordStep(ctx, requestID, step, "write_file: "+action.Path, truncate(res.Error, 256), res.Success)
			messages = append(messages, domain.ChatMessage{
				Role:    "user",
				Content: observation(res, res.Success),
			})
		}
	}

	log.Warn("operator step ceiling reached", "max_steps", o.maxSteps)
	return OperatorResult{
		Completed:  false,
		Result:     lastOutput,
		StopReason: StopStepLimit,
		Steps:      o.maxSteps,
	}, nil
}

// doneObjection returns a correction to feed back when the model
// declares done before doing the work the request calls for, or ""
// when done is acceptable.
func (o *AutonomousOperator) doneObjection(request string, commandsRun, filesWritten int) string {
	if commandsRun == 0 && filesWritten == 0 {
		return "You have not performed any action yet. Do the work before declaring done."
	}
	if requestWantsWrite(request) && filesWritten == 0 {
		return "The request asks for a file to be written, but you have not written one. Write it before declaring done."
	}
	if requestWantsExec(request) && commandsRun == 0 {
		return "The request asks for a command to be run, but you have not run one. Run it before declaring done."
	}
	return ""
}

var writeHints = []string{"write", "create a file", "save", "generate a file", "put into a file"}
var execHints = []string{"run", "execute", "check", "list", "show", "install", "measure", "count"}

func requestWantsWrite(request string) bool {
	return containsAnyFold(request, writeHints)
}

func requestWantsExec(request string) bool {
	return containsAnyFold(request, execHints)
}

func containsAnyFold(s string, hints []string) bool {
	lower := strings.ToLower(s)
	for _, h := range hints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// failureMarkers flag command output that reports failure even when
// the process exited zero.
var failureMarkers = []string{
	"traceback (most recent call",
	"exception",
	"command not found",
	"no such file or directory",
	"permission denied",
	"segmentation fault",
	"fatal:",
}

// verifyExecution decides whether a command outcome counts as
// verified progress. A non-zero exit never verifies; a clean exit
// verifies unless the output itself reports a failure.
func verifyExecution(res domain.ExecutionResult) bool {
	if !res.Success {
		return false
	}
	combined := strings.ToLower(res.Output + "\n" + res.Error)
	for _, m := range failureMarkers {
		if strings.Contains(combined, m) {
			return false
		}
	}
	return true
}

// sharesRequestTokens reports whether the command shares at least one
// meaningful token with the request. It is a relevance signal only,
// recorded alongside each step; verification never depends on it.
func sharesRequestTokens(request, command string) bool {
	requested := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(request)) {
		tok = strings.Trim(tok, ".,!?'\"")
		if len(tok) >= 3 {
			requested[tok] = struct{}{}
		}
	}
	for _, tok := range strings.Fields(strings.ToLower(command)) {
		if _, ok := requested[strings.Trim(tok, ".,!?'\"")]; ok {
			return true
		}
	}
	return false
}

// observation renders a sandbox result as the next user turn for the
// model.
func observation(res domain.ExecutionResult, verified bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit_code=%d success=%t verified=%t\n", res.ExitCode, res.Success, verified)
	if res.Output != "" {
		b.WriteString("output:\n")
		b.WriteString(truncate(res.Output, 4000))
		b.WriteString("\n")
	}
	if res.Error != "" {
		b.WriteString("error:\n")
		b.WriteString(truncate(res.Error, 1000))
		b.WriteString("\n")
	}
	b.WriteString("Continue with the next action, or declare done if the request is fulfilled.")
	return b.String()
}

func (o *AutonomousOperator) recordStep(ctx context.Context, requestID string, step int, action, detail string, verified bool) {
	if o.audit != nil {
		o.audit.RecordOperatorStep(ctx, domain.OperatorStepRecord{
			ID:        uuid.New().String(),
			RequestID: requestID,
			Step:      step,
			Action:    action,
			Verified:  verified,
			At:        time.Now(),
		})
	}
	if o.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"step":     step,
			"action":   action,
			"detail":   detail,
			"verified": verified,
		})
		o.bus.Publish(Event{
			Topic:     requestID,
			Type:      EventTypeOperatorStep,
			Data:      string(payload),
			Timestamp: time.Now().UnixMilli(),
		})
	}
}
