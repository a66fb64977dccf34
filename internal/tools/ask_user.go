package tools

import (
	"context"
	"fmt"
	"strings"
)

// AskUserTool lets the model pause the run and ask the user a question.
// The run transitions to waiting_for_input until the answer arrives on
// the session's steer channel.
type AskUserTool struct{}

func NewAskUserTool() *AskUserTool { return &AskUserTool{} }

// LongRunning exempts ask_user from the per-tool timeout; a human reply
// can take minutes.
func (t *AskUserTool) LongRunning() bool { return true }

func (t *AskUserTool) Name() string { return "ask_user" }
func (t *AskUserTool) Description() string {
	return "Ask the user a clarifying question and wait for their reply. Use only when you cannot proceed without more information."
}

func (t *AskUserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{
				"type":        "string",
				"description": "The question to ask the user",
			},
		},
		"required": []string{"question"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	question, _ := args["question"].(string)
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrorResult("question is required")
	}

	rc := RunControlFromCtx(ctx)
	if rc == nil {
		return ErrorResult("ask_user is not available in this run")
	}

	answer, err := rc.AskUser(ctx, question)
	if err != nil {
		return ErrorResult(fmt.Sprintf("no answer received: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("User replied: %s", answer))
}
