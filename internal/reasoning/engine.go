// Package reasoning provides the engines that choose a run's next action.
package reasoning

import (
	"context"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
)

// ActionKind is what the engine wants the harness to do next.
type ActionKind string

const (
	// ActionToolCall asks the harness to call Action.Tool.
	ActionToolCall ActionKind = "tool_call"
	// ActionFinish declares the objective done.
	ActionFinish ActionKind = "finish"
	// ActionRespond is a turn without a tool call.
	ActionRespond ActionKind = "respond"
)

// Usage is the token usage of one engine call.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Action is one engine decision.
type Action struct {
	Kind    ActionKind             `json:"action"`
	Thought string                 `json:"thought,omitempty"`
	Tool    string                 `json:"tool,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Usage   Usage                  `json:"-"`
}

// Step is a completed turn fed back to the engine.
type Step struct {
	Action Action        `json:"action"`
	Result *tools.Result `json:"result,omitempty"`
	// Note carries harness feedback such as a policy rejection.
	Note string `json:"note,omitempty"`
}

// TurnInput is what the engine sees at the start of a turn.
type TurnInput struct {
	Spec    *agentspec.AgentSpec
	Turn    int
	Tools   []tools.Definition
	History []Step
}

// Engine chooses the next action of a run.
type Engine interface {
	Next(ctx context.Context, in TurnInput) (Action, error)
}
