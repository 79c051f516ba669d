package reasoning

import (
	"context"
	"sync"
)

// ScriptedEngine replays a fixed list of actions and finishes when the
// list is exhausted. It drives dry runs and tests.
type ScriptedEngine struct {
	mu      sync.Mutex
	actions []Action
	next    int
	// Hook, when set, runs before each action is returned.
	Hook func(ctx context.Context, in TurnInput)
}

// NewScriptedEngine creates an engine that replays actions in order.
func NewScriptedEngine(actions ...Action) *ScriptedEngine {
	return &ScriptedEngine{actions: actions}
}

func (e *ScriptedEngine) Next(ctx context.Context, in TurnInput) (Action, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}
	if e.Hook != nil {
		e.Hook(ctx, in)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.next >= len(e.actions) {
		return Action{Kind: ActionFinish, Thought: "script complete"}, nil
	}
	a := e.actions[e.next]
	e.next++
	return a, nil
}

// Calls returns how many scripted actions were consumed.
func (e *ScriptedEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}

// Factory builds one engine per run.
type Factory func() Engine

// ScriptedFactory returns a factory producing fresh scripted engines that
// all replay actions.
func ScriptedFactory(actions ...Action) Factory {
	return func() Engine { return NewScriptedEngine(actions...) }
}
