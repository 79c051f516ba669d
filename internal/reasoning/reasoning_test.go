package reasoning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
)

// fakeModel returns queued replies and records the messages it saw.
type fakeModel struct {
	replies []string
	errs    []error
	seen    [][]llms.MessageContent
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.seen = append(m.seen, messages)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        reply,
		GenerationInfo: map[string]any{"PromptTokens": 120, "CompletionTokens": 30},
	}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func testInput() TurnInput {
	return TurnInput{
		Spec:  &agentspec.AgentSpec{Objective: "Implement feature a: Alpha"},
		Tools: []tools.Definition{{Name: "read_file", Description: "Read a file"}},
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ActionKind
		tool string
	}{
		{"tool call", `{"action":"tool_call","tool":"read_file","args":{"path":"a.go"}}`, ActionToolCall, "read_file"},
		{"fenced", "```json\n{\"action\":\"finish\",\"thought\":\"done\"}\n```", ActionFinish, ""},
		{"prose around json", `Sure! {"action":"respond","thought":"thinking"} ok`, ActionRespond, ""},
		{"garbage", "I will now read the file", ActionRespond, ""},
		{"tool call without tool", `{"action":"tool_call"}`, ActionRespond, ""},
		{"unknown action", `{"action":"dance"}`, ActionRespond, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ParseAction(tt.in)
			assert.Equal(t, tt.want, a.Kind)
			assert.Equal(t, tt.tool, a.Tool)
		})
	}
}

func TestLLMEngine_Next(t *testing.T) {
	model := &fakeModel{replies: []string{`{"action":"tool_call","tool":"read_file","args":{"path":"main.go"}}`}}
	e := NewLLMEngine(model, LLMConfig{})

	in := testInput()
	in.History = []Step{{
		Action: Action{Kind: ActionToolCall, Tool: "list_files"},
		Result: &tools.Result{Success: true, Data: []string{"main.go"}},
		Note:   "tool list_files is allowed",
	}}
	a, err := e.Next(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ActionToolCall, a.Kind)
	assert.Equal(t, "main.go", a.Args["path"])
	assert.Equal(t, Usage{TokensIn: 120, TokensOut: 30}, a.Usage)

	require.Len(t, model.seen, 1)
	msgs := model.seen[0]
	require.Len(t, msgs, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, msgs[2].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[3].Role)
	assert.Contains(t, msgs[0].Parts[0].(llms.TextContent).Text, "read_file")
	assert.Contains(t, msgs[3].Parts[0].(llms.TextContent).Text, "Note: tool list_files is allowed")
}

func TestLLMEngine_RetriesTransientErrors(t *testing.T) {
	model := &fakeModel{
		errs:    []error{errors.New("503"), nil},
		replies: []string{`{"action":"finish"}`},
	}
	e := NewLLMEngine(model, LLMConfig{MaxRetries: 2})
	e.backoff = time.Millisecond

	a, err := e.Next(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, ActionFinish, a.Kind)
	assert.Len(t, model.seen, 2)
}

func TestLLMEngine_GivesUp(t *testing.T) {
	model := &fakeModel{errs: []error{errors.New("a"), errors.New("b")}}
	e := NewLLMEngine(model, LLMConfig{MaxRetries: 1})
	e.backoff = time.Millisecond
	_, err := e.Next(context.Background(), testInput())
	assert.ErrorContains(t, err, "max retries exceeded")
}

func TestLLMEngine_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &fakeModel{errs: []error{context.Canceled}}
	_, err := NewLLMEngine(model, LLMConfig{}).Next(ctx, testInput())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptedEngine(t *testing.T) {
	e := NewScriptedEngine(
		Action{Kind: ActionToolCall, Tool: "read_file"},
		Action{Kind: ActionRespond},
	)
	var turns []int
	e.Hook = func(_ context.Context, in TurnInput) { turns = append(turns, in.Turn) }

	ctx := context.Background()
	for i, want := range []ActionKind{ActionToolCall, ActionRespond, ActionFinish, ActionFinish} {
		a, err := e.Next(ctx, TurnInput{Turn: i + 1})
		require.NoError(t, err)
		assert.Equal(t, want, a.Kind)
	}
	assert.Equal(t, 2, e.Calls())
	assert.Equal(t, []int{1, 2, 3, 4}, turns)

	f := ScriptedFactory(Action{Kind: ActionFinish})
	assert.NotSame(t, f(), f())
}
