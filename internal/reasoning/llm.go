package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

const (
	defaultMaxTokens   = 2048
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
	// 60 requests per minute with short bursts.
	defaultRateLimit = 1.0
	defaultBurst     = 5
)

// systemPrompt defines the JSON action protocol.
const systemPrompt = `You are an autonomous software engineer working inside a sandboxed workspace.
Each turn you reply with exactly one JSON object and nothing else:
  {"action": "tool_call", "thought": "...", "tool": "<tool name>", "args": {...}}
  {"action": "respond", "thought": "..."}
  {"action": "finish", "thought": "why the objective is complete"}
Only call tools from the list below. Finish when the objective and its tests are done.`

// LLMConfig configures LLMEngine.
type LLMConfig struct {
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	// RateLimit is requests per second shared by every run of this engine.
	RateLimit float64
	Burst     int
}

// LLMEngine asks a langchaingo model for the next action.
type LLMEngine struct {
	model   llms.Model
	cfg     LLMConfig
	limiter *rate.Limiter
	backoff time.Duration
}

// NewLLMEngine wraps model.
func NewLLMEngine(model llms.Model, cfg LLMConfig) *LLMEngine {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	return &LLMEngine{
		model:   model,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		backoff: defaultBaseBackoff,
	}
}

// Next builds the conversation for the turn and parses the model's action.
func (e *LLMEngine) Next(ctx context.Context, in TurnInput) (Action, error) {
	messages, err := buildMessages(in)
	if err != nil {
		return Action{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := e.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Action{}, ctx.Err()
			}
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return Action{}, fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := e.model.GenerateContent(ctx, messages,
			llms.WithMaxTokens(e.cfg.MaxTokens),
			llms.WithTemperature(e.cfg.Temperature),
		)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Action{}, err
			}
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = errors.New("empty response from model")
			continue
		}
		choice := resp.Choices[0]
		action := ParseAction(choice.Content)
		action.Usage = usageFrom(choice.GenerationInfo)
		return action, nil
	}
	return Action{}, fmt.Errorf("reasoning engine: max retries exceeded: %w", lastErr)
}

func buildMessages(in TurnInput) ([]llms.MessageContent, error) {
	toolList, err := json.MarshalIndent(in.Tools, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool list: %w", err)
	}
	system := systemPrompt + "\n\nTools:\n" + string(toolList)
	if in.Spec != nil && len(in.Spec.ToolPolicy.ToolHints) > 0 {
		hints, _ := json.Marshal(in.Spec.ToolPolicy.ToolHints)
		system += "\n\nTool hints: " + string(hints)
	}

	objective := ""
	if in.Spec != nil {
		objective = in.Spec.Objective
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, objective),
	}
	for _, step := range in.History {
		act, err := json.Marshal(step.Action)
		if err != nil {
			return nil, fmt.Errorf("marshal action: %w", err)
		}
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, string(act)))

		var feedback []string
		if step.Result != nil {
			res, err := json.Marshal(step.Result)
			if err != nil {
				return nil, fmt.Errorf("marshal tool result: %w", err)
			}
			feedback = append(feedback, "Tool result: "+string(res))
		}
		if step.Note != "" {
			feedback = append(feedback, "Note: "+step.Note)
		}
		if len(feedback) > 0 {
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, strings.Join(feedback, "\n")))
		}
	}
	return messages, nil
}

// ParseAction decodes a model reply. Replies that are not a valid action
// become a respond action carrying the raw text, so the run continues and
// the model sees its own malformed output next turn.
func ParseAction(content string) Action {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start > 0 && end > start {
		content = content[start : end+1]
	}

	var a Action
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return Action{Kind: ActionRespond, Thought: "unparseable reply: " + content}
	}
	switch a.Kind {
	case ActionToolCall:
		if a.Tool == "" {
			return Action{Kind: ActionRespond, Thought: "tool_call without tool: " + content}
		}
	case ActionFinish, ActionRespond:
	default:
		return Action{Kind: ActionRespond, Thought: fmt.Sprintf("unknown action %q", a.Kind)}
	}
	return a
}

// usageFrom reads token counts reported by langchaingo providers.
func usageFrom(info map[string]any) Usage {
	return Usage{
		TokensIn:  firstInt(info, "PromptTokens", "InputTokens", "input_tokens"),
		TokensOut: firstInt(info, "CompletionTokens", "OutputTokens", "output_tokens"),
	}
}

func firstInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
