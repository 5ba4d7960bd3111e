// Package llm is the analysis layer over the OpenAI chat completions API.
//
// One Analyst serves three narrow calls: AnalyzeWindow runs forced function
// calling over a transcript window and yields at most one captured item,
// IsDuplicate is a cheap yes/no semantic probe for the optional second-pass
// dedup, and Summarize condenses a decision log into a lede and theme.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/loqui-ai/loqui/internal/tracker"
	"github.com/loqui-ai/loqui/pkg/types"
)

const (
	// defaultTimeout bounds every LLM call; on expiry the caller's
	// single-flight lock is released and the next update retries.
	defaultTimeout = 30 * time.Second

	analyzeTemperature = 0.1
	analyzeMaxTokens   = 256

	dedupMaxTokens = 5

	summaryTemperature = 0.2
	summaryMaxTokens   = 256
)

// Capture is one item the LLM extracted from a transcript window.
type Capture struct {
	Type       string
	Summary    string
	Speaker    string
	Confidence float64
	Entities   []types.Entity
}

// Summary is the condensed view of a meeting's decision log.
type Summary struct {
	Lede  string `json:"lede"`
	Theme string `json:"theme"`
}

// config holds optional configuration for the Analyst.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Analyst.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, for self-hosted
// OpenAI-compatible endpoints.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets the per-call budget. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Analyst wraps one chat-completions client and model.
type Analyst struct {
	client  oai.Client
	model   string
	timeout time.Duration
}

// New constructs an Analyst. apiKey and model must be non-empty.
func New(apiKey, model string, opts ...Option) (*Analyst, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	cfg := &config{timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Analyst{
		client:  oai.NewClient(reqOpts...),
		model:   model,
		timeout: cfg.timeout,
	}, nil
}

// AnalyzeWindow runs one forced tool call over the segment window using the
// given tracker configuration. It returns nil (no error) for a no_match
// verdict; errors are transport or decode failures.
func (a *Analyst) AnalyzeWindow(ctx context.Context, cfg tracker.Config, segments []types.Segment) (*Capture, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(tracker.SystemPrompt(cfg)),
			oai.UserMessage("Transcript window:\n\n" + FormatSegments(segments)),
		},
		Temperature:         param.NewOpt(analyzeTemperature),
		MaxCompletionTokens: param.NewOpt(int64(analyzeMaxTokens)),
		Tools: []oai.ChatCompletionToolParam{{
			Function: shared.FunctionDefinitionParam{
				Name:        tracker.ToolName,
				Description: param.NewOpt(tracker.ToolDescription(cfg)),
				Parameters:  shared.FunctionParameters(tracker.ToolParameters(cfg)),
			},
		}},
		ToolChoice: oai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
				Function: oai.ChatCompletionNamedToolChoiceFunctionParam{Name: tracker.ToolName},
			},
		},
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: analyze window: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty choices in response")
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return nil, fmt.Errorf("llm: model returned no tool call")
	}

	var args struct {
		Type       string         `json:"type"`
		Summary    string         `json:"summary"`
		Speaker    *string        `json:"speaker"`
		Confidence float64        `json:"confidence"`
		Entities   []types.Entity `json:"entities"`
	}
	if err := json.Unmarshal([]byte(msg.ToolCalls[0].Function.Arguments), &args); err != nil {
		return nil, fmt.Errorf("llm: decode tool arguments: %w", err)
	}

	if args.Type == "" || args.Type == tracker.NoMatch {
		return nil, nil
	}
	capture := &Capture{
		Type:       args.Type,
		Summary:    args.Summary,
		Confidence: args.Confidence,
		Entities:   args.Entities,
	}
	if args.Speaker != nil {
		capture.Speaker = *args.Speaker
	}
	return capture, nil
}

// IsDuplicate asks whether newSummary describes the same thing as any of the
// existing summaries. Callers treat errors as "not a duplicate" so items are
// never silently suppressed.
func (a *Analyst) IsDuplicate(ctx context.Context, newSummary string, existing []string) (bool, error) {
	if len(existing) == 0 {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var numbered strings.Builder
	for i, s := range existing {
		fmt.Fprintf(&numbered, "%d. %s\n", i+1, s)
	}
	user := fmt.Sprintf(
		"New item:\n%s\n\nAlready captured items:\n%s\n"+
			"Does the new item describe the same thing as any already-captured item "+
			"(same person, same task/decision, just worded differently)? YES or NO.",
		newSummary, numbered.String())

	resp, err := a.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage("You are a deduplication assistant. Answer with exactly one word: YES or NO."),
			oai.UserMessage(user),
		},
		Temperature:         param.NewOpt(0.0),
		MaxCompletionTokens: param.NewOpt(int64(dedupMaxTokens)),
	})
	if err != nil {
		return false, fmt.Errorf("llm: dedup probe: %w", err)
	}
	if len(resp.Choices) == 0 {
		return false, fmt.Errorf("llm: empty choices in response")
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Choices[0].Message.Content))
	return strings.HasPrefix(answer, "YES"), nil
}

const summarySystemPrompt = `You are a concise meeting summarizer. Given a list of decisions, action items, and
architecture statements detected during a meeting, produce a brief JSON summary.

Output valid JSON with these fields:
- "lede": 1-2 sentence concise summary of the most important outcomes so far
- "theme": a 2-4 word theme label (e.g. "API Migration Planning", "Q2 Budget Review")

Rules:
- Be opinionated and specific — "Team committed to Redis migration by March" not "The team discussed various topics"
- Focus on DECISIONS and ACTION ITEMS, not just context
- Keep the lede under 40 words
- If there are no items yet, return {"lede": "", "theme": ""}`

// Summarize condenses a decision log into a Summary. An empty log returns an
// empty Summary without calling the model.
func (a *Analyst) Summarize(ctx context.Context, items []types.DecisionItem) (Summary, error) {
	if len(items) == 0 {
		return Summary{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var lines strings.Builder
	for _, item := range items {
		speaker := item.Speaker
		if speaker == "" {
			speaker = "unknown"
		}
		fmt.Fprintf(&lines, "- [%s] %s (speaker: %s)\n", item.Type, item.Summary, speaker)
	}
	user := fmt.Sprintf("Summarize these %d detected meeting items:\n\n%s", len(items), lines.String())

	resp, err := a.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(summarySystemPrompt),
			oai.UserMessage(user),
		},
		Temperature:         param.NewOpt(summaryTemperature),
		MaxCompletionTokens: param.NewOpt(int64(summaryMaxTokens)),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("llm: summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Summary{}, fmt.Errorf("llm: empty choices in response")
	}

	var out Summary
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return Summary{}, fmt.Errorf("llm: decode summary: %w", err)
	}
	return out, nil
}

// FormatSegments renders a transcript window the way the analyst prompt
// expects: one "[timestamp] speaker: text" line per segment.
func FormatSegments(segments []types.Segment) string {
	var lines []string
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		speaker := seg.SpeakerName
		if speaker == "" {
			speaker = "Unknown"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", seg.AbsoluteStartTime, speaker, text))
	}
	if len(lines) == 0 {
		return "(no transcript yet)"
	}
	return strings.Join(lines, "\n")
}
