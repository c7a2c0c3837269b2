package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/metrics"
)

// ChatClient talks to an OpenAI-compatible chat completions endpoint.
// It is shared by the decision decider and the chat responder.
type ChatClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewChatClient builds a client for baseURL (e.g. https://api.openai.com).
func NewChatClient(baseURL, apiKey string, log zerolog.Logger) *ChatClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &ChatClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		log:        log.With().Str("component", "chat_client").Logger(),
	}
}

// Enabled reports whether credentials are configured.
func (c *ChatClient) Enabled() bool {
	return c != nil && c.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one system+user exchange and returns the assistant
// text. Deadline expiry surfaces as the typed llm_timeout error.
func (c *ChatClient) Complete(ctx context.Context, model, system, user string, maxTokens int, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return "", apierr.Unavailable("llm_timeout", fmt.Sprintf("llm call exceeded %s", timeout))
		}
		return "", fmt.Errorf("send chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("llm api error (status %d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("llm api error (status %d)", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Decider produces the final decision for a composed context.
type Decider interface {
	Decide(ctx context.Context, dc *Context) (*Record, error)
}

// LLMDecider asks the chat model for a structured decision and applies
// the portfolio guardrails to its output.
type LLMDecider struct {
	client     *ChatClient
	model      string
	maxTokens  int
	timeout    time.Duration
	tokenSaver bool
	log        zerolog.Logger
}

// NewLLMDecider wires the decider. A client without credentials makes
// Decide fail immediately, which callers handle via fallback.
func NewLLMDecider(client *ChatClient, model string, maxTokens int, timeout time.Duration, tokenSaver bool, log zerolog.Logger) *LLMDecider {
	if maxTokens <= 0 {
		maxTokens = 600
	}
	if tokenSaver && maxTokens > 220 {
		maxTokens = 220
	}
	return &LLMDecider{
		client:     client,
		model:      model,
		maxTokens:  maxTokens,
		timeout:    timeout,
		tokenSaver: tokenSaver,
		log:        log.With().Str("component", "llm_decider").Logger(),
	}
}

// Decide calls the LLM and parses its JSON proposal into a Record.
func (d *LLMDecider) Decide(ctx context.Context, dc *Context) (*Record, error) {
	if !d.client.Enabled() {
		return nil, fmt.Errorf("llm decider disabled: no api key")
	}

	system, input := BuildPrompts(dc, d.tokenSaver)
	content, err := d.client.Complete(ctx, d.model, system, input, d.maxTokens, d.timeout)
	if err != nil {
		outcome := "error"
		if apierr.Code(err, "") == "llm_timeout" {
			outcome = "timeout"
		}
		metrics.RecordLLMCall("decision", outcome)
		return nil, err
	}
	metrics.RecordLLMCall("decision", "ok")

	proposal, err := ParseProposal(content)
	if err != nil {
		return nil, err
	}
	if proposal.Symbol == "" {
		proposal.Symbol = dc.Symbol
	}
	proposal, execLog := EnforceLimits(dc, proposal)

	now := dc.Now
	rec := &Record{
		Timestamp:      now.UTC().Format(time.RFC3339),
		CycleNumber:    dc.CycleNumber,
		Symbol:         proposal.Symbol,
		Action:         proposal.Action,
		Quantity:       proposal.Quantity,
		Confidence:     clamp01(proposal.Confidence),
		Reasoning:      ClampReasoning(proposal.Reasoning),
		DecisionSource: SourceLLM,
		ExecutionLog:   execLog,
		LLMMeta: &LLMMeta{
			SystemPrompt: system,
			InputPrompt:  input,
			CoTTrace:     content,
			Model:        d.model,
		},
		Decisions: []Leg{{
			Symbol:     proposal.Symbol,
			Action:     proposal.Action,
			Quantity:   proposal.Quantity,
			Confidence: clamp01(proposal.Confidence),
		}},
		SavedTSMs: now.UnixMilli(),
	}
	return rec, nil
}

// ParseProposal extracts the structured decision from LLM output,
// tolerating fenced code blocks and surrounding prose.
func ParseProposal(content string) (Proposal, error) {
	text := strings.TrimSpace(content)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}
	var p Proposal
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Proposal{}, fmt.Errorf("llm decision parse: %w", err)
	}
	switch p.Action {
	case ActionBuy, ActionSell, ActionShort, ActionHold:
	default:
		return Proposal{}, fmt.Errorf("llm decision parse: unknown action %q", p.Action)
	}
	return p, nil
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
