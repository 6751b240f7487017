// Package assistant answers dictated messages with an LLM.
//
// An [Assistant] is shared by all sessions; it holds the provider, a circuit
// breaker and the prompt settings. Each session keeps its own [Conversation].
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/internal/resilience"
	"github.com/MrWong99/voicectl/pkg/provider/llm"
)

// DefaultTimeout bounds a single completion request.
const DefaultTimeout = 20 * time.Second

var (
	// ErrEmptyMessage is returned by [Assistant.Reply] for blank input.
	ErrEmptyMessage = errors.New("assistant: empty message")

	// ErrEmptyReply is returned when the provider answered with no text.
	ErrEmptyReply = errors.New("assistant: empty reply")
)

// Conversation is the message history of one session. It is safe for
// concurrent use.
type Conversation struct {
	mu       sync.Mutex
	messages []llm.Message
}

// Append adds a turn.
func (c *Conversation) Append(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, llm.Message{Role: role, Content: content})
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Clear drops the history.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// Assistant sends conversations to an LLM provider.
type Assistant struct {
	provider llm.Provider
	name     string
	breaker  *resilience.Breaker
	metrics  *observe.Metrics

	systemPrompt string
	maxTokens    int
	temperature  float64
	timeout      time.Duration
}

// Option configures an [Assistant].
type Option func(*Assistant)

// WithProviderName labels metrics and the breaker. Default: "llm".
func WithProviderName(name string) Option {
	return func(a *Assistant) { a.name = name }
}

// WithSystemPrompt sets the instruction sent ahead of every conversation.
func WithSystemPrompt(prompt string) Option {
	return func(a *Assistant) { a.systemPrompt = prompt }
}

// WithMaxTokens caps reply length.
func WithMaxTokens(n int) Option {
	return func(a *Assistant) { a.maxTokens = n }
}

// WithTemperature sets sampling temperature.
func WithTemperature(t float64) Option {
	return func(a *Assistant) { a.temperature = t }
}

// WithTimeout bounds each request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Assistant) { a.timeout = d }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(a *Assistant) { a.breaker = b }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assistant) { a.metrics = m }
}

// New returns an assistant backed by p.
func New(p llm.Provider, opts ...Option) *Assistant {
	a := &Assistant{
		provider: p,
		name:     "llm",
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.breaker == nil {
		a.breaker = resilience.New(resilience.Config{Name: a.name})
	}
	return a
}

// Reply appends text as a user turn, asks the provider for an answer and
// appends that as an assistant turn. On failure the user turn stays in the
// history so a retry sees it.
func (a *Assistant) Reply(ctx context.Context, conv *Conversation, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	conv.Append(llm.RoleUser, text)

	resp, err := a.complete(ctx, "assistant.reply", llm.CompletionRequest{
		Messages:     conv.Messages(),
		SystemPrompt: a.systemPrompt,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("assistant: reply: %w", err)
	}
	conv.Append(llm.RoleAssistant, resp.Content)
	return resp.Content, nil
}

const (
	namePrompt = "Come up with a brief descriptive name of at most a few words for the note the user " +
		"just took. Respond with the name only."
	descriptionPrompt = "Summarise the note the user just took in at most five sentences. " +
		"Respond with the summary only and do not mention that it is a note."
)

// Describe names and summarises a dictated note. It does not touch any
// conversation.
func (a *Assistant) Describe(ctx context.Context, text string) (name, description string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", ErrEmptyMessage
	}
	ask := func(prompt string) (string, error) {
		resp, err := a.complete(ctx, "assistant.describe", llm.CompletionRequest{
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: "```txt\n" + text + "\n```"}},
			SystemPrompt: prompt,
			Temperature:  a.temperature,
			MaxTokens:    a.maxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("assistant: describe: %w", err)
		}
		return strings.Trim(strings.TrimSpace(resp.Content), `"'`), nil
	}
	if name, err = ask(namePrompt); err != nil {
		return "", "", err
	}
	if description, err = ask(descriptionPrompt); err != nil {
		return "", "", err
	}
	return name, description, nil
}

// complete sends req through the breaker under the request timeout and
// records metrics and a span named op.
func (a *Assistant) complete(ctx context.Context, op string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, span := observe.StartSpan(ctx, op)
	defer span.End()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var resp *llm.CompletionResponse
	start := time.Now()
	err := a.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = a.provider.Complete(ctx, req)
		return err
	})
	a.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", a.name)))

	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = ErrEmptyReply
	}
	if err != nil {
		a.metrics.RecordProviderRequest(ctx, a.name, "llm", "error")
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			a.metrics.RecordProviderError(ctx, a.name, "llm")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("assistant: completion failed", "provider", a.name, "op", op, "err", err)
		return nil, err
	}

	a.metrics.RecordProviderRequest(ctx, a.name, "llm", "ok")
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp, nil
}
