package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/internal/resilience"
	"github.com/MrWong99/voicectl/pkg/provider/llm"
	"github.com/MrWong99/voicectl/pkg/provider/llm/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestReply_AppendsTurns(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Milk and eggs."}}
	a := New(p,
		WithMetrics(testMetrics(t)),
		WithSystemPrompt("be brief"),
		WithMaxTokens(64),
		WithTemperature(0.2),
	)
	var conv Conversation
	conv.Append(llm.RoleUser, "hello")
	conv.Append(llm.RoleAssistant, "hi")

	got, err := a.Reply(context.Background(), &conv, "  what is on my list ")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "Milk and eggs." {
		t.Errorf("reply = %q", got)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != "be brief" || req.MaxTokens != 64 || req.Temperature != 0.2 {
		t.Errorf("request settings = %+v", req)
	}
	if len(req.Messages) != 3 || req.Messages[2].Content != "what is on my list" {
		t.Errorf("request messages = %+v, want history plus trimmed user turn", req.Messages)
	}

	msgs := conv.Messages()
	if len(msgs) != 4 {
		t.Fatalf("history has %d turns, want 4", len(msgs))
	}
	if msgs[3].Role != llm.RoleAssistant || msgs[3].Content != "Milk and eggs." {
		t.Errorf("last turn = %+v", msgs[3])
	}
}

func TestReply_Errors(t *testing.T) {
	t.Parallel()

	errBackend := errors.New("backend down")
	tests := []struct {
		name    string
		text    string
		p       *mock.Provider
		wantErr error
		turns   int
	}{
		{"blank input", "   ", &mock.Provider{}, ErrEmptyMessage, 0},
		{"provider error", "hi", &mock.Provider{CompleteErr: errBackend}, errBackend, 1},
		{"nil response", "hi", &mock.Provider{}, ErrEmptyReply, 1},
		{"blank response", "hi", &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " "}}, ErrEmptyReply, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := New(tc.p, WithMetrics(testMetrics(t)))
			var conv Conversation
			_, err := a.Reply(context.Background(), &conv, tc.text)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if conv.Len() != tc.turns {
				t.Errorf("history has %d turns, want %d", conv.Len(), tc.turns)
			}
		})
	}
}

func TestReply_BreakerOpens(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("boom")}
	b := resilience.New(resilience.Config{Name: "test", MaxFailures: 2, Cooldown: time.Hour})
	a := New(p, WithMetrics(testMetrics(t)), WithBreaker(b))
	var conv Conversation

	for range 2 {
		_, _ = a.Reply(context.Background(), &conv, "hi")
	}
	_, err := a.Reply(context.Background(), &conv, "hi")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func TestReply_Timeout(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Block: make(chan struct{})}
	a := New(p, WithMetrics(testMetrics(t)), WithTimeout(20*time.Millisecond))
	var conv Conversation

	_, err := a.Reply(context.Background(), &conv, "hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestConversation_Clear(t *testing.T) {
	t.Parallel()

	var conv Conversation
	conv.Append(llm.RoleUser, "a")
	msgs := conv.Messages()
	msgs[0].Content = "mutated"
	if conv.Messages()[0].Content != "a" {
		t.Error("Messages returned shared storage")
	}
	conv.Clear()
	if conv.Len() != 0 {
		t.Errorf("Len after Clear = %d", conv.Len())
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: ` "Shopping list" `}}
	a := New(p, WithMetrics(testMetrics(t)), WithSystemPrompt("be brief"))

	name, desc, err := a.Describe(context.Background(), "buy 5 apples")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if name != "Shopping list" || desc != "Shopping list" {
		t.Errorf("Describe = %q, %q", name, desc)
	}

	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want name and description", len(calls))
	}
	for i, c := range calls {
		if c.Req.SystemPrompt == "be brief" {
			t.Errorf("call %d used the conversation prompt", i)
		}
		if len(c.Req.Messages) != 1 || !strings.Contains(c.Req.Messages[0].Content, "buy 5 apples") {
			t.Errorf("call %d messages = %+v", i, c.Req.Messages)
		}
	}
	if calls[0].Req.SystemPrompt == calls[1].Req.SystemPrompt {
		t.Error("name and description share a prompt")
	}
}

func TestDescribe_Errors(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("offline")}
	a := New(p, WithMetrics(testMetrics(t)))

	if _, _, err := a.Describe(context.Background(), "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank text err = %v, want ErrEmptyMessage", err)
	}
	if len(p.Calls()) != 0 {
		t.Error("blank text reached the provider")
	}
	if _, _, err := a.Describe(context.Background(), "buy milk"); err == nil {
		t.Error("provider failure not reported")
	}
	if len(p.Calls()) != 1 {
		t.Errorf("got %d calls, want to stop after the failed name", len(p.Calls()))
	}
}
