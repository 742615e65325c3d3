package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mapagov/helena/internal/genai"
)

type fakeCompleter struct {
	reply  string
	err    error
	prompt string
	wait   time.Duration
}

func (f *fakeCompleter) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.prompt = userPrompt
	if f.wait > 0 {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", genai.ErrUpstream, ctx.Err())
		case <-time.After(f.wait):
		}
	}
	return f.reply, f.err
}

func TestAssistantWithoutLLMShowsMenu(t *testing.T) {
	p := NewAssistantProduct(nil, 0)
	st := p.InitializeState("s1", nil)

	res, _, err := p.Process(context.Background(), "o que você faz?", st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Response, "mapear processo") || res.NextState != StateAssistantChat {
		t.Errorf("expected static menu, got %+v", res)
	}
}

func TestAssistantAnswersWithLLM(t *testing.T) {
	llm := &fakeCompleter{reply: "Para começar, digite \"mapear processo\"."}
	p := NewAssistantProduct(llm, time.Second)

	res, _, err := p.Process(context.Background(), "Como documento meu trabalho?", p.InitializeState("s1", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Response != llm.reply {
		t.Errorf("expected LLM reply, got %q", res.Response)
	}
	if res.Suggested != ProductPOP {
		t.Errorf("expected pop suggestion, got %q", res.Suggested)
	}
	if llm.prompt != "Como documento meu trabalho?" {
		t.Errorf("unexpected user prompt %q", llm.prompt)
	}
}

func TestAssistantUpstreamFailure(t *testing.T) {
	llm := &fakeCompleter{err: fmt.Errorf("%w: boom", genai.ErrUpstream)}
	p := NewAssistantProduct(llm, time.Second)
	st := p.InitializeState("s1", nil)

	_, next, err := p.Process(context.Background(), "olá", st)
	if !errors.Is(err, genai.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		t.Errorf("upstream failure must not be a configuration error")
	}
	if next.CurrentState != st.CurrentState {
		t.Errorf("state must not change on failure")
	}
}

func TestAssistantTimeout(t *testing.T) {
	llm := &fakeCompleter{reply: "tarde demais", wait: time.Second}
	p := NewAssistantProduct(llm, 10*time.Millisecond)

	_, _, err := p.Process(context.Background(), "olá", p.InitializeState("s1", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAssistantDetectIntent(t *testing.T) {
	p := NewAssistantProduct(nil, 0)
	cases := map[string]string{
		"Quero mapear processo":           ProductPOP,
		"Preciso de uma análise de risco": ProductRisk,
		"vamos às ETAPAS":                 ProductSteps,
	}
	for msg, want := range cases {
		got, ok := p.DetectIntent(msg)
		if !ok || got != want {
			t.Errorf("%q: expected %s, got %s %v", msg, want, got, ok)
		}
	}
	for _, msg := range []string{"bom dia", "não quero etapas", "sem análise de risco hoje"} {
		if got, ok := p.DetectIntent(msg); ok {
			t.Errorf("%q must not switch product, got %s", msg, got)
		}
	}
}
