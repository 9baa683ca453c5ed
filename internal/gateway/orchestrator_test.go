package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/internal/backend"
	"github.com/chatrelay/chatrelay/internal/dedupe"
	"github.com/chatrelay/chatrelay/internal/presenter"
	"github.com/chatrelay/chatrelay/internal/resilience"
)

type fakeSurface struct {
	mu      sync.Mutex
	created []string
	pushes  []string
	finals  []string
}

func (f *fakeSurface) CreateStreamTarget(ctx context.Context, conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, conversationID)
	return "target-1", nil
}

func (f *fakeSurface) PushUpdate(ctx context.Context, targetID string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := fields["content"]; ok {
		f.pushes = append(f.pushes, v)
	}
	return nil
}

func (f *fakeSurface) CommitFinal(ctx context.Context, targetID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals = append(f.finals, content)
	return nil
}

func (f *fakeSurface) lastFinal() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.finals) == 0 {
		return "", false
	}
	return f.finals[len(f.finals)-1], true
}

type fakeAdapter struct {
	mu       sync.Mutex
	calls    int
	requests []backend.Request
	script   func(call int, req backend.Request) ([]backend.StreamEvent, error)
}

func (f *fakeAdapter) Stream(ctx context.Context, req backend.Request) (<-chan backend.StreamEvent, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	events, err := f.script(call, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan backend.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func answer(texts ...string) []backend.StreamEvent {
	var evs []backend.StreamEvent
	for _, t := range texts {
		evs = append(evs, backend.ContentDelta(t))
	}
	evs = append(evs, backend.UsageEvent(backend.Usage{Model: "m", InputTokens: 1, OutputTokens: 2}))
	return evs
}

func newTestOrchestrator(t *testing.T, adapter backend.Adapter, surface *fakeSurface, quietMs int) *Orchestrator {
	t.Helper()
	return New(nil, Options{
		Dedup:        dedupe.New(time.Minute, 100),
		QuietPeriod:  quietMs,
		Adapter:      adapter,
		Policy:       resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Surface:      surface,
		Presenter:    presenter.New(nil, surface, time.Nanosecond),
		SystemPrompt: "be helpful",
		Model:        "m",
	})
}

func waitFinal(t *testing.T, surface *fakeSurface) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if final, ok := surface.lastFinal(); ok {
			return final
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no final commit observed")
	return ""
}

func TestOrchestrator_CoalescesBurstIntoOneExchange(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{script: func(call int, req backend.Request) ([]backend.StreamEvent, error) {
		return answer("reply"), nil
	}}
	surface := &fakeSurface{}
	o := newTestOrchestrator(t, adapter, surface, 30)

	for _, text := range []string{"first", "second", "third"} {
		if err := o.HandleInbound(Inbound{
			MessageID:      "m-" + text,
			ConversationID: "conv-1",
			SenderID:       "u1",
			Text:           text,
		}); err != nil {
			t.Fatalf("HandleInbound: %v", err)
		}
	}

	final := waitFinal(t, surface)
	if final != "reply" {
		t.Fatalf("final = %q", final)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.calls != 1 {
		t.Fatalf("burst should coalesce into one call, got %d", adapter.calls)
	}
	// Last message is the joined user turn.
	msgs := adapter.requests[0].Messages
	user := msgs[len(msgs)-1]
	if user.Content != "first\nsecond\nthird" {
		t.Fatalf("user turn = %q", user.Content)
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Fatalf("system turn = %+v", msgs[0])
	}
}

func TestOrchestrator_DropsRedeliveredMessage(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{script: func(call int, req backend.Request) ([]backend.StreamEvent, error) {
		return answer("reply"), nil
	}}
	surface := &fakeSurface{}
	o := newTestOrchestrator(t, adapter, surface, 20)

	msg := Inbound{MessageID: "dup-1", ConversationID: "conv-1", SenderID: "u1", Text: "hello"}
	o.HandleInbound(msg)
	o.HandleInbound(msg)

	waitFinal(t, surface)
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.calls != 1 {
		t.Fatalf("redelivery must not cause a second call, got %d", adapter.calls)
	}
	msgs := adapter.requests[0].Messages
	if got := msgs[len(msgs)-1].Content; got != "hello" {
		t.Fatalf("user turn = %q, duplicate text leaked in", got)
	}
}

func TestOrchestrator_RetriesSetupFailure(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{script: func(call int, req backend.Request) ([]backend.StreamEvent, error) {
		if call == 1 {
			return nil, errors.New("completions status 503 Service Unavailable")
		}
		return answer("recovered"), nil
	}}
	surface := &fakeSurface{}
	o := newTestOrchestrator(t, adapter, surface, 10)

	o.HandleInbound(Inbound{MessageID: "m1", ConversationID: "conv-1", SenderID: "u1", Text: "q"})

	final := waitFinal(t, surface)
	if final != "recovered" {
		t.Fatalf("final = %q", final)
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.calls != 2 {
		t.Fatalf("calls = %d, want 2", adapter.calls)
	}
}

func TestOrchestrator_PermanentFailureShownToUser(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{script: func(call int, req backend.Request) ([]backend.StreamEvent, error) {
		return nil, errors.New("invalid request shape")
	}}
	surface := &fakeSurface{}
	o := newTestOrchestrator(t, adapter, surface, 10)

	o.HandleInbound(Inbound{MessageID: "m1", ConversationID: "conv-1", SenderID: "u1", Text: "q"})

	final := waitFinal(t, surface)
	if !strings.HasPrefix(final, errorReplyPrefix) {
		t.Fatalf("final should carry the failure wording, got %q", final)
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.calls != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", adapter.calls)
	}
}

func TestOrchestrator_EmptyResultRetriedThenReported(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{script: func(call int, req backend.Request) ([]backend.StreamEvent, error) {
		return []backend.StreamEvent{backend.UsageEvent(backend.Usage{})}, nil
	}}
	surface := &fakeSurface{}
	o := newTestOrchestrator(t, adapter, surface, 10)

	o.HandleInbound(Inbound{MessageID: "m1", ConversationID: "conv-1", SenderID: "u1", Text: "q"})

	final := waitFinal(t, surface)
	if !strings.Contains(final, "empty answer") {
		t.Fatalf("final = %q", final)
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.calls != 3 {
		t.Fatalf("empty results should walk the full ladder, got %d calls", adapter.calls)
	}
}

func TestOrchestrator_MidStreamErrorKeepsPartialAnswer(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{script: func(call int, req backend.Request) ([]backend.StreamEvent, error) {
		return []backend.StreamEvent{
			backend.ContentDelta("partial answer"),
			backend.ErrorEvent("stream cut"),
		}, nil
	}}
	surface := &fakeSurface{}
	o := newTestOrchestrator(t, adapter, surface, 10)

	o.HandleInbound(Inbound{MessageID: "m1", ConversationID: "conv-1", SenderID: "u1", Text: "q"})

	final := waitFinal(t, surface)
	if !strings.Contains(final, "partial answer") || !strings.Contains(final, "stream cut") {
		t.Fatalf("final = %q", final)
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.calls != 1 {
		t.Fatalf("mid-stream faults are terminal, got %d calls", adapter.calls)
	}
}

func TestOrchestrator_HistoryCarriedAcrossExchanges(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{script: func(call int, req backend.Request) ([]backend.StreamEvent, error) {
		return answer("answer-", string(rune('0'+call))), nil
	}}
	surface := &fakeSurface{}
	o := newTestOrchestrator(t, adapter, surface, 10)

	o.HandleInbound(Inbound{MessageID: "m1", ConversationID: "conv-1", SenderID: "u1", Text: "first question"})
	waitFinal(t, surface)

	o.HandleInbound(Inbound{MessageID: "m2", ConversationID: "conv-1", SenderID: "u1", Text: "second question"})
	deadline := time.Now().Add(3 * time.Second)
	for {
		surface.mu.Lock()
		n := len(surface.finals)
		surface.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second exchange never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	second := adapter.requests[1].Messages
	var sawFirstQ, sawFirstA bool
	for _, m := range second {
		if m.Role == "user" && m.Content == "first question" {
			sawFirstQ = true
		}
		if m.Role == "assistant" && strings.HasPrefix(m.Content, "answer-") {
			sawFirstA = true
		}
	}
	if !sawFirstQ || !sawFirstA {
		t.Fatalf("second request missing history: %+v", second)
	}
}

func TestOrchestrator_ShutdownFlushesPending(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{script: func(call int, req backend.Request) ([]backend.StreamEvent, error) {
		return answer("flushed"), nil
	}}
	surface := &fakeSurface{}
	o := newTestOrchestrator(t, adapter, surface, 60_000) // quiet period far in the future

	o.HandleInbound(Inbound{MessageID: "m1", ConversationID: "conv-1", SenderID: "u1", Text: "pending"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if final, ok := surface.lastFinal(); !ok || final != "flushed" {
		t.Fatalf("pending batch not flushed on shutdown, final=%q ok=%v", final, ok)
	}
}
