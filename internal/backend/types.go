// Package backend normalizes three streaming wire protocols (SDK chunk
// iteration, SSE over HTTP, and a challenge-response WebSocket RPC) into one
// internal event stream.
package backend

import "context"

// EventType identifies the kind of a stream event.
type EventType string

const (
	EventThinkingDelta EventType = "thinking_delta"
	EventContentDelta  EventType = "content_delta"
	EventUsage         EventType = "usage"
	EventError         EventType = "error"
)

// Usage carries per-run accounting emitted once near the end of a stream.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
}

// StreamEvent is the normalized unit produced by every adapter. Exactly one
// payload field is meaningful for a given Type.
type StreamEvent struct {
	Type  EventType
	Text  string
	Usage *Usage
	Err   string
}

// ThinkingDelta builds an incremental reasoning-text event.
func ThinkingDelta(text string) StreamEvent {
	return StreamEvent{Type: EventThinkingDelta, Text: text}
}

// ContentDelta builds an incremental answer-text event.
func ContentDelta(text string) StreamEvent {
	return StreamEvent{Type: EventContentDelta, Text: text}
}

// UsageEvent builds an accounting event.
func UsageEvent(u Usage) StreamEvent {
	return StreamEvent{Type: EventUsage, Usage: &u}
}

// ErrorEvent builds a terminal failure event. Adapters emit it instead of
// raising past the stream boundary so partial content can still be flushed.
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Err: msg}
}

// Message is one turn of the conversation sent to a backend.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request describes one backend invocation.
type Request struct {
	SessionKey string
	Messages   []Message
	Model      string
	SenderID   string
	SenderNick string
}

// Adapter streams one completion exchange. The returned channel is finite and
// not restartable: it is closed when the run terminates. A non-nil error
// means the stream could not be established (dial, handshake, HTTP status)
// and the call may be retried by policy; once the channel is returned, every
// failure mode arrives as a terminal Error event instead.
type Adapter interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// TokenProvider supplies the bearer credential used by an adapter. The token
// vault satisfies this; StaticToken adapts a fixed string.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed credential.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }
