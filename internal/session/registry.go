package session

import (
	"sync"
	"time"
)

// Attachment is a binary payload that arrived with a fragment.
type Attachment struct {
	Kind string // "image", "audio", "file"
	Name string
	Data []byte
}

// Metadata is the actor/context snapshot carried by each fragment. The
// coalescer keeps the most recent one (last write wins).
type Metadata struct {
	Platform         string
	ConversationID   string
	ConversationType string
	SenderID         string
	SenderNick       string
}

// Batch is the buffered content for one session, owned by the coalescer until
// it is moved out at flush time. Texts keep arrival order and are joined with
// newlines; attachments are unordered.
type Batch struct {
	Texts       []string
	Attachments []Attachment
	Meta        Metadata
}

// JoinedText returns the batch text fragments joined in arrival order.
func (b *Batch) JoinedText() string {
	return joinLines(b.Texts)
}

func joinLines(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	total := 0
	for _, p := range parts {
		total += len(p) + 1
	}
	out := make([]byte, 0, total)
	for i, p := range parts {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, p...)
	}
	return string(out)
}

// state is the per-session slot held in the registry. Its mutex is the
// session's mutual-exclusion guard: every transition of batch, timer and the
// in-flight marker happens under it, so the coalescer behaves the same under
// cooperative scheduling and thread-per-request callers.
type state struct {
	mu       sync.Mutex
	batch    *Batch
	timer    *time.Timer
	timerGen uint64 // invalidates stale debounce timers
	inFlight bool
}

// Registry owns the per-session state map and its locking. It is constructed
// once at process start and shared by reference; there is no ambient global
// map.
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*state
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Key]*state)}
}

// get returns the state for key, creating it atomically if absent.
func (r *Registry) get(key Key) *state {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[key]
	if !ok {
		st = &state{}
		r.sessions[key] = st
	}
	return st
}

// Len reports the number of sessions ever seen and still tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
