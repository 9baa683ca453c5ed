// Package session buffers and serializes inbound chat fragments per
// conversation. It owns the debounce coalescer and the per-session registry
// that enforces at-most-one in-flight backend call per session.
package session

import "strings"

// Key identifies one conversation/actor pair. It scopes buffering, dedup and
// in-flight enforcement. Immutable once derived.
type Key string

func (k Key) String() string { return string(k) }

// NewKey derives a session key from conversation and sender identifiers.
// Direct chats share one key per conversation; group chats append the sender
// id so concurrent speakers are never merged into one batch.
func NewKey(conversationID, conversationType, senderID string) Key {
	parts := []string{strings.TrimSpace(conversationID)}
	ct := strings.ToLower(strings.TrimSpace(conversationType))
	if ct != "" && ct != "p2p" && ct != "private" {
		if sender := strings.TrimSpace(senderID); sender != "" {
			parts = append(parts, sender)
		}
	}
	return Key(strings.Join(parts, ":"))
}
