package presenter

import "strings"

// Renderer produces the visible body from the accumulated thinking and
// answer text. done is true for the final render.
type Renderer func(thinking, answer string, done bool) string

// DefaultRender shows the reasoning trace as a quoted block while the answer
// has not started, then switches to the answer alone. The finished render
// never includes the trace.
func DefaultRender(thinking, answer string, done bool) string {
	if done || answer != "" {
		return answer
	}
	if thinking == "" {
		return ""
	}
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(thinking, "\n"), "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
