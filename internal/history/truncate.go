package history

import (
	"unicode/utf8"

	"github.com/chatrelay/chatrelay/internal/backend"
)

// EstimateTokens approximates the token cost of text. ASCII averages about
// four characters per token; wider runes (CJK in practice) count as one each.
func EstimateTokens(text string) int {
	ascii, wide := 0, 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			wide++
		}
	}
	return ascii/4 + wide
}

// TruncateMessages drops the oldest turns until the estimated total fits
// budget. A leading system message always survives; the most recent turn
// survives even when it alone exceeds the budget.
func TruncateMessages(msgs []backend.Message, budget int) []backend.Message {
	if len(msgs) == 0 {
		return msgs
	}

	var system *backend.Message
	rest := msgs
	if msgs[0].Role == "system" {
		system = &msgs[0]
		rest = msgs[1:]
		budget -= EstimateTokens(system.Content)
	}
	if len(rest) == 0 {
		return msgs
	}

	total := 0
	cut := len(rest) - 1 // newest turn always kept
	total += EstimateTokens(rest[cut].Content)
	for i := cut - 1; i >= 0; i-- {
		cost := EstimateTokens(rest[i].Content)
		if total+cost > budget {
			break
		}
		total += cost
		cut = i
	}

	kept := rest[cut:]
	if system == nil {
		return kept
	}
	out := make([]backend.Message, 0, len(kept)+1)
	out = append(out, *system)
	out = append(out, kept...)
	return out
}
