package backend

import (
	"testing"

	"google.golang.org/genai"
)

func TestResponseEvents_SplitsThoughtAndContent(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Parts: []*genai.Part{
					{Text: "weighing options", Thought: true},
					{Text: "The answer is 4."},
					{Text: ""},
				},
			},
		}},
	}

	got := responseEvents(resp)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Type != EventThinkingDelta || got[0].Text != "weighing options" {
		t.Fatalf("event 0 = %+v", got[0])
	}
	if got[1].Type != EventContentDelta || got[1].Text != "The answer is 4." {
		t.Fatalf("event 1 = %+v", got[1])
	}
}

func TestResponseEvents_EmptyChunk(t *testing.T) {
	t.Parallel()

	if got := responseEvents(nil); got != nil {
		t.Fatalf("nil response should yield no events, got %+v", got)
	}
	if got := responseEvents(&genai.GenerateContentResponse{}); got != nil {
		t.Fatalf("candidate-less response should yield no events, got %+v", got)
	}
}
