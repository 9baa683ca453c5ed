package lark

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildCard_ContentOnly(t *testing.T) {
	t.Parallel()

	raw := buildCard("hello **world**", "")
	var card struct {
		Elements []map[string]any `json:"elements"`
	}
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		t.Fatalf("card is not valid json: %v", err)
	}
	if len(card.Elements) != 1 {
		t.Fatalf("elements = %d, want markdown only", len(card.Elements))
	}
	if card.Elements[0]["tag"] != "markdown" {
		t.Fatalf("element tag = %v", card.Elements[0]["tag"])
	}
}

func TestBuildCard_StatusAddsNote(t *testing.T) {
	t.Parallel()

	raw := buildCard("body", "Thinking...")
	var card struct {
		Elements []map[string]any `json:"elements"`
	}
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		t.Fatalf("card is not valid json: %v", err)
	}
	if len(card.Elements) != 2 {
		t.Fatalf("elements = %d, want markdown and note", len(card.Elements))
	}
	if card.Elements[1]["tag"] != "note" {
		t.Fatalf("second element tag = %v", card.Elements[1]["tag"])
	}
}

func TestNormalizeMarkdown_DeepHeadingsBecomeBold(t *testing.T) {
	t.Parallel()

	got := normalizeMarkdown("# top\n## second\n### third\n#### fourth")
	lines := strings.Split(got, "\n")
	if lines[0] != "# top" || lines[1] != "## second" {
		t.Fatalf("shallow headings must pass through: %q", got)
	}
	if lines[2] != "**third**" || lines[3] != "**fourth**" {
		t.Fatalf("deep headings should render bold: %q", got)
	}
}

func TestNormalizeMarkdown_TailTruncation(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("line of filler text\n", 3000) + "THE END"
	got := normalizeMarkdown(text)
	if len(got) > maxCardBody+len(truncationMarker)+1 {
		t.Fatalf("body not bounded: %d bytes", len(got))
	}
	if !strings.HasPrefix(got, truncationMarker) {
		t.Fatal("truncated body must carry the marker up front")
	}
	if !strings.HasSuffix(got, "THE END") {
		t.Fatal("newest text must survive truncation")
	}
}

func TestNormalizeMarkdown_ShortBodyUntouched(t *testing.T) {
	t.Parallel()

	if got := normalizeMarkdown("short"); got != "short" {
		t.Fatalf("short body changed: %q", got)
	}
}
