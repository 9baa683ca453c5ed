// Package lark renders relay answers as interactive cards in Feishu/Lark
// conversations, patched in place as the stream grows.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	larksdk "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/chatrelay/chatrelay/internal/platform"
)

// maxCardBody bounds the rendered markdown. Cards past the platform limit
// are rejected wholesale, so the body is tail-truncated with a marker.
const maxCardBody = 28 * 1024

const truncationMarker = "\n\n... (earlier content trimmed)"

// CardSurface implements platform.Surface on Lark interactive cards. One
// card is created per exchange and patched in place on every update.
type CardSurface struct {
	client *larksdk.Client
	logger *slog.Logger

	mu    sync.Mutex
	cards map[string]*cardState
}

type cardState struct {
	content     string
	status      string
	lastPatched string
}

// NewCardSurface wraps an authenticated SDK client.
func NewCardSurface(log *slog.Logger, client *larksdk.Client) *CardSurface {
	if log == nil {
		log = slog.Default()
	}
	return &CardSurface{
		client: client,
		logger: log.With(slog.String("component", "lark_surface")),
		cards:  make(map[string]*cardState),
	}
}

// CreateStreamTarget posts an empty card into the conversation and returns
// its message id.
func (s *CardSurface) CreateStreamTarget(ctx context.Context, conversationID string) (string, error) {
	body := buildCard("", "")
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(conversationID).
			MsgType("interactive").
			Content(body).
			Build()).
		Build()

	resp, err := s.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create card: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("create card: code %d: %s", resp.Code, resp.Msg)
	}
	id := *resp.Data.MessageId

	s.mu.Lock()
	s.cards[id] = &cardState{}
	s.mu.Unlock()
	return id, nil
}

// PushUpdate merges the named fields into the card state and patches the
// message. Identical consecutive renders are skipped to save patch quota.
func (s *CardSurface) PushUpdate(ctx context.Context, targetID string, fields map[string]string) error {
	s.mu.Lock()
	state, ok := s.cards[targetID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown stream target %s", targetID)
	}
	if v, ok := fields[platform.FieldContent]; ok {
		state.content = v
	}
	if v, ok := fields[platform.FieldStatus]; ok {
		state.status = v
	}
	body := buildCard(state.content, state.status)
	if body == state.lastPatched {
		s.mu.Unlock()
		return nil
	}
	state.lastPatched = body
	s.mu.Unlock()

	return s.patch(ctx, targetID, body)
}

// CommitFinal writes the finished body without a status line and forgets the
// target.
func (s *CardSurface) CommitFinal(ctx context.Context, targetID, content string) error {
	s.mu.Lock()
	delete(s.cards, targetID)
	s.mu.Unlock()
	return s.patch(ctx, targetID, buildCard(content, ""))
}

func (s *CardSurface) patch(ctx context.Context, messageID, body string) error {
	req := larkim.NewPatchMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewPatchMessageReqBodyBuilder().
			Content(body).
			Build()).
		Build()

	resp, err := s.client.Im.V1.Message.Patch(ctx, req)
	if err != nil {
		return fmt.Errorf("patch card: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("patch card: code %d: %s", resp.Code, resp.Msg)
	}
	return nil
}

// buildCard renders the card JSON. content is markdown; a non-empty status
// adds a note element under the body.
func buildCard(content, status string) string {
	elements := []map[string]any{
		{
			"tag":     "markdown",
			"content": normalizeMarkdown(content),
		},
	}
	if status != "" {
		elements = append(elements, map[string]any{
			"tag": "note",
			"elements": []map[string]any{
				{"tag": "plain_text", "content": status},
			},
		})
	}
	card := map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": elements,
	}
	raw, _ := json.Marshal(card)
	return string(raw)
}

// normalizeMarkdown adapts model output to the card markdown dialect. Deep
// headings render as bold lines since cards only support two levels, and
// oversized bodies are trimmed from the front so the newest text survives.
func normalizeMarkdown(text string) string {
	if len(text) > maxCardBody {
		cut := len(text) - maxCardBody + len(truncationMarker)
		if idx := strings.IndexByte(text[cut:], '\n'); idx >= 0 {
			cut += idx + 1
		}
		text = truncationMarker + "\n" + text[cut:]
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, "#")
		hashes := len(line) - len(trimmed)
		if hashes >= 3 && strings.HasPrefix(trimmed, " ") {
			lines[i] = "**" + strings.TrimSpace(trimmed) + "**"
		}
	}
	return strings.Join(lines, "\n")
}
