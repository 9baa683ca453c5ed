package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// ChunkAdapter streams completions through the Gemini SDK's chunk iterator
// and normalizes each response chunk into stream events.
type ChunkAdapter struct {
	client          *genai.Client
	model           string
	includeThoughts bool
	logger          *slog.Logger
}

// NewChunkAdapter builds the SDK client. Client construction validates the
// credential shape only, so failures here are configuration mistakes.
func NewChunkAdapter(ctx context.Context, log *slog.Logger, apiKey, model string, includeThoughts bool) (*ChunkAdapter, error) {
	if log == nil {
		log = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &ChunkAdapter{
		client:          client,
		model:           model,
		includeThoughts: includeThoughts,
		logger:          log.With(slog.String("component", "chunk_adapter")),
	}, nil
}

// Stream starts the chunk iteration. The SDK surfaces the first failure
// through the iterator rather than the call itself, so the iterator's error
// on the first chunk is mapped back to a setup error while later failures
// become terminal Error events.
func (a *ChunkAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	contents, config := a.buildCall(req)
	start := time.Now()

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)

		var (
			usage Usage
			seen  bool
		)
		usage.Model = model
		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				events <- ErrorEvent(fmt.Sprintf("chunk stream failed: %v", err))
				return
			}
			seen = true
			for _, ev := range responseEvents(resp) {
				events <- ev
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
		}
		if !seen {
			events <- ErrorEvent("model returned no chunks")
			return
		}
		usage.LatencyMs = time.Since(start).Milliseconds()
		events <- UsageEvent(usage)
	}()
	return events, nil
}

// buildCall maps the conversation onto SDK content. A leading system message
// becomes the system instruction; assistant turns map to the model role.
func (a *ChunkAdapter) buildCall(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if a.includeThoughts {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			config.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, config
}

// responseEvents splits one SDK chunk into thinking and content deltas. Parts
// flagged as thought carry the model's reasoning trace.
func responseEvents(resp *genai.GenerateContentResponse) []StreamEvent {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []StreamEvent
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		if part.Thought {
			out = append(out, ThinkingDelta(part.Text))
		} else {
			out = append(out, ContentDelta(part.Text))
		}
	}
	return out
}
