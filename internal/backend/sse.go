package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	sseDataPrefix   = "data: "
	sseDoneSentinel = "[DONE]"
)

// SSEAdapter streams chat completions from an OpenAI-compatible endpoint
// using Server-Sent Events over HTTP.
type SSEAdapter struct {
	client *http.Client
	url    string
	tokens TokenProvider
	agent  string
	logger *slog.Logger
}

// NewSSEAdapter creates an adapter for the given completions URL. The agent
// name, when set, is forwarded so the far end can route to a specific agent.
func NewSSEAdapter(log *slog.Logger, url string, tokens TokenProvider, agent string, timeout time.Duration) *SSEAdapter {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &SSEAdapter{
		client: &http.Client{Timeout: timeout},
		url:    url,
		tokens: tokens,
		agent:  agent,
		logger: log.With(slog.String("component", "sse_adapter")),
	}
}

type sseRequestBody struct {
	Agent    string    `json:"agent,omitempty"`
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// sseChunk mirrors the wire JSON carried on each data line.
type sseChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Thinking         string `json:"thinking"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream issues the completions request and relays data frames as events.
// Setup failures (token fetch, connect, non-200 status) return an error so
// the retry policy can act; mid-stream faults become a terminal Error event.
func (a *SSEAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch bearer token: %w", err)
	}

	body, err := json.Marshal(sseRequestBody{
		Agent:    a.agent,
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post completions: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("completions status %d %s: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(detail)))
	}

	events := make(chan StreamEvent, 16)
	go a.readLoop(resp.Body, events, start)
	return events, nil
}

// readLoop consumes the response strictly one line at a time so SSE frame
// boundaries are preserved regardless of chunking.
func (a *SSEAdapter) readLoop(body io.ReadCloser, events chan<- StreamEvent, start time.Time) {
	defer close(events)
	defer body.Close()

	var (
		model        string
		inputTokens  int
		outputTokens int
	)

	reader := bufio.NewReader(body)
	for {
		raw, err := reader.ReadString('\n')
		line := strings.TrimSpace(raw)

		if line != "" && !strings.HasPrefix(line, ":") && strings.HasPrefix(line, sseDataPrefix) {
			data := line[len(sseDataPrefix):]
			if data == sseDoneSentinel {
				break
			}
			var chunk sseChunk
			if jerr := json.Unmarshal([]byte(data), &chunk); jerr != nil {
				// Malformed frames are skipped, not fatal.
				a.logger.Debug("skipping malformed sse frame", slog.String("error", jerr.Error()))
			} else {
				if chunk.Model != "" {
					model = chunk.Model
				}
				if chunk.Usage != nil {
					inputTokens = chunk.Usage.PromptTokens
					outputTokens = chunk.Usage.CompletionTokens
				}
				for _, ev := range chunkEvents(chunk) {
					events <- ev
				}
			}
		}

		if err != nil {
			if err != io.EOF {
				// A mid-stream transport fault terminates the run but must not
				// discard content already delivered downstream.
				events <- ErrorEvent(fmt.Sprintf("stream read failed: %v", err))
				return
			}
			break
		}
	}

	events <- UsageEvent(Usage{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
	})
}

// chunkEvents extracts the incremental deltas of one data frame.
func chunkEvents(chunk sseChunk) []StreamEvent {
	if len(chunk.Choices) == 0 {
		return nil
	}
	delta := chunk.Choices[0].Delta
	var out []StreamEvent
	thinking := delta.ReasoningContent
	if thinking == "" {
		thinking = delta.Thinking
	}
	if thinking != "" {
		out = append(out, ThinkingDelta(thinking))
	}
	if delta.Content != "" {
		out = append(out, ContentDelta(delta.Content))
	}
	return out
}
