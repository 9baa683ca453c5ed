// Package tools calls the external tool service used to preprocess message
// attachments (audio transcription, document extraction) before a backend
// request is built.
package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Invoker executes one named tool with JSON arguments and returns its text
// result.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, arguments map[string]any) (string, error)
}

// Client is the HTTP implementation of Invoker.
type Client struct {
	httpClient *http.Client
	url        string
	token      string
	logger     *slog.Logger
}

// NewClient targets the tool service at url. The timeout bounds a single
// invocation end to end.
func NewClient(log *slog.Logger, url, token string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		token:      token,
		logger:     log.With(slog.String("component", "tools")),
	}
}

type invokeRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type invokeResponse struct {
	Result  string `json:"result"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error string `json:"error"`
}

// Invoke posts the tool call and extracts the text of the result. The
// service answers either a flat result string or a content list of typed
// blocks; both shapes are accepted.
func (c *Client) Invoke(ctx context.Context, toolName string, arguments map[string]any) (string, error) {
	body, err := json.Marshal(invokeRequest{ToolName: toolName, Arguments: arguments})
	if err != nil {
		return "", fmt.Errorf("encode tool request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoke tool %s: %w", toolName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("tool %s status %d: %s",
			toolName, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var decoded invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode tool response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("tool %s failed: %s", toolName, decoded.Error)
	}

	c.logger.Debug("tool invoked",
		slog.String("tool", toolName),
		slog.Duration("elapsed", time.Since(start)))

	if decoded.Result != "" {
		return decoded.Result, nil
	}
	var texts []string
	for _, block := range decoded.Content {
		if block.Type == "text" && block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	if len(texts) == 0 {
		return "", fmt.Errorf("tool %s returned no text result", toolName)
	}
	return strings.Join(texts, "\n"), nil
}

// BuildAudioArguments packages raw audio for the transcription tool.
func BuildAudioArguments(data []byte, format string) map[string]any {
	return map[string]any{
		"audio_base64": base64.StdEncoding.EncodeToString(data),
		"format":       format,
	}
}

// BuildFileArguments packages a raw document for the extraction tool.
func BuildFileArguments(data []byte, filename string) map[string]any {
	return map[string]any{
		"file_base64": base64.StdEncoding.EncodeToString(data),
		"filename":    filename,
	}
}
