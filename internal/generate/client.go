package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var errBackendResponse = errors.New("backend returned error")

// StreamClient is an Adapter backed by an OpenAI-compatible streaming
// chat-completions endpoint. The request's backend identifier selects the
// model, so one client serves every game variant.
type StreamClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// StreamClientConfig holds configuration for the streaming client.
type StreamClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout bounds the whole request including streaming. Zero means no
	// client-side bound; the engine applies its own generation deadline.
	Timeout time.Duration
}

// NewStreamClient creates a streaming client for the given backend endpoint.
func NewStreamClient(cfg StreamClientConfig, logger *slog.Logger) (*StreamClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		logger:     logger,
	}, nil
}

// Close releases client resources.
func (c *StreamClient) Close() {
	c.httpClient.CloseIdleConnections()
}

type chatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// Metadata is a backend extension; cover-art references arrive here on
	// the final chunk when the backend produces them.
	Metadata struct {
		ImageURL string `json:"image_url"`
	} `json:"metadata"`
}

// Generate streams one panel from the backend. Chunks are yielded in
// arrival order; any transport or backend failure is yielded once as an
// error and the sequence terminates.
func (c *StreamClient) Generate(ctx context.Context, req Request) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		messages := make([]Message, 0, len(req.Context)+2)
		messages = append(messages, Message{Role: "system", Content: SystemPrompt(req)})
		messages = append(messages, req.Context...)
		messages = append(messages, Message{Role: "user", Content: req.Message})

		body, err := json.Marshal(chatCompletionRequest{
			Model:    req.Backend,
			Messages: messages,
			Stream:   true,
		})
		if err != nil {
			yield(nil, fmt.Errorf("marshal generation request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("build generation request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, fmt.Errorf("generation request failed: %w", err))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Warn("failed to close backend response body", "error", closeErr)
			}
		}()

		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(nil, fmt.Errorf("%w: status %d: %s", errBackendResponse,
				resp.StatusCode, strings.TrimSpace(string(detail))))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var chunk chatCompletionChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				yield(nil, fmt.Errorf("decode backend chunk: %w", err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			out := &Chunk{
				Text:     chunk.Choices[0].Delta.Content,
				ImageURL: chunk.Metadata.ImageURL,
			}
			if out.Text == "" && out.ImageURL == "" {
				if chunk.Choices[0].FinishReason != "" {
					return
				}
				continue
			}
			if !yield(out, nil) {
				return
			}
			if chunk.Choices[0].FinishReason != "" {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("read backend stream: %w", err))
		}
	}
}

// Ensure StreamClient implements Adapter.
var _ Adapter = (*StreamClient)(nil)
