package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChatConfig points an internal agent at an OpenAI-compatible chat
// completions endpoint.
type HTTPChatConfig struct {
	URL     string // full endpoint URL, e.g. https://host/v1/chat/completions
	APIKey  string
	Model   string
	Timeout time.Duration
}

// HTTPChat is an Adapter backed by a chat completions API.
type HTTPChat struct {
	cfg  HTTPChatConfig
	http *http.Client
}

func NewHTTPChat(cfg HTTPChatConfig) *HTTPChat {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &HTTPChat{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (h *HTTPChat) Generate(ctx context.Context, req Request) (Response, error) {
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{Model: h.cfg.Model, Messages: messages})
	if err != nil {
		return Response{}, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("chat request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}

	var chat chatResponse
	if err := json.Unmarshal(payload, &chat); err != nil {
		return Response{}, fmt.Errorf("decode chat response: %w", err)
	}
	if chat.Error != nil {
		return Response{}, fmt.Errorf("chat endpoint error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return Response{}, fmt.Errorf("chat endpoint returned no choices")
	}
	return Response{Content: chat.Choices[0].Message.Content}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
