package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Completer turns a prompt into the model's raw answer.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompletionClient calls an OpenAI-compatible chat completion endpoint.
type CompletionClient struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration

	HTTPClient *http.Client
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *CompletionClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.URL == "" {
		return "", errors.New("completion: endpoint URL required")
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:    c.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("completion: unexpected status %d: %s", resp.StatusCode, snippet(string(body)))
	}

	var payload chatResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if payload.Error != nil {
		return "", fmt.Errorf("completion error: %s", payload.Error.Message)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("completion: empty response")
	}
	return payload.Choices[0].Message.Content, nil
}

func (c *CompletionClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}
