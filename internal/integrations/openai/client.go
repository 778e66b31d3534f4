package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chat-agent/internal/domain"
)

// chatRequest is the request shape for the Chat Completions endpoint. Only
// Model and Messages vary per call; the sampling parameters are fixed.
type chatRequest struct {
	Model            string               `json:"model"`
	Messages         []domain.ChatMessage `json:"messages"`
	Stream           bool                 `json:"stream"`
	MaxTokens        int                  `json:"max_tokens"`
	Temperature      float64              `json:"temperature"`
	TopP             float64              `json:"top_p"`
	TopK             int                  `json:"top_k"`
	FrequencyPenalty float64              `json:"frequency_penalty"`
	N                int                  `json:"n"`
	ResponseFormat   responseFormat       `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse is the minimal response shape returned by the Chat Completions
// endpoint. ReasoningContent is a provider extension carried by reasoning
// models; it is frequently absent.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused client for an OpenAI-compatible chat completions
// endpoint. It performs exactly one attempt per call; failures surface
// immediately to the caller.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client authenticated with the given API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// timeout if none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Chat sends the ordered message sequence to the completion endpoint and
// returns the assistant text plus the optional reasoning trace.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (domain.Completion, error) {
	if model == "" {
		return domain.Completion{}, errors.New("openai: model must not be empty")
	}
	if len(messages) == 0 {
		return domain.Completion{}, errors.New("openai: messages must not be empty")
	}

	body, err := json.Marshal(chatRequest{
		Model:            model,
		Messages:         messages,
		Stream:           false,
		MaxTokens:        1024,
		Temperature:      0.7,
		TopP:             0.7,
		TopK:             50,
		FrequencyPenalty: 0.5,
		N:                1,
		ResponseFormat:   responseFormat{Type: "text"},
	})
	if err != nil {
		return domain.Completion{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.Completion{}, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return domain.Completion{}, err
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.Completion{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return domain.Completion{}, errors.New("openai: no choices in response")
	}
	msg := payload.Choices[0].Message
	return domain.Completion{Text: msg.Content, Reasoning: msg.ReasoningContent}, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("openai: request failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: read response body: %w", err)
	}
	return buf, nil
}
