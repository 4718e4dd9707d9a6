package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	anthropicAPIURL       = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion   = "2023-06-01"
	anthropicDefaultModel = "claude-3-haiku-20240307"
	anthropicMaxTokens    = 1024
)

// AnthropicClient implements Client using the Anthropic Messages API.
// Anthropic has no embedding endpoint; pair it with another Embedder.
type AnthropicClient struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
}

// NewAnthropicClient creates a new AnthropicClient with the given configuration.
// If cfg.APIKey is empty, it falls back to the ANTHROPIC_API_KEY environment variable.
// If cfg.Model is empty, it defaults to claude-3-haiku-20240307.
func NewAnthropicClient(cfg ClientConfig) *AnthropicClient {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	model := cfg.Model
	if model == "" {
		model = anthropicDefaultModel
	}

	url := cfg.BaseURL
	if url == "" {
		url = anthropicAPIURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &AnthropicClient{
		apiKey:     apiKey,
		url:        url,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   float64            `json:"temperature,omitempty"`
	TopP          float64            `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Available returns true if an API key is configured.
func (c *AnthropicClient) Available() bool {
	return c.apiKey != ""
}

// Complete sends req to the Messages API.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	p := req.Params
	reqBody := anthropicRequest{
		Model:         p.Model,
		MaxTokens:     p.MaxTokens,
		System:        req.System,
		Messages:      []anthropicMessage{{Role: "user", Content: req.User}},
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		StopSequences: p.Stop,
	}
	if reqBody.Model == "" {
		reqBody.Model = c.model
	}
	if reqBody.MaxTokens == 0 {
		reqBody.MaxTokens = anthropicMaxTokens
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing API response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	for _, content := range apiResp.Content {
		if content.Type == "text" {
			return &Response{
				Text:             content.Text,
				Model:            reqBody.Model,
				PromptTokens:     apiResp.Usage.InputTokens,
				CompletionTokens: apiResp.Usage.OutputTokens,
			}, nil
		}
	}
	return nil, fmt.Errorf("no text content in API response")
}
