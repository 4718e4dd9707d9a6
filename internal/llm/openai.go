package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	openAIBaseURL             = "https://api.openai.com/v1"
	openAIDefaultModel        = "gpt-4o-mini"
	openAIDefaultEmbedModel   = "text-embedding-3-small"
	ollamaDefaultEmbedModel   = "nomic-embed-text"
	openAIDefaultTimeout      = 30 * time.Second
	openAIDefaultTemperature  = 1.0
)

// OpenAIClient talks to any OpenAI-compatible API: OpenAI itself, Ollama,
// vLLM, llama.cpp server. It serves both completions and embeddings.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	embedModel string
	httpClient *http.Client
}

// NewOpenAIClient creates an OpenAIClient.
// If cfg.APIKey is empty, it falls back to the OPENAI_API_KEY environment variable.
// If cfg.BaseURL is empty, the public OpenAI endpoint is used.
func NewOpenAIClient(cfg ClientConfig) *OpenAIClient {
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.Provider != "ollama" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		if cfg.Provider == "ollama" {
			baseURL = "http://localhost:11434/v1"
		} else {
			baseURL = openAIBaseURL
		}
	}

	model := cfg.Model
	if model == "" {
		model = openAIDefaultModel
	}

	embedModel := cfg.EmbeddingModel
	if embedModel == "" {
		embedModel = openAIDefaultEmbedModel
		if cfg.Provider == "ollama" {
			embedModel = ollamaDefaultEmbedModel
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = openAIDefaultTimeout
	}

	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages,omitempty"`
	Prompt           string          `json:"prompt,omitempty"`
	Temperature      float64         `json:"temperature"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	TopP             float64         `json:"top_p,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *openAIError `json:"error,omitempty"`
}

// Available reports whether the client can make requests. A key is required
// unless the endpoint is not the public OpenAI API.
func (c *OpenAIClient) Available() bool {
	return c.apiKey != "" || c.baseURL != openAIBaseURL
}

// Complete sends req to /chat/completions or /completions.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	p := req.Params
	body := openAIRequest{
		Model:            p.Model,
		Temperature:      p.Temperature,
		MaxTokens:        p.MaxTokens,
		TopP:             p.TopP,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
		Stop:             p.Stop,
	}
	if body.Model == "" {
		body.Model = c.model
	}
	if body.Temperature == 0 {
		body.Temperature = openAIDefaultTemperature
	}

	endpoint := "/chat/completions"
	if req.Chat {
		if req.System != "" {
			body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
		}
		body.Messages = append(body.Messages, openAIMessage{Role: "user", Content: req.User})
	} else if req.System != "" {
		body.Messages = []openAIMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		}
	} else {
		endpoint = "/completions"
		body.Prompt = req.User
	}

	var apiResp openAIResponse
	if err := c.callAPI(ctx, endpoint, body, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from API")
	}

	text := apiResp.Choices[0].Message.Content
	if text == "" {
		text = apiResp.Choices[0].Text
	}
	return &Response{
		Text:             text,
		Model:            body.Model,
		PromptTokens:     apiResp.Usage.PromptTokens,
		CompletionTokens: apiResp.Usage.CompletionTokens,
	}, nil
}

// Embed returns the embedding vector for text via /embeddings.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	var apiResp openAIEmbeddingResponse
	if err := c.callAPI(ctx, "/embeddings", openAIEmbeddingRequest{Model: c.embedModel, Input: text}, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Data) == 0 || len(apiResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding in API response")
	}
	return apiResp.Data[0].Embedding, nil
}

func (c *OpenAIClient) callAPI(ctx context.Context, endpoint string, reqBody, out any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing API response: %w", err)
	}
	return nil
}
