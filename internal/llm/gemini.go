package llm

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel      = "gemini-2.5-flash"
	geminiDefaultEmbedModel = "gemini-embedding-001"
)

func newGenaiClient(ctx context.Context, cfg ClientConfig) (*genai.Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	return client, nil
}

// GeminiClient implements Client on the Gemini API via google.golang.org/genai.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a GeminiClient. The key comes from cfg.APIKey or
// GEMINI_API_KEY.
func NewGeminiClient(ctx context.Context, cfg ClientConfig) (*GeminiClient, error) {
	client, err := newGenaiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = geminiDefaultModel
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Available returns true once the client is constructed.
func (c *GeminiClient) Available() bool {
	return c.client != nil
}

// Complete sends req as a single user turn; System becomes the system instruction.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	p := req.Params
	model := p.Model
	if model == "" {
		model = c.model
	}

	genConfig := &genai.GenerateContentConfig{
		StopSequences: p.Stop,
	}
	if req.System != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if p.Temperature != 0 {
		genConfig.Temperature = genai.Ptr(float32(p.Temperature))
	}
	if p.TopP != 0 {
		genConfig.TopP = genai.Ptr(float32(p.TopP))
	}
	if p.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(p.MaxTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, model,
		[]*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)},
		genConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	out := &Response{Text: resp.Text(), Model: model}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// GeminiEmbedder implements Embedder on the Gemini embedding API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

// NewGeminiEmbedder creates a GeminiEmbedder.
func NewGeminiEmbedder(ctx context.Context, cfg ClientConfig) (*GeminiEmbedder, error) {
	client, err := newGenaiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = geminiDefaultEmbedModel
	}
	return &GeminiEmbedder{client: client, model: model}, nil
}

// Embed returns the semantic-similarity embedding of text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("gemini: empty text")
	}

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: embed content: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("gemini: no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
