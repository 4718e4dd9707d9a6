// Package llm is the invocation layer between the cognitive workflow and a
// completion service. It supports OpenAI-compatible endpoints (including
// Ollama), Anthropic, Gemini, a scripted mock, and an always-unavailable
// fallback that makes every decision take its failsafe.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvandessel/reverie/internal/utils"
)

// ErrUnavailable is returned by clients that cannot serve requests.
var ErrUnavailable = errors.New("llm: provider unavailable")

// Params are the sampling parameters sent with a request. Zero values mean
// "provider default".
type Params struct {
	Model            string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature      float64  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	TopP             float64  `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// Merge returns p with every non-zero field of o applied on top.
func (p Params) Merge(o Params) Params {
	if o.Model != "" {
		p.Model = o.Model
	}
	if o.Temperature != 0 {
		p.Temperature = o.Temperature
	}
	if o.MaxTokens != 0 {
		p.MaxTokens = o.MaxTokens
	}
	if o.TopP != 0 {
		p.TopP = o.TopP
	}
	if o.FrequencyPenalty != 0 {
		p.FrequencyPenalty = o.FrequencyPenalty
	}
	if o.PresencePenalty != 0 {
		p.PresencePenalty = o.PresencePenalty
	}
	if len(o.Stop) > 0 {
		p.Stop = o.Stop
	}
	return p
}

// ParamsFromMap reads a simulation's llm_config. "engine" is accepted as an
// alias of "model"; unknown keys and values of the wrong type are ignored.
func ParamsFromMap(m map[string]any) Params {
	return Params{
		Model:            utils.GetString(m, "model", utils.GetString(m, "engine", "")),
		Temperature:      utils.GetFloat64(m, "temperature", 0),
		MaxTokens:        utils.GetInt(m, "max_tokens", 0),
		TopP:             utils.GetFloat64(m, "top_p", 0),
		FrequencyPenalty: utils.GetFloat64(m, "frequency_penalty", 0),
		PresencePenalty:  utils.GetFloat64(m, "presence_penalty", 0),
		Stop:             utils.GetStringSlice(m, "stop"),
	}
}

// Request is one completion call.
type Request struct {
	// Function names the decision being made; used for logging and stats.
	Function string

	System string
	User   string

	// Chat selects the chat endpoint. Completion-only providers join System
	// and User with a newline.
	Chat bool

	Params Params
}

// Response is the raw provider output plus token usage.
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Client sends completion requests.
type Client interface {
	// Complete performs one request. It does not retry.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Available returns true if the client is configured and ready to handle requests.
	Available() bool
}

// Embedder turns text into dense vectors for relevance scoring.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Closer is an optional interface for clients that hold resources requiring cleanup.
// Consumers should type-assert and call Close when done: if c, ok := client.(Closer); ok { c.Close() }
type Closer interface {
	Close() error
}

// ClientConfig configures an LLM client.
type ClientConfig struct {
	// Provider identifies the backend: "openai", "ollama", "anthropic", "gemini", "fallback".
	Provider string `json:"provider" yaml:"provider"`

	// APIKey is the API key for the provider (not used for fallback or ollama).
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// BaseURL is the API endpoint URL for OpenAI-compatible servers.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Model is the default completion model.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// EmbeddingProvider selects the embedder; empty follows Provider.
	EmbeddingProvider string `json:"embedding_provider,omitempty" yaml:"embedding_provider,omitempty"`

	// EmbeddingModel is the embedding model identifier.
	EmbeddingModel string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`

	// Timeout is the maximum duration to wait for a response.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Local embedder settings (yzma / llama.cpp).
	LocalLibPath   string `json:"local_lib_path,omitempty" yaml:"local_lib_path,omitempty"`
	LocalModelPath string `json:"local_model_path,omitempty" yaml:"local_model_path,omitempty"`
}

// DefaultConfig returns a ClientConfig with sensible defaults.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Provider: "fallback",
		Timeout:  30 * time.Second,
	}
}

// NewClient builds the completion client named by cfg.Provider.
func NewClient(ctx context.Context, cfg ClientConfig) (Client, error) {
	switch cfg.Provider {
	case "", "fallback":
		return NewFallbackClient(), nil
	case "openai", "ollama":
		return NewOpenAIClient(cfg), nil
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// NewEmbedder builds the embedder named by cfg.EmbeddingProvider, or by
// cfg.Provider when that is empty. Providers without an embedding endpoint
// fall back to the deterministic HashEmbedder.
func NewEmbedder(ctx context.Context, cfg ClientConfig) (Embedder, error) {
	provider := cfg.EmbeddingProvider
	if provider == "" {
		provider = cfg.Provider
	}
	switch provider {
	case "openai", "ollama":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiEmbedder(ctx, cfg)
	case "local":
		return NewLocalEmbedder(LocalConfig{LibPath: cfg.LocalLibPath, ModelPath: cfg.LocalModelPath}), nil
	case "", "hash", "fallback", "anthropic":
		return NewHashEmbedder(DefaultHashDimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", provider)
	}
}
