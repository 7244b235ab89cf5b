// Package embed provides the text embedding providers behind the
// nlp blocks.
package embed

import (
	"context"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder turns a batch of texts into one vector per text, in input
// order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Model() string
}

// OpenAI embeds through the OpenAI embeddings API, or any compatible
// endpoint via base URL override.
type OpenAI struct {
	client *openai.Client
	model  string
}

// FromEnv builds the provider from OPENAI_API_KEY with optional
// OPENAI_BASE_URL and KEIRI_AGENT_EMBED_MODEL overrides. A missing
// key is an error so a misconfigured run fails loudly instead of
// embedding nothing.
func FromEnv() (*OpenAI, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	cfg := openai.DefaultConfig(key)
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	model := os.Getenv("KEIRI_AGENT_EMBED_MODEL")
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// New wraps an existing client, mainly for tests and custom wiring.
func New(client *openai.Client, model string) *OpenAI {
	return &OpenAI{client: client, model: model}
}

func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(texts), len(resp.Data))
	}
	out := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float64, len(d.Embedding))
		for j, x := range d.Embedding {
			vec[j] = float64(x)
		}
		out[i] = vec
	}
	return out, nil
}
