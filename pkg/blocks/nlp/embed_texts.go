package nlp

import (
	"context"
	"errors"
	"math"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/embed"
)

// EmbedTextsBlock embeds a texts list, or the text field of a chunks
// list, through the configured provider. In chunks mode each embedded
// chunk is returned with its vector attached and non-text entries
// pass through untouched. Vectors are L2-normalized unless disabled.
type EmbedTextsBlock struct {
	Embedder embed.Embedder
}

func (EmbedTextsBlock) ID() string      { return "nlp.embed_texts" }
func (EmbedTextsBlock) Version() string { return "1.0.0" }

func (b EmbedTextsBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	normalize, err := block.BoolOr(inputs, "normalize", true)
	if err != nil {
		return nil, err
	}

	var texts []string
	mode := "texts"
	var chunkList []any
	if list, ok := listOf(inputs["texts"]); ok {
		for _, t := range list {
			if t == nil {
				continue
			}
			texts = append(texts, coerce(t))
		}
	} else if list, ok := listOf(inputs["chunks"]); ok {
		mode = "chunks"
		chunkList = list
		for _, ch := range list {
			if m, ok := ch.(map[string]any); ok {
				if t := coerce(m["text"]); t != "" {
					texts = append(texts, t)
				}
			}
		}
	}
	if len(texts) == 0 {
		return nil, blockerr.New(blockerr.CodeInputRequiredMissing,
			"texts or chunks must provide at least one text").
			WithDetail("field", "texts|chunks")
	}

	if b.Embedder == nil {
		return nil, blockerr.New(blockerr.CodeConfigMissing, "no embedding provider configured")
	}

	vecs, err := b.Embedder.Embed(ctx.Ctx(), texts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, blockerr.Newf(blockerr.CodeExternalTimeout, "embedding request timed out: %v", err)
		}
		return nil, blockerr.Newf(blockerr.CodeExternalAPIError, "embedding request failed: %v", err)
	}
	if len(vecs) != len(texts) {
		return nil, blockerr.Newf(blockerr.CodeBlockExecutionFailed,
			"embedding count mismatch: %d texts, %d vectors", len(texts), len(vecs))
	}
	if normalize {
		for i, v := range vecs {
			vecs[i] = l2Normalize(v)
		}
	}

	summary := map[string]any{"count": len(vecs), "model": b.Embedder.Model()}
	if mode == "texts" {
		vectors := make([]any, len(vecs))
		for i, v := range vecs {
			vectors[i] = v
		}
		return map[string]any{"vectors": vectors, "summary": summary}, nil
	}

	items := make([]any, 0, len(chunkList))
	i := 0
	for _, ch := range chunkList {
		m, ok := ch.(map[string]any)
		if !ok || coerce(m["text"]) == "" {
			items = append(items, ch)
			continue
		}
		item := make(map[string]any, len(m)+1)
		for k, v := range m {
			item[k] = v
		}
		item["embedding"] = vecs[i]
		i++
		items = append(items, item)
	}
	return map[string]any{"items": items, "summary": summary}, nil
}

func l2Normalize(v []float64) []float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	n := math.Sqrt(s)
	if n <= 0 {
		return v
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}
