package match

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// SemanticTopKBlock ranks items against a query vector by cosine,
// dot product, or negated euclidean distance. Items without an
// embedding are skipped when embeddings are required and scored zero
// otherwise. With require_embeddings off and no query vector the
// block degrades to lexical jaccard over whitespace tokens.
type SemanticTopKBlock struct{}

func (SemanticTopKBlock) ID() string      { return "matching.semantic_topk" }
func (SemanticTopKBlock) Version() string { return "1.0.0" }

func (SemanticTopKBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	items, err := block.Slice(inputs, "items")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, blockerr.New(blockerr.CodeInputRequiredMissing, "items must not be empty").
			WithDetail("field", "items")
	}
	metric, err := block.StringOr(inputs, "metric", "cosine")
	if err != nil {
		return nil, err
	}
	metric = strings.ToLower(metric)
	if metric == "" {
		metric = "cosine"
	}
	topK, err := block.IntOr(inputs, "top_k", 5)
	if err != nil {
		return nil, err
	}
	if topK < 1 {
		topK = 1
	}
	requireEmbeddings, err := block.BoolOr(inputs, "require_embeddings", true)
	if err != nil {
		return nil, err
	}

	qvec := floatsOf(inputs["query_embedding"])
	if qvec == nil {
		if requireEmbeddings {
			return nil, blockerr.New(blockerr.CodeInputRequiredMissing,
				"query_embedding is required unless require_embeddings is disabled").
				WithDetail("field", "query_embedding")
		}
		return lexicalTopK(strOf(inputs["query_text"]), items, topK), nil
	}

	type scored struct {
		idx int
		s   float64
	}
	var ranked []scored
	for idx, it := range items {
		var emb []float64
		if m, ok := it.(map[string]any); ok {
			emb = floatsOf(m["embedding"])
		}
		if len(emb) == 0 {
			if requireEmbeddings {
				continue
			}
			ranked = append(ranked, scored{idx: idx, s: 0.0})
			continue
		}
		var s float64
		switch metric {
		case "cosine":
			s = cosine(qvec, emb)
		case "dot":
			s = dot(qvec, emb)
		default:
			s = -euclidean(qvec, emb)
		}
		ranked = append(ranked, scored{idx: idx, s: s})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].s > ranked[b].s })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	results := make([]any, 0, len(ranked))
	for r, p := range ranked {
		results = append(results, map[string]any{"item": items[p.idx], "score": round6(p.s), "rank": r + 1})
	}
	return map[string]any{
		"results": results,
		"summary": map[string]any{"metric": metric, "k": len(results)},
	}, nil
}

func lexicalTopK(query string, items []any, topK int) map[string]any {
	qtok := tokenSet(query)
	type scored struct {
		idx int
		s   float64
	}
	ranked := make([]scored, 0, len(items))
	for idx, it := range items {
		text := ""
		if m, ok := it.(map[string]any); ok {
			text = coerce(m["text"])
		}
		if text == "" {
			text = fmt.Sprint(it)
		}
		stok := tokenSet(text)
		inter := 0
		for t := range qtok {
			if _, ok := stok[t]; ok {
				inter++
			}
		}
		union := len(qtok) + len(stok) - inter
		if union == 0 {
			union = 1
		}
		ranked = append(ranked, scored{idx: idx, s: float64(inter) / float64(union)})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].s > ranked[b].s })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	results := make([]any, 0, len(ranked))
	for r, p := range ranked {
		results = append(results, map[string]any{"item": items[p.idx], "score": round6(p.s), "rank": r + 1})
	}
	return map[string]any{
		"results": results,
		"summary": map[string]any{"metric": "lexical", "k": len(results)},
	}
}

func floatsOf(v any) []float64 {
	switch vec := v.(type) {
	case []float64:
		if len(vec) == 0 {
			return nil
		}
		return vec
	case []float32:
		if len(vec) == 0 {
			return nil
		}
		out := make([]float64, len(vec))
		for i, x := range vec {
			out[i] = float64(x)
		}
		return out
	case []any:
		if len(vec) == 0 {
			return nil
		}
		out := make([]float64, len(vec))
		for i, x := range vec {
			f, ok := numOf(x)
			if !ok {
				return nil
			}
			out[i] = f
		}
		return out
	}
	return nil
}

// dot and euclidean compare over the shared prefix when lengths
// differ; cosine norms use each full vector.
func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	s := 0.0
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}

func l2(a []float64) float64 {
	s := 0.0
	for _, x := range a {
		s += x * x
	}
	return math.Sqrt(s)
}

func cosine(a, b []float64) float64 {
	na, nb := l2(a), l2(b)
	if na <= 0 || nb <= 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	s := 0.0
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}
