package transform

import (
	"math"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// ComputeFeaturesBlock derives text and numeric features per record
// from a declarative config and attaches them under "features".
type ComputeFeaturesBlock struct{}

func (ComputeFeaturesBlock) ID() string      { return "transforms.compute_features" }
func (ComputeFeaturesBlock) Version() string { return "1.0.0" }

func (ComputeFeaturesBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	items := itemsOf(inputs, "items")
	config := mapOf(inputs, "config")

	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		base, ok := it.(map[string]any)
		if !ok {
			base = map[string]any{"value": it}
		}
		feats := map[string]any{}

		for _, s := range itemsOfAny(config["text"]) {
			spec, ok := s.(map[string]any)
			if !ok {
				continue
			}
			field := stringify(spec["field"])
			name := strOf(spec["name"])
			if name == "" {
				name = field
			}
			if name == "" {
				name = "text"
			}
			var text string
			if _, v, found := lookupFold(base, field); found && v != nil {
				text = stringify(v)
			}
			for _, o := range itemsOfAny(spec["ops"]) {
				switch strings.ToLower(stringify(o)) {
				case "normalize":
					text = strings.ToLower(strings.Join(strings.Fields(text), " "))
				case "ngram":
					n := 2
					if f, ok := toF(spec["n"]); ok && int(f) > 0 {
						n = int(f)
					}
					feats[name+"_ngram_"+stringify(n)] = ngrams(text, n)
				}
			}
			feats[name+"_len"] = len([]rune(text))
		}

		for _, s := range itemsOfAny(config["numeric"]) {
			spec, ok := s.(map[string]any)
			if !ok {
				continue
			}
			field := stringify(spec["field"])
			name := strOf(spec["name"])
			if name == "" {
				name = field
			}
			if name == "" {
				name = "num"
			}
			x := 0.0
			if _, v, found := lookupFold(base, field); found {
				if f, ok := toF(v); ok {
					x = f
				}
			}
			for _, o := range itemsOfAny(spec["ops"]) {
				switch strings.ToLower(stringify(o)) {
				case "log":
					feats[name+"_log"] = math.Log(x + 1e-9)
				case "zscore":
					// Per-item zscore has no population; carry the raw
					// value under the feature name.
					feats[name+"_z"] = x
				}
			}
			feats[name+"_raw"] = x
		}

		enriched := copyMap(base)
		enriched["features"] = feats
		out = append(out, enriched)
	}

	return map[string]any{
		"features": out,
		"summary":  map[string]any{"count": len(out)},
	}, nil
}

// ngrams returns the character n-grams of s, sliding one rune at a
// time.
func ngrams(s string, n int) []string {
	runes := []rune(s)
	if len(runes) < n {
		return []string{}
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}
