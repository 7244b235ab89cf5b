package match

import (
	"math"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// RecordLinkageBlock links records between a left and a right set.
// Strategy "exact" matches on equal key values, "fuzzy" on the mean
// per-key similarity against a threshold, and "hybrid" additionally
// reports below-threshold pairs as review candidates. Key fields are
// looked up case-insensitively; non-record entries are skipped.
type RecordLinkageBlock struct{}

func (RecordLinkageBlock) ID() string      { return "matching.record_linkage" }
func (RecordLinkageBlock) Version() string { return "1.0.0" }

const defaultLinkThreshold = 0.85

type linkKey struct {
	left  string
	right string
	typ   string
}

func (RecordLinkageBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	strategy, err := block.StringOr(inputs, "strategy", "exact")
	if err != nil {
		return nil, err
	}
	strategy = strings.ToLower(strategy)
	switch strategy {
	case "exact", "fuzzy", "hybrid":
	default:
		return nil, blockerr.Newf(blockerr.CodeInputValidationFailed,
			"input %q must be one of [exact, fuzzy, hybrid]", "strategy").
			WithDetail("field", "strategy").
			WithDetail("value", strategy)
	}
	window, err := block.IntOr(inputs, "window", 0)
	if err != nil {
		return nil, err
	}
	fuzzy, err := block.MapOr(inputs, "fuzzy")
	if err != nil {
		return nil, err
	}
	threshold := defaultLinkThreshold
	if v, ok := numOf(fuzzy["threshold"]); ok {
		threshold = v
	}
	keys := parseLinkKeys(inputs["keys"])

	left, lok := looseSlice(inputs["left"])
	right, rok := looseSlice(inputs["right"])
	if !lok || !rok {
		return map[string]any{
			"matches":    []any{},
			"candidates": []any{},
			"summary":    map[string]any{"left": 0, "right": 0},
		}, nil
	}

	leftIter, rightIter := left, right
	if window > 0 {
		if window < len(leftIter) {
			leftIter = leftIter[:window]
		}
		if window < len(rightIter) {
			rightIter = rightIter[:window]
		}
	}

	matches := []any{}
	candidates := []any{}
	for _, lv := range leftIter {
		li, ok := lv.(map[string]any)
		if !ok {
			continue
		}
		for _, rv := range rightIter {
			ri, ok := rv.(map[string]any)
			if !ok {
				continue
			}
			switch strategy {
			case "exact":
				if exactLink(li, ri, keys) {
					matches = append(matches, map[string]any{"left": li, "right": ri, "score": 1.0})
				}
			default:
				score := meanKeyScore(li, ri, keys)
				if score >= threshold {
					matches = append(matches, map[string]any{"left": li, "right": ri, "score": round4(score)})
				} else if strategy == "hybrid" {
					candidates = append(candidates, map[string]any{"left": li, "right": ri, "score": round4(score)})
				}
			}
		}
	}

	return map[string]any{
		"matches":    matches,
		"candidates": candidates,
		"summary": map[string]any{
			"left":    len(left),
			"right":   len(right),
			"matches": len(matches),
		},
	}, nil
}

func parseLinkKeys(v any) []linkKey {
	s, ok := looseSlice(v)
	if !ok {
		return nil
	}
	var out []linkKey
	for _, k := range s {
		m, ok := k.(map[string]any)
		if !ok {
			continue
		}
		typ := strings.ToLower(strOf(m["type"]))
		if typ == "" {
			typ = "string"
		}
		out = append(out, linkKey{left: coerce(m["left"]), right: coerce(m["right"]), typ: typ})
	}
	return out
}

// exactLink requires every key pair to compare equal. An empty key
// list matches every pair.
func exactLink(li, ri map[string]any, keys []linkKey) bool {
	for _, k := range keys {
		lv, _ := fieldFold(li, k.left)
		rv, _ := fieldFold(ri, k.right)
		if !valuesEqual(lv, rv) {
			return false
		}
	}
	return true
}

// meanKeyScore averages per-key similarity: string keys use the
// token-sort ratio, any other type scores 1 or 0 on equality.
func meanKeyScore(li, ri map[string]any, keys []linkKey) float64 {
	if len(keys) == 0 {
		return 0
	}
	total := 0.0
	for _, k := range keys {
		lv, _ := fieldFold(li, k.left)
		rv, _ := fieldFold(ri, k.right)
		if k.typ == "string" {
			total += tokenSortSimilarity(coerce(lv), coerce(rv))
		} else if valuesEqual(lv, rv) {
			total++
		}
	}
	return total / float64(len(keys))
}

// tokenSortSimilarity lowercases and sorts the tokens of both sides,
// then scores the rejoined strings by normalized edit distance, with
// a small bonus when one side contains the other. Two empty sides
// are identical.
func tokenSortSimilarity(a, b string) float64 {
	sa := sortedTokenString(a)
	sb := sortedTokenString(b)
	if sa == "" && sb == "" {
		return 1.0
	}
	longest := len([]rune(sa))
	if n := len([]rune(sb)); n > longest {
		longest = n
	}
	base := 1.0 - float64(levenshtein.ComputeDistance(sa, sb))/float64(longest)
	bonus := 0.0
	if sa != "" && sb != "" && (strings.Contains(sa, sb) || strings.Contains(sb, sa)) {
		bonus = 0.1
	}
	return math.Min(1.0, base+bonus)
}

func sortedTokenString(s string) string {
	tokens := strings.Fields(strings.ToLower(s))
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
