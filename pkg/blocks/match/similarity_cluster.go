package match

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// minhashPerms is the signature width. 128 positions keep the
// jaccard estimate within a few percent at block scale.
const minhashPerms = 128

// SimilarityClusterBlock groups near-duplicate items. The default
// minhash method builds 128-permutation signatures over each item's
// token set and buckets them with LSH banding tuned to the threshold;
// any other method falls back to exact pairwise jaccard grouping.
// Item text comes from feature_spec.text_fields, concatenated, or
// from the item's own rendering when no field matches.
type SimilarityClusterBlock struct{}

func (SimilarityClusterBlock) ID() string      { return "matching.similarity_cluster" }
func (SimilarityClusterBlock) Version() string { return "1.0.0" }

func (SimilarityClusterBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	method, err := block.StringOr(inputs, "method", "minhash")
	if err != nil {
		return nil, err
	}
	method = strings.ToLower(method)
	spec, err := block.MapOr(inputs, "feature_spec")
	if err != nil {
		return nil, err
	}
	topK, err := block.IntOr(inputs, "top_k", 5)
	if err != nil {
		return nil, err
	}
	if topK < 0 {
		topK = 0
	}
	threshold := 0.8
	if v, ok := numOf(inputs["threshold"]); ok {
		threshold = v
	}
	items, ok := looseSlice(inputs["items"])
	if !ok {
		items = []any{}
	}

	texts := itemTexts(items, spec)

	var clusters []any
	candidates := []any{}
	switch method {
	case "minhash", "lsh":
		clusters, candidates = minhashClusters(texts, threshold, topK)
	default:
		clusters = jaccardClusters(texts, threshold)
	}
	if clusters == nil {
		clusters = []any{}
	}

	return map[string]any{
		"clusters":   clusters,
		"candidates": candidates,
		"summary":    map[string]any{"items": len(items), "clusters": len(clusters)},
	}, nil
}

// itemTexts renders one comparison string per item from the declared
// text fields.
func itemTexts(items []any, spec map[string]any) []string {
	fields, _ := looseSlice(spec["text_fields"])
	texts := make([]string, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			texts[i] = fmt.Sprint(it)
			continue
		}
		var parts []string
		for _, f := range fields {
			if v, ok := fieldFold(m, coerce(f)); ok && v != nil {
				parts = append(parts, coerce(v))
			}
		}
		if len(parts) > 0 {
			texts[i] = strings.Join(parts, " ")
		} else {
			texts[i] = fmt.Sprint(it)
		}
	}
	return texts
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, t := range strings.Fields(strings.ToLower(text)) {
		set[t] = struct{}{}
	}
	return set
}

// mix64 is the splitmix64 finalizer.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

var permSeeds = func() []uint64 {
	seeds := make([]uint64, minhashPerms)
	s := uint64(1)
	for i := range seeds {
		s += 0x9e3779b97f4a7c15
		seeds[i] = mix64(s)
	}
	return seeds
}()

// signature is the per-permutation minimum over the token set. An
// empty set keeps the sentinel maximum in every position, so empty
// items estimate as identical to each other.
func signature(tokens map[string]struct{}) []uint64 {
	sig := make([]uint64, minhashPerms)
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for t := range tokens {
		h := fnv.New64a()
		h.Write([]byte(t))
		base := h.Sum64()
		for i, seed := range permSeeds {
			if v := mix64(base ^ seed); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

func sigJaccard(a, b []uint64) float64 {
	eq := 0
	for i := range a {
		if a[i] == b[i] {
			eq++
		}
	}
	return float64(eq) / float64(len(a))
}

// bandingFor picks bands x rows <= perms whose LSH s-curve midpoint
// (1/bands)^(1/rows) sits closest to the requested threshold.
func bandingFor(threshold float64, perms int) (bands, rows int) {
	bands, rows = perms, 1
	best := math.MaxFloat64
	for r := 1; r <= perms; r++ {
		b := perms / r
		if b == 0 {
			break
		}
		mid := math.Pow(1.0/float64(b), 1.0/float64(r))
		if d := math.Abs(mid - threshold); d < best {
			best, bands, rows = d, b, r
		}
	}
	return bands, rows
}

func bandKey(sig []uint64, band, rows int) uint64 {
	k := mix64(uint64(band) + 0x9e3779b97f4a7c15)
	for _, v := range sig[band*rows : (band+1)*rows] {
		k = mix64(k ^ v)
	}
	return k
}

func minhashClusters(texts []string, threshold float64, topK int) ([]any, []any) {
	sigs := make([][]uint64, len(texts))
	for i, t := range texts {
		sigs[i] = signature(tokenSet(t))
	}

	bands, rows := bandingFor(threshold, minhashPerms)
	buckets := make([]map[uint64][]int, bands)
	for b := range buckets {
		buckets[b] = map[uint64][]int{}
	}
	for i, sig := range sigs {
		for b := 0; b < bands; b++ {
			k := bandKey(sig, b, rows)
			buckets[b][k] = append(buckets[b][k], i)
		}
	}

	var clusters []any
	candidates := []any{}
	visited := map[int]bool{}
	for i, sig := range sigs {
		if visited[i] {
			continue
		}
		neighbors := map[int]struct{}{}
		for b := 0; b < bands; b++ {
			for _, j := range buckets[b][bandKey(sig, b, rows)] {
				neighbors[j] = struct{}{}
			}
		}
		grp := make([]int, 0, len(neighbors))
		for j := range neighbors {
			grp = append(grp, j)
		}
		sort.Ints(grp)
		for _, j := range grp {
			visited[j] = true
		}
		if len(grp) == 0 {
			continue
		}
		clusters = append(clusters, intsAny(grp))

		base := grp[0]
		type scored struct {
			j int
			s float64
		}
		sims := make([]scored, 0, len(grp)-1)
		for _, j := range grp[1:] {
			sims = append(sims, scored{j: j, s: sigJaccard(sigs[base], sigs[j])})
		}
		sort.SliceStable(sims, func(a, b int) bool { return sims[a].s > sims[b].s })
		if len(sims) > topK {
			sims = sims[:topK]
		}
		for _, p := range sims {
			candidates = append(candidates, map[string]any{"a": base, "b": p.j, "score": round4(p.s)})
		}
	}
	return clusters, candidates
}

// jaccardClusters is the exact pairwise fallback: each unvisited item
// seeds a group of later items whose token-set jaccard clears the
// threshold. Empty token sets never pair.
func jaccardClusters(texts []string, threshold float64) []any {
	sets := make([]map[string]struct{}, len(texts))
	for i, t := range texts {
		sets[i] = tokenSet(t)
	}
	var clusters []any
	used := map[int]bool{}
	for i, si := range sets {
		if used[i] {
			continue
		}
		grp := []int{i}
		for j := i + 1; j < len(sets); j++ {
			sj := sets[j]
			if len(si) == 0 || len(sj) == 0 {
				continue
			}
			inter := 0
			for t := range si {
				if _, ok := sj[t]; ok {
					inter++
				}
			}
			union := len(si) + len(sj) - inter
			if float64(inter)/float64(union) >= threshold {
				grp = append(grp, j)
			}
		}
		for _, j := range grp {
			used[j] = true
		}
		clusters = append(clusters, intsAny(grp))
	}
	return clusters
}

func intsAny(xs []int) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}
