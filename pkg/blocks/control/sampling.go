package control

import (
	"math/rand"
	"sort"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// SamplingBlock draws audit samples from a population. A fixed seed
// makes every method reproducible, which matters because the sample
// selection itself is part of the audit evidence.
type SamplingBlock struct{}

func (SamplingBlock) ID() string      { return "control.sampling" }
func (SamplingBlock) Version() string { return "1.0.0" }

func (SamplingBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	population, err := block.SliceOr(inputs, "population")
	if err != nil {
		return nil, err
	}
	method, err := block.Enum(inputs, "method", "random",
		"random", "systematic", "attribute", "risk_weighted")
	if err != nil {
		return nil, err
	}
	size, err := block.IntOr(inputs, "size", 0)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		size = 0
	}

	var rng *rand.Rand
	if f, ok := numeric(inputs["seed"]); ok {
		rng = rand.New(rand.NewSource(int64(f)))
	} else {
		rng = rand.New(rand.NewSource(ctx.Now().UnixNano()))
	}

	n := len(population)
	summary := func(selected int) map[string]any {
		return map[string]any{
			"population": n,
			"selected":   selected,
			"method":     method,
		}
	}
	if n == 0 || size == 0 {
		return map[string]any{
			"samples":  []any{},
			"excluded": append([]any{}, population...),
			"summary":  summary(0),
		}, nil
	}

	var picked []int
	switch method {
	case "systematic":
		picked = systematicPick(rng, n, size)
	case "attribute":
		rules, err := block.ItemsOr(inputs, "attribute_rules")
		if err != nil {
			return nil, err
		}
		picked = attributePick(population, rules, size)
	case "risk_weighted":
		weights, err := block.MapOr(inputs, "risk_weights")
		if err != nil {
			return nil, err
		}
		picked = riskWeightedPick(rng, population, weights, size)
	default:
		picked = randomPick(rng, n, size)
	}

	selected := map[int]bool{}
	samples := make([]any, 0, len(picked))
	for _, i := range picked {
		selected[i] = true
		samples = append(samples, population[i])
	}
	excluded := make([]any, 0, n-len(picked))
	for i, item := range population {
		if !selected[i] {
			excluded = append(excluded, item)
		}
	}

	return map[string]any{
		"samples":  samples,
		"excluded": excluded,
		"summary":  summary(len(samples)),
	}, nil
}

// randomPick selects min(size, n) indices uniformly without
// replacement, returned in population order.
func randomPick(rng *rand.Rand, n, size int) []int {
	k := size
	if k > n {
		k = n
	}
	picked := append([]int{}, rng.Perm(n)[:k]...)
	sort.Ints(picked)
	return picked
}

// systematicPick walks the population at a fixed interval from a
// random start inside the first interval.
func systematicPick(rng *rand.Rand, n, size int) []int {
	k := size
	if k > n {
		k = n
	}
	step := n / k
	if step < 1 {
		step = 1
	}
	start := rng.Intn(step)
	picked := make([]int, 0, k)
	for i := 0; i < k; i++ {
		pos := start + i*step
		if pos >= n {
			break
		}
		picked = append(picked, pos)
	}
	return picked
}

// attributePick filters to items satisfying every rule, then takes
// the first size in population order.
func attributePick(population []any, rules []map[string]any, size int) []int {
	picked := make([]int, 0, size)
	for i, item := range population {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if !matchesAttributeRules(rec, rules) {
			continue
		}
		picked = append(picked, i)
		if len(picked) == size {
			break
		}
	}
	return picked
}

func matchesAttributeRules(rec map[string]any, rules []map[string]any) bool {
	for _, rule := range rules {
		left, _ := fieldFold(rec, str(rule["field"]))
		right := rule["value"]
		op := str(rule["operator"])
		if op == "" {
			op = "eq"
		}
		ok := false
		switch op {
		case "eq":
			ok = sameValue(left, right)
		case "ne":
			ok = !sameValue(left, right)
		case "gt", "gte", "lt", "lte":
			lf, lok := numeric(left)
			rf, rok := numeric(right)
			if lok && rok {
				switch op {
				case "gt":
					ok = lf > rf
				case "gte":
					ok = lf >= rf
				case "lt":
					ok = lf < rf
				case "lte":
					ok = lf <= rf
				}
			}
		case "contains":
			if list, isList := left.([]any); isList {
				for _, e := range list {
					if sameValue(e, right) {
						ok = true
						break
					}
				}
			} else {
				ok = str(right) != "" && strings.Contains(str(left), str(right))
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// riskWeightedPick draws size times with probability proportional to
// each item's weight, deduplicating while preserving first
// occurrence.
func riskWeightedPick(rng *rand.Rand, population []any, weights map[string]any, size int) []int {
	ws := make([]float64, len(population))
	total := 0.0
	for i, item := range population {
		w := 1.0
		if rec, ok := item.(map[string]any); ok {
			if f, ok := numeric(weights[weightKey(rec, i)]); ok {
				w = f
			}
		}
		if w < 0 {
			w = 0
		}
		ws[i] = w
		total += w
	}
	if total <= 0 {
		return nil
	}

	seen := map[int]bool{}
	var picked []int
	for draw := 0; draw < size; draw++ {
		r := rng.Float64() * total
		acc := 0.0
		chosen := len(ws) - 1
		for i, w := range ws {
			acc += w
			if r < acc {
				chosen = i
				break
			}
		}
		if !seen[chosen] {
			seen[chosen] = true
			picked = append(picked, chosen)
		}
	}
	return picked
}

func weightKey(rec map[string]any, idx int) string {
	for _, k := range []string{"id", "_id", "key"} {
		if v, ok := rec[k]; ok && v != nil {
			return str(v)
		}
	}
	return str(idx)
}
