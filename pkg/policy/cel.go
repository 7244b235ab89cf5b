package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// exprEvaluator compiles and runs expression rules on CEL. Rule
// authors reference record fields as $field; before compilation every
// $field present in the record is rewritten to data["field"], where
// data is the single declared CEL variable holding the record. The
// rewrite keeps field names unrestricted (Japanese headers included)
// without inventing CEL identifiers for them.
type exprEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newExprEvaluator() (*exprEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &exprEvaluator{env: env, cache: map[string]cel.Program{}}, nil
}

// rewrite substitutes $field placeholders with data["field"] lookups.
// Longer field names are replaced first so $amount_total is not
// clobbered by $amount.
func rewrite(expr string, data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		expr = strings.ReplaceAll(expr, "$"+k, "data["+strconv.Quote(k)+"]")
	}
	return expr
}

func (e *exprEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}
	prog, err := e.env.Program(ast,
		cel.CostLimit(1_000_000),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prog
	e.mu.Unlock()
	return prog, nil
}

// Eval evaluates one expression rule against a record. It returns the
// boolean outcome; any compile, evaluation, or type failure is
// reported as an error so the engine can convert it into a synthetic
// violation instead of aborting the run.
func (e *exprEvaluator) Eval(expr string, data map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("empty expression")
	}
	prog, err := e.program(rewrite(expr, data))
	if err != nil {
		return false, err
	}
	out, _, err := prog.Eval(map[string]any{"data": data})
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	return refToBool(out)
}

func refToBool(v ref.Val) (bool, error) {
	if b, ok := v.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expression must evaluate to bool, got %s", v.Type().TypeName())
}
