package engine

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// Plan is a declarative execution graph. Nodes reference each other's
// outputs with ${node.key} and plan variables with ${vars.key};
// execution order is derived from those references alone. Plans are
// intentionally not a workflow language: no conditionals, no loops.
type Plan struct {
	ID      string         `yaml:"id" json:"id"`
	Version string         `yaml:"version,omitempty" json:"version,omitempty"`
	Vars    map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`
	Graph   []PlanNode     `yaml:"graph" json:"graph"`

	order []int
}

// PlanNode is one step of the graph. Out maps run-level export names
// to this node's output keys.
type PlanNode struct {
	ID      string            `yaml:"id" json:"id"`
	Block   string            `yaml:"block" json:"block"`
	Version string            `yaml:"version,omitempty" json:"version,omitempty"`
	In      map[string]any    `yaml:"in,omitempty" json:"in,omitempty"`
	Out     map[string]string `yaml:"out,omitempty" json:"out,omitempty"`
}

var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_\-]+)\.([A-Za-z0-9_\-]+)\}`)

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blockerr.Wrap(err, blockerr.CodeConfigMissing,
				fmt.Sprintf("plan file not found: %s", path))
		}
		return nil, blockerr.Wrap(err, blockerr.CodeConfigInvalid,
			fmt.Sprintf("cannot read plan file: %s", path))
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates plan YAML, computing the execution
// order. Reference and structural problems surface as CONFIG_INVALID.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeConfigInvalid, "plan is not valid YAML")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ExecutionOrder returns node ids in dependency order.
func (p *Plan) ExecutionOrder() []string {
	out := make([]string, len(p.order))
	for i, idx := range p.order {
		out[i] = p.Graph[idx].ID
	}
	return out
}

func (p *Plan) validate() error {
	if p.ID == "" {
		return blockerr.New(blockerr.CodeConfigInvalid, "plan has no id")
	}
	if len(p.Graph) == 0 {
		return blockerr.New(blockerr.CodeConfigInvalid,
			fmt.Sprintf("plan %s has an empty graph", p.ID))
	}

	index := map[string]int{}
	for i, n := range p.Graph {
		if n.ID == "" {
			return blockerr.New(blockerr.CodeConfigInvalid,
				fmt.Sprintf("plan %s: node %d has no id", p.ID, i))
		}
		if n.Block == "" {
			return blockerr.New(blockerr.CodeConfigInvalid,
				fmt.Sprintf("plan %s: node %s has no block", p.ID, n.ID))
		}
		if _, dup := index[n.ID]; dup {
			return blockerr.New(blockerr.CodeConfigInvalid,
				fmt.Sprintf("plan %s: duplicate node id %s", p.ID, n.ID))
		}
		index[n.ID] = i
	}

	// Dependencies from ${ref} occurrences in each node's inputs.
	deps := make([][]int, len(p.Graph))
	for i, n := range p.Graph {
		for _, ref := range collectRefs(n.In) {
			if ref.ns == "vars" {
				if _, ok := p.Vars[ref.key]; !ok {
					return blockerr.New(blockerr.CodeConfigInvalid,
						fmt.Sprintf("plan %s: node %s references undefined var %s", p.ID, n.ID, ref.key)).
						WithDetail("node", n.ID).
						WithDetail("reference", ref.String())
				}
				continue
			}
			j, ok := index[ref.ns]
			if !ok {
				return blockerr.New(blockerr.CodeConfigInvalid,
					fmt.Sprintf("plan %s: node %s references unknown node %s", p.ID, n.ID, ref.ns)).
					WithDetail("node", n.ID).
					WithDetail("reference", ref.String())
			}
			deps[i] = append(deps[i], j)
		}
		for _, outputKey := range p.Graph[i].Out {
			if outputKey == "" {
				return blockerr.New(blockerr.CodeConfigInvalid,
					fmt.Sprintf("plan %s: node %s exports an empty output key", p.ID, n.ID))
			}
		}
	}

	order, err := topoOrder(p, deps)
	if err != nil {
		return err
	}
	p.order = order
	return nil
}

// topoOrder is a stable Kahn walk: among ready nodes, declaration
// order wins.
func topoOrder(p *Plan, deps [][]int) ([]int, error) {
	n := len(p.Graph)
	done := make([]bool, n)
	order := make([]int, 0, n)

	for len(order) < n {
		progressed := false
		for i := 0; i < n; i++ {
			if done[i] {
				continue
			}
			ready := true
			for _, d := range deps[i] {
				if d == i {
					ready = false // self-reference
					break
				}
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				done[i] = true
				order = append(order, i)
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for i := 0; i < n; i++ {
				if !done[i] {
					stuck = append(stuck, p.Graph[i].ID)
				}
			}
			return nil, blockerr.New(blockerr.CodeConfigInvalid,
				fmt.Sprintf("plan %s has a reference cycle involving: %s",
					p.ID, strings.Join(stuck, ", ")))
		}
	}
	return order, nil
}

type planRef struct {
	ns  string // "vars" or a node id
	key string
}

func (r planRef) String() string { return "${" + r.ns + "." + r.key + "}" }

func collectRefs(v any) []planRef {
	var refs []planRef
	walkRefs(v, &refs)
	return refs
}

func walkRefs(v any, refs *[]planRef) {
	switch t := v.(type) {
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(t, -1) {
			*refs = append(*refs, planRef{ns: m[1], key: m[2]})
		}
	case map[string]any:
		for _, e := range t {
			walkRefs(e, refs)
		}
	case []any:
		for _, e := range t {
			walkRefs(e, refs)
		}
	}
}
