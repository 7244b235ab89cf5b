package transform

import (
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// GroupEvidenceBlock regroups parsed archive evidence for fan-out:
// one group per directory at the requested level, each carrying only
// the files scoped to it. "auto" picks the second level when the
// archive has a single top directory with nested paths.
type GroupEvidenceBlock struct{}

func (GroupEvidenceBlock) ID() string      { return "transforms.group_evidence" }
func (GroupEvidenceBlock) Version() string { return "1.0.0" }

func (GroupEvidenceBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	raw, present := inputs["evidence"]
	evidence := map[string]any{}
	if present && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return map[string]any{"groups": []any{}}, nil
		}
		evidence = m
	}
	level := strings.ToLower(strings.TrimSpace(strOf(inputs["level"])))
	if level == "" {
		level = "top_dir"
	}
	instruction, hasInstruction := inputs["instruction"]

	files := evidenceFiles(evidence)
	byDir := mapOf(evidence, "by_dir")

	var groups []any
	switch level {
	case "top_dir", "by_dir":
		groups = topDirGroups(evidence, files, byDir, instruction, hasInstruction)

	case "second_dir", "tier2", "sub_dir", "auto":
		useSecond := level != "auto"
		if level == "auto" && len(byDir) == 1 {
			for _, rels := range byDir {
				for _, r := range itemsOfAny(rels) {
					if s, ok := r.(string); ok && strings.Contains(s, "/") {
						useSecond = true
						break
					}
				}
			}
		}
		if useSecond {
			groups = secondDirGroups(evidence, files, instruction, hasInstruction)
		} else {
			groups = topDirGroups(evidence, files, byDir, instruction, hasInstruction)
		}

	default:
		g := map[string]any{"key": nil, "evidence": evidence}
		if hasInstruction {
			g["instruction"] = instruction
		}
		groups = []any{g}
	}

	if groups == nil {
		groups = []any{}
	}
	return map[string]any{"groups": groups}, nil
}

func topDirGroups(evidence map[string]any, files []map[string]any, byDir map[string]any, instruction any, hasInstruction bool) []any {
	keys := sortedKeys(byDir)
	if len(keys) == 0 && len(files) > 0 {
		// No directory index; infer top dirs from the file paths.
		inferred := map[string]any{}
		for _, f := range files {
			top, rel := splitTop(filePath(f))
			list, _ := inferred[top].([]any)
			inferred[top] = append(list, rel)
		}
		byDir = inferred
		keys = sortedKeys(byDir)
	}

	var groups []any
	for _, key := range keys {
		var scoped []map[string]any
		for _, f := range files {
			top, _ := splitTop(filePath(f))
			if top == key {
				scoped = append(scoped, copyMap(f))
			}
		}
		groups = append(groups, evidenceGroup(evidence, key, scoped,
			map[string]any{key: relsCopy(byDir[key])}, instruction, hasInstruction))
	}
	return groups
}

func secondDirGroups(evidence map[string]any, files []map[string]any, instruction any, hasInstruction bool) []any {
	var order []string
	scoped := map[string][]map[string]any{}
	for _, f := range files {
		p := filePath(f)
		second := ""
		if i := strings.Index(p, "/"); i >= 0 {
			rest := p[i+1:]
			if j := strings.Index(rest, "/"); j >= 0 {
				second = rest[:j]
			} else {
				second = rest
			}
		}
		if _, seen := scoped[second]; !seen {
			order = append(order, second)
		}
		scoped[second] = append(scoped[second], copyMap(f))
	}

	var groups []any
	for _, key := range order {
		var rels []any
		for _, f := range scoped[key] {
			p := filePath(f)
			rel := p
			if strings.Contains(p, "/") {
				parts := strings.Split(p, "/")
				if len(parts) >= 3 {
					rel = strings.Join(parts[2:], "/")
				} else {
					rel = parts[len(parts)-1]
				}
			}
			rels = append(rels, rel)
		}
		groups = append(groups, evidenceGroup(evidence, key, scoped[key],
			map[string]any{key: rels}, instruction, hasInstruction))
	}
	return groups
}

func evidenceGroup(evidence map[string]any, key string, files []map[string]any, byDir map[string]any, instruction any, hasInstruction bool) map[string]any {
	if files == nil {
		files = []map[string]any{}
	}
	g := map[string]any{
		"key": key,
		"evidence": map[string]any{
			"raw_size":    evidence["raw_size"],
			"total_files": len(files),
			"files":       files,
			"by_dir":      byDir,
		},
	}
	if hasInstruction {
		g["instruction"] = instruction
	}
	return g
}

func evidenceFiles(evidence map[string]any) []map[string]any {
	var out []map[string]any
	for _, f := range itemsOfAny(evidence["files"]) {
		if m, ok := f.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func filePath(f map[string]any) string {
	if p := strOf(f["path"]); p != "" {
		return p
	}
	return strOf(f["name"])
}

func splitTop(p string) (top, rel string) {
	if i := strings.Index(p, "/"); i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

func relsCopy(v any) []any {
	list := itemsOfAny(v)
	if list == nil {
		return []any{}
	}
	return append([]any{}, list...)
}
