package transform

import (
	"encoding/base64"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// PickBlock extracts one value from a nested structure and coerces it
// to an explicit return type. Coercion failures yield the type's zero
// value, never an error.
type PickBlock struct{}

func (PickBlock) ID() string      { return "transforms.pick" }
func (PickBlock) Version() string { return "1.0.0" }

func (PickBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	val := pickPath(inputs["source"], strOf(inputs["path"]))
	want := strings.ToLower(strOf(inputs["return"]))
	if want == "" {
		want = "object"
	}

	switch want {
	case "bytes":
		switch x := val.(type) {
		case []byte:
			return map[string]any{"value": x}, nil
		case string:
			if b64, _ := inputs["base64"].(bool); b64 {
				if raw, err := base64.StdEncoding.DecodeString(x); err == nil {
					return map[string]any{"value": raw}, nil
				}
			}
			return map[string]any{"value": []byte{}}, nil
		default:
			return map[string]any{"value": []byte{}}, nil
		}
	case "string":
		return map[string]any{"value": stringify(val)}, nil
	case "number":
		switch x := val.(type) {
		case bool:
			if x {
				return map[string]any{"value": 1.0}, nil
			}
			return map[string]any{"value": 0.0}, nil
		case string:
			if strings.TrimSpace(x) != "" {
				if f, ok := toF(x); ok {
					return map[string]any{"value": f}, nil
				}
			}
			return map[string]any{"value": 0.0}, nil
		default:
			if f, ok := strictFloat(val); ok {
				return map[string]any{"value": f}, nil
			}
			return map[string]any{"value": 0.0}, nil
		}
	case "boolean":
		switch x := val.(type) {
		case bool:
			return map[string]any{"value": x}, nil
		case string:
			s := strings.ToLower(strings.TrimSpace(x))
			return map[string]any{"value": s == "true" || s == "1" || s == "yes" || s == "y"}, nil
		default:
			if f, ok := strictFloat(val); ok {
				return map[string]any{"value": f != 0}, nil
			}
			return map[string]any{"value": false}, nil
		}
	default:
		return map[string]any{"value": val}, nil
	}
}

// pickPath resolves a dotted path. A key containing dots wins over
// traversal when it exists verbatim.
func pickPath(src any, path string) any {
	if path == "" {
		return src
	}
	if m, ok := src.(map[string]any); ok {
		if v, ok := m[path]; ok {
			return v
		}
	}
	cur := src
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[seg]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}
