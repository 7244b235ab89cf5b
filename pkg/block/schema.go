package block

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*jsonschema.Schema{}
)

func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if sch, ok := schemaCache[schemaJSON]; ok {
		return sch, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("ports.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	sch, err := c.Compile("ports.json")
	if err != nil {
		return nil, err
	}
	schemaCache[schemaJSON] = sch
	return sch, nil
}

// ValidateSchema checks a port value against a JSON Schema document.
// An empty schema passes everything. The value is normalized through
// a JSON round trip first so Go integers, time values, and typed
// slices validate the way their wire form would.
func ValidateSchema(schemaJSON string, value any) error {
	if strings.TrimSpace(schemaJSON) == "" {
		return nil
	}
	sch, err := compileSchema(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile port schema: %w", err)
	}
	norm, err := normalizeJSON(value)
	if err != nil {
		return fmt.Errorf("encode port value: %w", err)
	}
	return sch.Validate(norm)
}

func normalizeJSON(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
