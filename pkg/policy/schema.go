package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// policySchemaJSON is the JSON Schema (2020-12) every policy document
// must satisfy before it is admitted to the engine. Unknown fields are
// allowed so policy files can carry forward-compatible metadata.
const policySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://keiri-labs.io/schemas/policy.json",
  "type": "object",
  "required": ["name", "description", "policy_type", "rules"],
  "properties": {
    "policy_id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "policy_type": {
      "enum": ["compliance", "business_rule", "security", "financial", "operational", "audit"]
    },
    "version": {"type": "string"},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/rule"}
    },
    "metadata": {"type": "object"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "department": {"type": "string"},
    "owner": {"type": "string"},
    "status": {"enum": ["draft", "active", "deprecated", "suspended"]},
    "effective_date": {"type": ["string", "null"]},
    "expiry_date": {"type": ["string", "null"]}
  },
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["name", "description", "rule_type"],
      "properties": {
        "rule_id": {"type": "string"},
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "rule_type": {
          "enum": ["expression", "threshold", "approval_required", "segregation_duty"]
        },
        "expression": {"type": "string"},
        "parameters": {"type": "object"},
        "severity": {"enum": ["critical", "high", "medium", "low", "info"]},
        "enabled": {"type": "boolean"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func policySchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource("policy.json", strings.NewReader(policySchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("policy.json")
	})
	return schema, schemaErr
}

// ValidateDocument checks a raw policy document against the policy
// schema. It returns a descriptive error for the first failure.
func ValidateDocument(data []byte) error {
	sch, err := policySchema()
	if err != nil {
		return fmt.Errorf("compile policy schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("parse policy document: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("policy document invalid: %w", err)
	}
	return nil
}
