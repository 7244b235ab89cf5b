package block

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const portSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rows"],
  "properties": {
    "rows": {"type": "array", "items": {"type": "object"}},
    "limit": {"type": "integer", "minimum": 1}
  }
}`

func TestValidateSchema(t *testing.T) {
	ok := map[string]any{"rows": []any{map[string]any{"a": 1.0}}, "limit": 5}
	require.NoError(t, ValidateSchema(portSchema, ok))

	missing := map[string]any{"limit": 5}
	assert.Error(t, ValidateSchema(portSchema, missing))

	badType := map[string]any{"rows": "not an array"}
	assert.Error(t, ValidateSchema(portSchema, badType))
}

func TestValidateSchemaEmptyPasses(t *testing.T) {
	assert.NoError(t, ValidateSchema("", map[string]any{"anything": true}))
	assert.NoError(t, ValidateSchema("   ", nil))
}

func TestValidateSchemaNormalizesGoValues(t *testing.T) {
	// Go ints and time values validate as their JSON wire forms.
	v := map[string]any{
		"rows":  []map[string]any{{"ts": time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)}},
		"limit": int64(3),
	}
	assert.NoError(t, ValidateSchema(portSchema, v))
}

func TestValidateSchemaBadDocument(t *testing.T) {
	err := ValidateSchema(`{"type": 42}`, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile")
}

func TestContextDefaults(t *testing.T) {
	var c *Context
	assert.NotNil(t, c.Ctx())
	assert.NotNil(t, c.Logger())
	assert.False(t, c.Now().IsZero())

	fixed := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	c = &Context{Clock: func() time.Time { return fixed }}
	assert.Equal(t, fixed, c.Now())
}
