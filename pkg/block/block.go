// Package block defines the execution contract every block
// implements, the registry that resolves blocks by id and version,
// and the typed input accessors blocks use to validate their inputs.
package block

import (
	"context"
	"log/slog"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

// Block is one executable unit of work. Implementations receive their
// inputs as a decoded JSON object and return their outputs the same
// way. Every error returned to the engine must be (or will be wrapped
// into) a *blockerr.Error.
type Block interface {
	ID() string
	Version() string
	Run(ctx *Context, inputs map[string]any) (map[string]any, error)
}

// DryRunner is implemented by blocks that can produce a plausible
// output shape without side effects, used during plan validation.
type DryRunner interface {
	DryRun(ctx *Context, inputs map[string]any) (map[string]any, error)
}

// Specced is implemented by blocks that declare JSON Schemas for
// their ports. The engine validates inputs and outputs against them.
type Specced interface {
	Spec() Spec
}

// Spec declares a block's ports. Schemas are JSON Schema documents;
// an empty schema means no validation for that side.
type Spec struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	Description  string `json:"description,omitempty"`
	InputSchema  string `json:"input_schema,omitempty"`
	OutputSchema string `json:"output_schema,omitempty"`
}

// Context carries per-execution state into a block. Fields may be nil
// or zero when the block runs outside a full engine (tests, CLI
// probes); use the accessor methods for nil-safe defaults.
type Context struct {
	// Context carries cancellation and deadlines. Blocks doing IO or
	// spawning processes must honor it.
	Context context.Context

	RunID  string
	PlanID string
	NodeID string

	// Workspace is a scratch directory owned by the current run.
	Workspace string

	// Vault is the evidence sink. Nil when no vault is attached.
	Vault *vault.Vault

	Log   *slog.Logger
	Clock func() time.Time

	// DryRun is set during plan validation. Blocks without a DryRun
	// implementation may consult it to skip side effects.
	DryRun bool
}

// Ctx returns the cancellation context, defaulting to Background.
func (c *Context) Ctx() context.Context {
	if c == nil || c.Context == nil {
		return context.Background()
	}
	return c.Context
}

// Logger returns the block logger, never nil.
func (c *Context) Logger() *slog.Logger {
	if c == nil || c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// Now returns the context clock time, defaulting to wall time.
func (c *Context) Now() time.Time {
	if c == nil || c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}
