// Package wasm runs plugin blocks compiled to WebAssembly. Plugins
// live under a directory of <id>/<version>/{manifest.json,block.wasm};
// each executes sandboxed with no filesystem, network, or environment
// access, exchanging JSON over stdin and stdout.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// DefaultTimeout bounds one plugin execution.
const DefaultTimeout = 30 * time.Second

// Host owns the wazero runtime shared by every plugin block.
type Host struct {
	runtime wazero.Runtime
}

// NewHost creates the runtime with an optional memory ceiling in
// bytes. WASI is instantiated deny-by-default: stdio only, no mounts,
// no environment, no wall clock beyond the coarse default.
func NewHost(ctx context.Context, memoryLimitBytes int64) *Host {
	cfg := wazero.NewRuntimeConfig()
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &Host{runtime: r}
}

// Close releases every compiled module and the runtime itself.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// PluginBlock is one WASM plugin exposed through the block contract.
// The module is compiled lazily on first run so a broken plugin does
// not prevent the rest of the catalogue from loading.
type PluginBlock struct {
	host     *Host
	manifest Manifest
	wasmPath string

	// Timeout bounds one execution; DefaultTimeout when zero.
	Timeout time.Duration
}

func (b *PluginBlock) ID() string      { return b.manifest.ID }
func (b *PluginBlock) Version() string { return b.manifest.Version }

func (b *PluginBlock) Spec() block.Spec {
	return block.Spec{
		ID:           b.manifest.ID,
		Version:      b.manifest.Version,
		Description:  b.manifest.Description,
		InputSchema:  string(b.manifest.InputSchema),
		OutputSchema: string(b.manifest.OutputSchema),
	}
}

// pluginError is the error shape a plugin may print to stdout instead
// of its outputs.
type pluginError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *PluginBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	wasmBytes, err := os.ReadFile(b.wasmPath)
	if err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeBlockInitializationFailed,
			"plugin module unreadable").WithDetail("path", b.wasmPath)
	}

	stdin, err := json.Marshal(map[string]any{"inputs": inputs})
	if err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeInputValidationFailed,
			"plugin inputs are not JSON-encodable")
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx.Ctx(), timeout)
	defer cancel()

	compiled, err := b.host.runtime.CompileModule(runCtx, wasmBytes)
	if err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeBlockInitializationFailed,
			"plugin compilation failed").WithDetail("block_id", b.manifest.ID)
	}
	defer func() { _ = compiled.Close(runCtx) }()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(b.manifest.ID).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := b.host.runtime.InstantiateModule(runCtx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(runCtx) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			// Normal termination through proc_exit(0).
		} else {
			if runCtx.Err() != nil {
				return nil, blockerr.Newf(blockerr.CodeExternalTimeout,
					"plugin %s timed out after %s", b.manifest.ID, timeout)
			}
			return nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed,
				"plugin execution failed").
				WithDetail("block_id", b.manifest.ID).
				WithDetail("stderr", stderr.String())
		}
	}

	return decodeOutputs(b.manifest.ID, stdout.Bytes(), stderr.Bytes())
}

func decodeOutputs(id string, stdout, stderr []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, blockerr.Newf(blockerr.CodeBlockExecutionFailed,
			"plugin %s produced no output", id).
			WithDetail("stderr", string(stderr))
	}

	var perr pluginError
	if json.Unmarshal(trimmed, &perr) == nil && perr.Error.Message != "" {
		code := blockerr.Code(perr.Error.Code)
		if !code.Valid() {
			code = blockerr.CodeBlockExecutionFailed
		}
		return nil, blockerr.New(code, perr.Error.Message).WithDetail("block_id", id)
	}

	var outputs map[string]any
	if err := json.Unmarshal(trimmed, &outputs); err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeOutputGenerationFailed,
			"plugin output is not a JSON object").WithDetail("block_id", id)
	}
	return outputs, nil
}
