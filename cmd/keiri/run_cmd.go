package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blocks"
	"github.com/keiri-labs/keiri-engine/pkg/blocks/wasm"
	"github.com/keiri-labs/keiri-engine/pkg/config"
	"github.com/keiri-labs/keiri-engine/pkg/embed"
	"github.com/keiri-labs/keiri-engine/pkg/engine"
	"github.com/keiri-labs/keiri-engine/pkg/identity"
	"github.com/keiri-labs/keiri-engine/pkg/policy"
	"github.com/keiri-labs/keiri-engine/pkg/runledger"
	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

// varFlag collects repeated -var k=v pairs.
type varFlag map[string]any

func (v varFlag) String() string { return "" }

func (v varFlag) Set(s string) error {
	k, val, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected k=v, got %q", s)
	}
	v[k] = val
	return nil
}

func openVault(cfg *config.Config) (*vault.Vault, error) {
	if cfg.EvidenceDir == "" {
		return nil, nil
	}
	if cfg.VaultKey == "" {
		return nil, fmt.Errorf("%s is set but %s is empty", config.EnvEvidenceDir, config.EnvVaultKey)
	}
	return vault.Open(cfg.EvidenceDir, cfg.VaultKey)
}

// buildRegistry assembles the block catalogue from configuration:
// the standard set, policy validation when a policy directory is
// configured, embeddings when an API key is present, and WASM
// plugins from the plugin directory. The returned closer releases
// the plugin runtime.
func buildRegistry(ctx context.Context, cfg *config.Config, v *vault.Vault, stderr io.Writer) (*block.Registry, func(), error) {
	opts := blocks.Options{
		DecisionTokens: identity.DecisionTokensFromEnv(),
	}

	if cfg.PolicyDir != "" {
		pOpts := []policy.Option{}
		if v != nil {
			pOpts = append(pOpts, policy.WithVault(v))
		}
		eng, err := policy.New(cfg.PolicyDir, pOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("load policies: %w", err)
		}
		opts.Policy = eng
	}

	if os.Getenv("OPENAI_API_KEY") != "" {
		provider, err := embed.FromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("embedding provider: %w", err)
		}
		opts.Embedder = provider
	}

	closer := func() {}
	if cfg.PluginDir != "" {
		host := wasm.NewHost(ctx, 0)
		plugins, err := wasm.LoadDir(host, cfg.PluginDir, nil)
		if err != nil {
			_ = host.Close(ctx)
			return nil, nil, fmt.Errorf("load plugins: %w", err)
		}
		for _, p := range plugins {
			opts.Extra = append(opts.Extra, p)
		}
		closer = func() { _ = host.Close(ctx) }
	}

	reg := block.NewRegistry()
	if err := blocks.RegisterStandard(reg, opts); err != nil {
		closer()
		return nil, nil, err
	}
	_ = stderr
	return reg, closer, nil
}

func runPlanCmd(cfg *config.Config, args []string, stdout, stderr io.Writer, dry bool) int {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(stderr, "usage: keiri run <plan.yaml> [-var k=v]... [-workspace dir] [-profile file]")
		return 2
	}
	planPath := args[0]

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	vars := varFlag{}
	fs.Var(vars, "var", "plan variable override, k=v (repeatable)")
	workspace := fs.String("workspace", "", "scratch directory for the run")
	profilePath := fs.String("profile", "", "workspace profile YAML")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	if *profilePath != "" {
		p, err := config.LoadProfile(*profilePath)
		if err != nil {
			fmt.Fprintf(stderr, "keiri: %v\n", err)
			return 1
		}
		cfg.Apply(p)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plan, err := engine.LoadPlan(planPath)
	if err != nil {
		fmt.Fprintf(stderr, "keiri: %v\n", err)
		return 1
	}

	v, err := openVault(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "keiri: %v\n", err)
		return 1
	}

	reg, closer, err := buildRegistry(ctx, cfg, v, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "keiri: %v\n", err)
		return 1
	}
	defer closer()

	recorder, err := runledger.Open(ctx, cfg.LedgerDSN)
	if err != nil {
		fmt.Fprintf(stderr, "keiri: %v\n", err)
		return 1
	}

	execOpts := []engine.ExecutorOption{}
	if v != nil {
		execOpts = append(execOpts, engine.WithVault(v))
	}
	exec := engine.NewExecutor(reg, execOpts...)
	runner := engine.NewRunner(exec, engine.WithRunRecorder(recorder))

	result, runErr := runner.Run(ctx, plan, engine.RunOptions{
		Vars:      vars,
		Workspace: *workspace,
		DryRun:    dry,
	})
	if result != nil {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(out))
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "keiri: run failed: %v\n", runErr)
		return 1
	}
	return 0
}

func runBlocksCmd(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	v, err := openVault(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "keiri: %v\n", err)
		return 1
	}
	reg, closer, err := buildRegistry(ctx, cfg, v, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "keiri: %v\n", err)
		return 1
	}
	defer closer()

	for _, spec := range reg.List() {
		if spec.Description != "" {
			fmt.Fprintf(stdout, "%-34s %-8s %s\n", spec.ID, spec.Version, spec.Description)
		} else {
			fmt.Fprintf(stdout, "%-34s %s\n", spec.ID, spec.Version)
		}
	}
	return 0
}

func runRunsCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	recorder, err := runledger.Open(ctx, cfg.LedgerDSN)
	if err != nil {
		fmt.Fprintf(stderr, "keiri: %v\n", err)
		return 1
	}
	runs, err := recorder.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "keiri: %v\n", err)
		return 1
	}
	for _, r := range runs {
		fmt.Fprintf(stdout, "%-28s %-20s %-8s blocks %d/%d\n",
			r.RunID, r.PlanID, r.Status, r.BlocksOK, r.BlocksTotal)
	}
	return 0
}
