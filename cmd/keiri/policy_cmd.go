package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/config"
	"github.com/keiri-labs/keiri-engine/pkg/policy"
)

func runPolicyCmd(cfg *config.Config, sub string, args []string, stdout, stderr io.Writer) int {
	if cfg.PolicyDir == "" {
		fmt.Fprintf(stderr, "keiri: no policy directory configured; set %s\n", config.EnvPolicyDir)
		return 1
	}

	openEngine := func() (*policy.Engine, bool) {
		opts := []policy.Option{}
		if v, err := openVault(cfg); err == nil && v != nil {
			opts = append(opts, policy.WithVault(v))
		}
		eng, err := policy.New(cfg.PolicyDir, opts...)
		if err != nil {
			fmt.Fprintf(stderr, "keiri: %v\n", err)
			return nil, false
		}
		return eng, true
	}

	switch sub {
	case "list":
		eng, ok := openEngine()
		if !ok {
			return 1
		}
		now := time.Now()
		for _, p := range eng.List() {
			marker := " "
			if p.IsEffective(now) {
				marker = "*"
			}
			fmt.Fprintf(stdout, "%s %-28s v%-8s %-12s %s\n", marker, p.PolicyID, p.Version, p.Status, p.Name)
		}
		return 0

	case "eval":
		if len(args) < 1 || strings.HasPrefix(args[0], "-") {
			fmt.Fprintln(stderr, "usage: keiri policy eval <policy_id> -data <record.json>")
			return 2
		}
		policyID := args[0]
		fs := flag.NewFlagSet("policy eval", flag.ContinueOnError)
		fs.SetOutput(stderr)
		dataPath := fs.String("data", "", "JSON file with the record under test")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *dataPath == "" {
			fmt.Fprintln(stderr, "usage: keiri policy eval <policy_id> -data <record.json>")
			return 2
		}

		raw, err := os.ReadFile(*dataPath)
		if err != nil {
			fmt.Fprintf(stderr, "keiri: %v\n", err)
			return 1
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			fmt.Fprintf(stderr, "keiri: parse %s: %v\n", *dataPath, err)
			return 1
		}

		eng, ok := openEngine()
		if !ok {
			return 1
		}
		result := eng.Evaluate(policyID, data, map[string]any{"source": "cli"})
		printJSON(stdout, result)
		if !result.Success {
			return 1
		}
		return 0

	default:
		fmt.Fprintf(stderr, "keiri: unknown policy command %q\n", sub)
		return 2
	}
}
