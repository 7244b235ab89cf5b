package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/config"
	"github.com/keiri-labs/keiri-engine/pkg/vault"
	"github.com/keiri-labs/keiri-engine/pkg/vault/archive"
)

// stringsFlag collects repeated string flags.
type stringsFlag []string

func (s *stringsFlag) String() string { return "" }

func (s *stringsFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func mustVault(cfg *config.Config, stderr io.Writer) *vault.Vault {
	v, err := openVault(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "keiri: %v\n", err)
		return nil
	}
	if v == nil {
		fmt.Fprintf(stderr, "keiri: no vault configured; set %s and %s\n",
			config.EnvEvidenceDir, config.EnvVaultKey)
		return nil
	}
	return v
}

func printJSON(w io.Writer, v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(out))
}

func runVaultCmd(cfg *config.Config, sub string, args []string, stdout, stderr io.Writer) int {
	v := mustVault(cfg, stderr)
	if v == nil {
		return 1
	}

	switch sub {
	case "verify":
		report, err := v.VerifyIntegrity(args)
		if err != nil {
			fmt.Fprintf(stderr, "keiri: %v\n", err)
			return 1
		}
		printJSON(stdout, report)
		if report.Failed > 0 {
			return 1
		}
		return 0

	case "stats":
		stats, err := v.Statistics(time.Time{}, time.Time{})
		if err != nil {
			fmt.Fprintf(stderr, "keiri: %v\n", err)
			return 1
		}
		printJSON(stdout, stats)
		return 0

	case "search":
		fs := flag.NewFlagSet("vault search", flag.ContinueOnError)
		fs.SetOutput(stderr)
		runID := fs.String("run", "", "run id")
		blockID := fs.String("block", "", "block id")
		evType := fs.String("type", "", "evidence kind")
		limit := fs.Int("limit", 20, "maximum hits")
		var tags stringsFlag
		fs.Var(&tags, "tag", "tag filter (repeatable)")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		results, err := v.Search(vault.SearchCriteria{
			RunID:        *runID,
			BlockID:      *blockID,
			EvidenceType: vault.EvidenceType(*evType),
			Tags:         tags,
		}, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "keiri: %v\n", err)
			return 1
		}
		printJSON(stdout, results)
		return 0

	case "lineage":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "usage: keiri vault lineage <run_id>")
			return 2
		}
		lineage, err := v.BuildLineage(args[0])
		if err != nil {
			fmt.Fprintf(stderr, "keiri: %v\n", err)
			return 1
		}
		printJSON(stdout, lineage)
		return 0

	case "audit":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "usage: keiri vault audit <run_id>")
			return 2
		}
		report, err := v.VerifyAuditTrail(args[0])
		if err != nil {
			fmt.Fprintf(stderr, "keiri: %v\n", err)
			return 1
		}
		printJSON(stdout, report)
		if !report.Valid {
			return 1
		}
		return 0

	case "backup":
		snapshot, err := v.Backup()
		if err != nil {
			fmt.Fprintf(stderr, "keiri: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "backup written: %s\n", snapshot)

		if os.Getenv("KEIRI_ARCHIVE_TYPE") == "" && os.Getenv("KEIRI_ARCHIVE_DIR") == "" {
			return 0
		}
		ctx := context.Background()
		store, err := archive.NewStoreFromEnv(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "keiri: archive store: %v\n", err)
			return 1
		}
		name, hash, err := archive.ArchiveFile(ctx, store, snapshot)
		if err != nil {
			fmt.Fprintf(stderr, "keiri: archive upload: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "archived as %s (sha256 %s)\n", name, hash)
		return 0

	default:
		fmt.Fprintf(stderr, "keiri: unknown vault command %q\n", sub)
		return 2
	}
}
