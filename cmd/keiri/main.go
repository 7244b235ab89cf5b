// Command keiri runs audit-workflow plans against the block engine
// and inspects the evidence vault they produce.
package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq" // postgres driver for the run ledger

	"github.com/keiri-labs/keiri-engine/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cfg := config.Load()

	switch args[1] {
	case "run":
		return runPlanCmd(cfg, args[2:], stdout, stderr, false)
	case "dryrun":
		return runPlanCmd(cfg, args[2:], stdout, stderr, true)
	case "blocks":
		return runBlocksCmd(cfg, stdout, stderr)
	case "vault":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "usage: keiri vault <verify|stats|search|lineage|audit> …")
			return 2
		}
		return runVaultCmd(cfg, args[2], args[3:], stdout, stderr)
	case "policy":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "usage: keiri policy <list|eval> …")
			return 2
		}
		return runPolicyCmd(cfg, args[2], args[3:], stdout, stderr)
	case "runs":
		return runRunsCmd(cfg, args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(cfg, stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "keiri: unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `keiri — block-based audit workflow engine

Usage:
  keiri run <plan.yaml> [-var k=v]... [-workspace dir]
  keiri dryrun <plan.yaml>
  keiri blocks
  keiri vault verify [evidence_id ...]
  keiri vault stats
  keiri vault search [-run id] [-block id] [-type kind] [-tag t]... [-limit n]
  keiri vault lineage <run_id>
  keiri vault audit <run_id>
  keiri vault backup
  keiri policy list
  keiri policy eval <policy_id> -data <record.json>
  keiri runs [-limit n]
  keiri doctor

Environment:
  KEIRI_AGENT_EVIDENCE_DIR   evidence vault root
  KEIRI_AGENT_VAULT_KEY      vault passphrase
  KEIRI_AGENT_POLICY_DIR     policy JSON directory
  KEIRI_AGENT_PLUGIN_DIR     WASM plugin directory
  KEIRI_AGENT_LEDGER_DSN     run ledger (memory | sqlite:<path> | postgres://…)
  KEIRI_AGENT_REDIS_ADDR     shared rate limiter
  LIBREOFFICE_PATH           office binary for spreadsheet recalculation
`)
}
