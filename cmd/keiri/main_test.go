package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"keiri"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func clearEngineEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"KEIRI_AGENT_EVIDENCE_DIR", "KEIRI_AGENT_VAULT_KEY",
		"KEIRI_AGENT_POLICY_DIR", "KEIRI_AGENT_PLUGIN_DIR",
		"KEIRI_AGENT_LEDGER_DSN", "KEIRI_AGENT_REDIS_ADDR",
		"KEIRI_ARCHIVE_TYPE", "KEIRI_ARCHIVE_DIR",
		"OPENAI_API_KEY", "AZURE_OPENAI_API_KEY",
	} {
		t.Setenv(name, "")
	}
}

func TestUsageWithoutArgs(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage:")
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestBlocksListsCatalogue(t *testing.T) {
	clearEngineEnv(t)
	code, stdout, _ := runCLI(t, "blocks")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "table.pivot")
	assert.Contains(t, stdout, "control.approval_route")
	assert.Contains(t, stdout, "evidence.vault_store")
	assert.NotContains(t, stdout, "control.policy_validate",
		"policy validation requires a policy dir")
}

func TestRunPlanEndToEnd(t *testing.T) {
	clearEngineEnv(t)
	vaultDir := t.TempDir()
	t.Setenv("KEIRI_AGENT_EVIDENCE_DIR", vaultDir)
	t.Setenv("KEIRI_AGENT_VAULT_KEY", "cli-test-passphrase")
	t.Setenv("KEIRI_AGENT_LEDGER_DSN", "sqlite:"+filepath.Join(t.TempDir(), "runs.db"))

	planPath := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(`
id: expense_screen
version: 1.0.0
vars:
  limit: 100000
graph:
  - id: filter_large
    block: transforms.filter_items
    in:
      items:
        - {amount: 250000, dept: sales}
        - {amount: 4000, dept: sales}
      conditions:
        - {field: amount, operator: gt, value: "${vars.limit}"}
  - id: sample
    block: control.sampling
    in:
      population: ${filter_large.filtered}
      method: random
      size: 1
      seed: 42
    out:
      picked: samples
`), 0o644))

	code, stdout, stderr := runCLI(t, "run", planPath)
	require.Equal(t, 0, code, "stderr: %s", stderr)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, "expense_screen", result["plan_id"])

	runID, _ := result["run_id"].(string)
	require.NotEmpty(t, runID)

	// The run left a verifiable audit trail behind.
	code, stdout, stderr = runCLI(t, "vault", "audit", runID)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, `"valid": true`)

	// And the ledger remembers the run.
	code, stdout, _ = runCLI(t, "runs")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "expense_screen")
}

func TestDryRunTouchesNothing(t *testing.T) {
	clearEngineEnv(t)
	planPath := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(`
id: probe
graph:
  - id: one
    block: transforms.rename_fields
    in:
      items: []
`), 0o644))

	code, stdout, stderr := runCLI(t, "dryrun", planPath)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, "success", result["status"])
}

func TestRunMissingPlan(t *testing.T) {
	clearEngineEnv(t)
	code, _, stderr := runCLI(t, "run", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "plan file not found")
}

func TestVaultCommandsRequireConfiguration(t *testing.T) {
	clearEngineEnv(t)
	code, _, stderr := runCLI(t, "vault", "stats")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no vault configured")

	t.Setenv("KEIRI_AGENT_EVIDENCE_DIR", t.TempDir())
	code, _, stderr = runCLI(t, "vault", "stats")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "KEIRI_AGENT_VAULT_KEY")
}

func TestVaultVerifyEmptyVault(t *testing.T) {
	clearEngineEnv(t)
	t.Setenv("KEIRI_AGENT_EVIDENCE_DIR", t.TempDir())
	t.Setenv("KEIRI_AGENT_VAULT_KEY", "pw")

	code, stdout, stderr := runCLI(t, "vault", "verify")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, `"total_checked": 0`)
}

func TestVaultBackupReplicatesToArchive(t *testing.T) {
	clearEngineEnv(t)
	t.Setenv("KEIRI_AGENT_EVIDENCE_DIR", t.TempDir())
	t.Setenv("KEIRI_AGENT_VAULT_KEY", "pw")
	archiveDir := t.TempDir()
	t.Setenv("KEIRI_ARCHIVE_TYPE", "fs")
	t.Setenv("KEIRI_ARCHIVE_DIR", archiveDir)

	code, stdout, stderr := runCLI(t, "vault", "backup")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "backup written:")
	assert.Contains(t, stdout, "archived as")

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "snapshot replicated to the archive store")
}

func TestPolicyListRequiresDir(t *testing.T) {
	clearEngineEnv(t)
	code, _, stderr := runCLI(t, "policy", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "KEIRI_AGENT_POLICY_DIR")
}

func TestPolicyEvalFlow(t *testing.T) {
	clearEngineEnv(t)
	policyDir := t.TempDir()
	t.Setenv("KEIRI_AGENT_POLICY_DIR", policyDir)

	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "expense_limits.json"), []byte(`{
		"policy_id": "expense_limits",
		"name": "Expense limits",
		"description": "Caps single expense postings.",
		"policy_type": "financial",
		"version": "1.0.0",
		"status": "active",
		"rules": [
			{
				"rule_id": "r1",
				"name": "amount cap",
				"description": "No posting above one million.",
				"rule_type": "threshold",
				"severity": "high",
				"enabled": true,
				"parameters": {"field": "amount", "threshold": 1000000, "operator": ">"}
			}
		]
	}`), 0o644))

	code, stdout, _ := runCLI(t, "policy", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "expense_limits")

	dataPath := filepath.Join(t.TempDir(), "record.json")
	require.NoError(t, os.WriteFile(dataPath, []byte(`{"amount": 2000000}`), 0o644))

	code, stdout, _ = runCLI(t, "policy", "eval", "expense_limits", "-data", dataPath)
	assert.Equal(t, 1, code, "violation should exit nonzero")
	assert.Contains(t, stdout, "threshold_exceeded")

	require.NoError(t, os.WriteFile(dataPath, []byte(`{"amount": 500}`), 0o644))
	code, stdout, _ = runCLI(t, "policy", "eval", "expense_limits", "-data", dataPath)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, `"success": true`)
}

func TestDoctorReportsEnvironment(t *testing.T) {
	clearEngineEnv(t)
	code, stdout, _ := runCLI(t, "doctor")
	require.Equal(t, 0, code)
	for _, probe := range []string{"vault", "policies", "libreoffice", "redis", "signing"} {
		assert.True(t, strings.Contains(stdout, probe), "doctor output mentions %s", probe)
	}
}
