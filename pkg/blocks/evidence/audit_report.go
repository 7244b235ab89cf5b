package evidence

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

// AuditReportBlock inventories vault evidence into a CSV working paper
// under <vault root>/reports/, optionally re-verifying each item's
// hash on the way through.
type AuditReportBlock struct{}

func (AuditReportBlock) ID() string      { return "evidence.audit_report" }
func (AuditReportBlock) Version() string { return "1.0.0" }

func (AuditReportBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	v, err := vaultFrom(ctx)
	if err != nil {
		return nil, err
	}
	scope, err := block.MapOr(inputs, "report_scope")
	if err != nil {
		return nil, err
	}
	verify, err := block.BoolOr(inputs, "verify_integrity", false)
	if err != nil {
		return nil, err
	}

	criteria := vault.SearchCriteria{
		RunID:   coerce(scope["run_id"]),
		BlockID: coerce(scope["block_id"]),
	}
	results, err := v.Search(criteria, 0)
	if err != nil {
		return nil, err
	}

	integrity := map[string]string{}
	passed, failed := 0, 0
	if verify && len(results) > 0 {
		ids := make([]string, 0, len(results))
		for _, r := range results {
			ids = append(ids, r.EvidenceID)
		}
		report, err := v.VerifyIntegrity(ids)
		if err != nil {
			return nil, err
		}
		passed, failed = report.Passed, report.Failed
		for _, e := range report.Errors {
			integrity[e.EvidenceID] = e.Error
		}
	}

	dir := filepath.Join(v.Root(), "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed, "report directory create failed")
	}
	path := filepath.Join(dir, "evidence_audit_"+ctx.Now().UTC().Format("20060102T150405")+".csv")
	f, err := os.Create(path)
	if err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed, "report create failed")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{{"evidence_id", "evidence_type", "run_id", "block_id", "timestamp", "file_path", "tags", "integrity"}}
	for _, r := range results {
		status := ""
		if verify {
			status = "ok"
			if msg, bad := integrity[r.EvidenceID]; bad {
				status = "failed: " + msg
			}
		}
		rows = append(rows, []string{
			r.EvidenceID,
			string(r.EvidenceType),
			r.RunID,
			r.BlockID,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.FilePath,
			strings.Join(r.Tags, "|"),
			status,
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed, "report write failed")
	}

	return map[string]any{
		"audit_report": map[string]any{
			"count":    len(results),
			"verified": verify,
			"passed":   passed,
			"failed":   failed,
		},
		"report_file_path": path,
	}, nil
}
