package excel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// Engine names for workbook recalculation.
const (
	engineLibreOffice = "libreoffice"
	engineFormula     = "formula"
)

// Recalc statuses surfaced in the read summary and in error details.
const (
	recalcSkipped  = "skipped"
	recalcTwoPass  = "ok_2pass"
	recalcFormula  = "formula_ok"
	recalcTimedOut = "timeout"
)

const defaultRecalcTimeout = 120 * time.Second

type recalcConfig struct {
	enabled bool
	engine  string
	soffice string
	timeout time.Duration
}

// recalcFrom accepts the shorthand and object recalc forms: a bare
// bool, an engine or truthy string, or {enabled, engine, soffice_path,
// timeout_sec}.
func recalcFrom(v any) recalcConfig {
	rc := recalcConfig{engine: engineLibreOffice, timeout: defaultRecalcTimeout}
	switch cfg := v.(type) {
	case bool:
		rc.enabled = cfg
	case string:
		switch strings.ToLower(strings.TrimSpace(cfg)) {
		case engineFormula:
			rc.enabled = true
			rc.engine = engineFormula
		case "true", "1", "yes", "y", "on", engineLibreOffice:
			rc.enabled = true
		}
	case map[string]any:
		rc.enabled = boolFrom(cfg, "enabled", true)
		if strings.EqualFold(strings.TrimSpace(strOf(cfg["engine"])), engineFormula) {
			rc.engine = engineFormula
		}
		rc.soffice = strOf(cfg["soffice_path"])
		if sec := floatFrom(cfg, "timeout_sec", 0); sec > 0 {
			rc.timeout = time.Duration(sec * float64(time.Second))
		}
	}
	return rc
}

// resolveSoffice picks the LibreOffice binary: the explicit
// soffice_path input, then LIBREOFFICE_PATH, then PATH lookup.
func resolveSoffice(explicit string) string {
	candidates := make([]string, 0, 3)
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if env := os.Getenv("LIBREOFFICE_PATH"); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, "soffice")
	for _, c := range candidates {
		if filepath.IsAbs(c) {
			if _, err := os.Stat(c); err == nil {
				return c
			}
			continue
		}
		if resolved, err := exec.LookPath(c); err == nil {
			return resolved
		}
	}
	return ""
}

// recalcLibreOffice round-trips the workbook through headless
// LibreOffice in a scratch directory: once to ODS, which forces a full
// recalculation on load, and back to XLSX so the converted file
// carries computed values. The source workbook is never written.
// Timeouts map to EXTERNAL_TIMEOUT, every other failure to
// EXTERNAL_API_ERROR.
func recalcLibreOffice(ctx context.Context, src workbookSource, rc recalcConfig) ([]byte, error) {
	soff := resolveSoffice(rc.soffice)
	recalced, status := convertTwoPass(ctx, soff, src, rc.timeout)
	if recalced == nil {
		code := blockerr.CodeExternalAPIError
		if status == recalcTimedOut {
			code = blockerr.CodeExternalTimeout
		}
		return nil, blockerr.New(code, "LibreOffice headless recalc failed").
			WithDetail("status", status).
			WithDetail("soffice_path", soff).
			WithHint("install LibreOffice and expose it on PATH, or point recalc.soffice_path or LIBREOFFICE_PATH at the soffice binary").
			WithRecoverable(false)
	}
	return recalced, nil
}

func convertTwoPass(ctx context.Context, soff string, src workbookSource, timeout time.Duration) ([]byte, string) {
	if soff == "" {
		return nil, "soffice_not_found"
	}
	scratch, err := os.MkdirTemp("", "recalc-*")
	if err != nil {
		return nil, "failed"
	}
	defer os.RemoveAll(scratch)

	base := "input.xlsx"
	if src.name != "" {
		base = filepath.Base(strings.ReplaceAll(src.name, "\\", "/"))
	}
	payload := src.bytes
	if len(payload) == 0 {
		if payload, err = os.ReadFile(src.path); err != nil {
			return nil, "failed"
		}
	}
	in := filepath.Join(scratch, base)
	if err := os.WriteFile(in, payload, 0o600); err != nil {
		return nil, "failed"
	}

	rcode, timedOut := runConvert(ctx, soff, timeout, "ods", scratch, in)
	if timedOut {
		return nil, recalcTimedOut
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	ods := filepath.Join(scratch, stem+".ods")
	if _, err := os.Stat(ods); err != nil {
		return nil, fmt.Sprintf("convert_to_ods_missing_output (rc=%d)", rcode)
	}
	// A stable intermediate name keeps the second pass independent of
	// whatever the caller named the workbook.
	stable := filepath.Join(scratch, "recalc.ods")
	if err := os.Rename(ods, stable); err != nil {
		stable = ods
	}

	rcode, timedOut = runConvert(ctx, soff, timeout, "xlsx:Calc MS Excel 2007 XML", scratch, stable)
	if timedOut {
		return nil, recalcTimedOut
	}
	out := strings.TrimSuffix(stable, ".ods") + ".xlsx"
	recalced, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Sprintf("convert_to_xlsx_missing_output (rc=%d)", rcode)
	}
	return recalced, recalcTwoPass
}

// runConvert runs one headless conversion pass under its own deadline.
// Success is judged by the output file, not the exit code, since
// soffice exits zero on some conversion failures.
func runConvert(ctx context.Context, soff string, timeout time.Duration, filter, outDir, in string) (int, bool) {
	passCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(passCtx, soff, "--headless", "--convert-to", filter, "--outdir", outDir, in)
	_ = cmd.Run()
	if errors.Is(passCtx.Err(), context.DeadlineExceeded) {
		return -1, true
	}
	if cmd.ProcessState == nil {
		return -1, false
	}
	return cmd.ProcessState.ExitCode(), false
}
