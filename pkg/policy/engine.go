package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

// Engine loads policies from a directory and evaluates them against
// data records. Rule failures become categorized violations; rule
// errors become synthetic high-severity violations. Evaluation never
// aborts mid-policy.
type Engine struct {
	dir   string
	vault *vault.Vault
	log   *slog.Logger
	clock func() time.Time
	expr  *exprEvaluator

	mu         sync.RWMutex
	policies   map[string]*Policy
	violations []Violation
	auditLogs  []AuditLog
}

// Option configures an Engine.
type Option func(*Engine)

// WithVault attaches an evidence vault; every evaluation result is
// then stored as control_result evidence.
func WithVault(v *vault.Vault) Option {
	return func(e *Engine) { e.vault = v }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// New creates an engine over the given policy directory, creating it
// if needed, and loads every *.json policy file in it. Malformed
// files are skipped with a warning.
func New(dir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		dir:      dir,
		log:      slog.Default().With("component", "policy"),
		clock:    time.Now,
		policies: map[string]*Policy{},
	}
	for _, opt := range opts {
		opt(e)
	}
	var err error
	if e.expr, err = newExprEvaluator(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create policy dir: %w", err)
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the policy directory, replacing the in-memory set.
func (e *Engine) Reload() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("read policy dir: %w", err)
	}

	loaded := map[string]*Policy{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(e.dir, entry.Name())
		p, err := e.loadFile(path)
		if err != nil {
			e.log.Warn("skipping policy file", "path", path, "error", err)
			continue
		}
		loaded[p.PolicyID] = p
	}

	e.mu.Lock()
	e.policies = loaded
	e.mu.Unlock()
	e.log.Info("policies loaded", "count", len(loaded), "dir", e.dir)
	return nil
}

func (e *Engine) loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	p.setDefaults(e.clock())
	return &p, nil
}

// Get returns a policy by ID.
func (e *Engine) Get(policyID string) (*Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[policyID]
	return p, ok
}

// List returns all loaded policies sorted by ID.
func (e *Engine) List() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

// Save validates the policy, writes it to <policy_id>.json in the
// policy directory, and registers it in memory. The write is atomic.
func (e *Engine) Save(p *Policy, actor string) error {
	now := e.clock()
	p.setDefaults(now)
	p.UpdatedAt = now

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", p.PolicyID, err)
	}
	if err := ValidateDocument(data); err != nil {
		return err
	}

	path := filepath.Join(e.dir, p.PolicyID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write policy %s: %w", p.PolicyID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write policy %s: %w", p.PolicyID, err)
	}

	e.mu.Lock()
	e.policies[p.PolicyID] = p
	e.mu.Unlock()

	e.audit(p.PolicyID, "saved", actor, map[string]any{
		"policy_name":    p.Name,
		"policy_version": p.Version,
	})
	e.log.Info("policy saved", "policy_id", p.PolicyID, "name", p.Name, "actor", actor)
	return nil
}

// Delete removes a policy from disk and memory.
func (e *Engine) Delete(policyID, actor string) error {
	e.mu.Lock()
	p, ok := e.policies[policyID]
	if ok {
		delete(e.policies, policyID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("policy not found: %s", policyID)
	}
	if err := os.Remove(filepath.Join(e.dir, policyID+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete policy %s: %w", policyID, err)
	}
	e.audit(policyID, "deleted", actor, map[string]any{"policy_name": p.Name})
	return nil
}

// Evaluate runs one policy against a data record. The result is never
// accompanied by a Go error: lookup failures surface as
// success=false with an error message, and rule failures surface as
// violations. evalCtx may carry "actor" and "run_id" for audit and
// evidence attribution.
func (e *Engine) Evaluate(policyID string, data, evalCtx map[string]any) *ExecutionResult {
	start := e.clock()
	result := &ExecutionResult{
		PolicyID:    policyID,
		ExecutionID: uuid.New().String(),
		ExecutedAt:  start,
		Violations:  []Violation{},
		Context:     evalCtx,
	}

	p, ok := e.Get(policyID)
	if !ok {
		result.ErrorMessage = fmt.Sprintf("policy not found: %s", policyID)
		e.finalize(result, start)
		return result
	}
	if !p.IsEffective(start) {
		result.ErrorMessage = fmt.Sprintf("policy not effective: %s", p.Name)
		e.finalize(result, start)
		return result
	}

	for _, rule := range p.ActiveRules() {
		result.RulesEvaluated++
		before := len(result.Violations)
		e.evalRule(p, rule, data, evalCtx, result)
		if len(result.Violations) == before {
			result.RulesPassed++
		}
	}
	result.Success = true
	e.finalize(result, start)

	e.mu.Lock()
	e.violations = append(e.violations, result.Violations...)
	e.mu.Unlock()

	actor := "system"
	if a, ok := evalCtx["actor"].(string); ok && a != "" {
		actor = a
	}
	e.audit(policyID, "executed", actor, map[string]any{
		"rules_evaluated":  result.RulesEvaluated,
		"violations_found": len(result.Violations),
	})

	if e.vault != nil {
		if err := e.storeExecution(result, data, evalCtx); err != nil {
			e.log.Warn("failed to store policy execution evidence",
				"policy_id", policyID, "error", err)
		}
	}
	return result
}

// EvaluateAll runs every currently effective policy against the
// record, in policy ID order.
func (e *Engine) EvaluateAll(data, evalCtx map[string]any) []*ExecutionResult {
	now := e.clock()
	var results []*ExecutionResult
	for _, p := range e.List() {
		if !p.IsEffective(now) {
			continue
		}
		results = append(results, e.Evaluate(p.PolicyID, data, evalCtx))
	}
	return results
}

func (e *Engine) finalize(result *ExecutionResult, start time.Time) {
	result.ExecutionTimeMS = float64(e.clock().Sub(start).Microseconds()) / 1000.0
}

func (e *Engine) evalRule(p *Policy, rule Rule, data, evalCtx map[string]any, result *ExecutionResult) {
	switch rule.RuleType {
	case RuleExpression:
		e.evalExpression(p, rule, data, evalCtx, result)
	case RuleThreshold:
		e.evalThreshold(p, rule, data, evalCtx, result)
	case RuleApprovalRequired:
		e.evalApprovalRequired(p, rule, data, evalCtx, result)
	case RuleSegregationDuty:
		e.evalSegregationDuty(p, rule, data, evalCtx, result)
	default:
		result.addViolation(e.newViolation(p, rule, ViolationRule, rule.Severity,
			rule.Name, fmt.Sprintf("unknown rule type: %s", rule.RuleType), data, evalCtx))
	}
}

func (e *Engine) evalExpression(p *Policy, rule Rule, data, evalCtx map[string]any, result *ExecutionResult) {
	ok, err := e.expr.Eval(rule.Expression, data)
	if err != nil {
		result.addViolation(e.newViolation(p, rule, ViolationRule, SeverityHigh,
			rule.Name, fmt.Sprintf("expression rule failed: %v", err), data, evalCtx))
		return
	}
	if !ok {
		result.addViolation(e.newViolation(p, rule, ViolationRule, rule.Severity,
			rule.Name, fmt.Sprintf("expression not satisfied: %s", rule.Expression), data, evalCtx))
	}
}

func (e *Engine) evalThreshold(p *Policy, rule Rule, data, evalCtx map[string]any, result *ExecutionResult) {
	field, _ := rule.Parameters["field"].(string)
	threshold, thresholdOK := toFloat(rule.Parameters["threshold"])
	if field == "" || !thresholdOK {
		result.addViolation(e.newViolation(p, rule, ViolationRule, SeverityHigh,
			rule.Name, "invalid threshold rule parameters: field and threshold are required", data, evalCtx))
		return
	}
	operator := ">"
	if op, ok := rule.Parameters["operator"].(string); ok && op != "" {
		operator = op
	}

	raw, present := data[field]
	if !present {
		result.addViolation(e.newViolation(p, rule, ViolationRule, rule.Severity,
			rule.Name, fmt.Sprintf("field %s not present in data", field), data, evalCtx))
		return
	}
	value, ok := toFloat(raw)
	if !ok {
		result.addViolation(e.newViolation(p, rule, ViolationRule, SeverityHigh,
			rule.Name, fmt.Sprintf("field %s is not numeric: %v", field, raw), data, evalCtx))
		return
	}

	exceeded, err := compare(value, operator, threshold)
	if err != nil {
		result.addViolation(e.newViolation(p, rule, ViolationRule, SeverityHigh,
			rule.Name, err.Error(), data, evalCtx))
		return
	}
	if exceeded {
		result.addViolation(e.newViolation(p, rule, ViolationThresholdExceeded, rule.Severity,
			rule.Name,
			fmt.Sprintf("field %s value %s %s threshold %s",
				field, formatNumber(value), operator, formatNumber(threshold)),
			data, evalCtx))
	}
}

func (e *Engine) evalApprovalRequired(p *Policy, rule Rule, data, evalCtx map[string]any, result *ExecutionResult) {
	status, _ := data["approval_status"].(string)
	if status != "approved" {
		if status == "" {
			status = "missing"
		}
		result.addViolation(e.newViolation(p, rule, ViolationMissingApproval, rule.Severity,
			rule.Name, fmt.Sprintf("approval required but status is %s", status), data, evalCtx))
	}
}

func (e *Engine) evalSegregationDuty(p *Policy, rule Rule, data, evalCtx map[string]any, result *ExecutionResult) {
	initiatorField := "initiator"
	if f, ok := rule.Parameters["initiator_field"].(string); ok && f != "" {
		initiatorField = f
	}
	approverField := "approver"
	if f, ok := rule.Parameters["approver_field"].(string); ok && f != "" {
		approverField = f
	}
	initiator := stringValue(data[initiatorField])
	approver := stringValue(data[approverField])
	if initiator != "" && approver != "" && initiator == approver {
		result.addViolation(e.newViolation(p, rule, ViolationSegregationDuty, rule.Severity,
			rule.Name,
			fmt.Sprintf("initiator and approver are the same person: %s", initiator),
			data, evalCtx))
	}
}

func (e *Engine) newViolation(p *Policy, rule Rule, vt ViolationType, sev Severity, title, desc string, data, evalCtx map[string]any) Violation {
	return Violation{
		ViolationID:   uuid.New().String(),
		PolicyID:      p.PolicyID,
		RuleID:        rule.RuleID,
		ViolationType: vt,
		Severity:      sev,
		Title:         title,
		Description:   desc,
		ViolatedData:  maps.Clone(data),
		Context:       maps.Clone(evalCtx),
		DetectedAt:    e.clock(),
	}
}

// storeExecution persists an evaluation result as control_result
// evidence under evidence/policy/<date>/.
func (e *Engine) storeExecution(result *ExecutionResult, data, evalCtx map[string]any) error {
	runID, _ := evalCtx["run_id"].(string)
	now := e.clock()

	meta := vault.NewMetadata(runID, "policy.engine", vault.EvidenceControlResult, now)
	meta.EvidenceID = "policy_execution_" + result.ExecutionID
	meta.FilePath = filepath.Join("evidence", "policy", now.Format("2006-01-02"), meta.EvidenceID+".json")
	meta.Tags = []string{"policy_execution", "compliance"}
	meta.RiskLevel = "medium"

	payload := map[string]any{
		"execution_result": result,
		"violations":       result.Violations,
		"execution_summary": map[string]any{
			"policy_id":         result.PolicyID,
			"success":           result.Success,
			"rules_evaluated":   result.RulesEvaluated,
			"rules_passed":      result.RulesPassed,
			"rules_failed":      result.RulesFailed,
			"violation_count":   len(result.Violations),
			"execution_time_ms": result.ExecutionTimeMS,
		},
	}
	_, err := e.vault.Store(payload, meta)
	return err
}

func (e *Engine) audit(policyID, action, actor string, details map[string]any) {
	entry := AuditLog{
		LogID:     uuid.New().String(),
		PolicyID:  policyID,
		Action:    action,
		Actor:     actor,
		Timestamp: e.clock(),
		Details:   details,
	}
	e.mu.Lock()
	e.auditLogs = append(e.auditLogs, entry)
	e.mu.Unlock()
}

// AuditLogs returns a copy of the engine's audit log, optionally
// filtered to one policy. Pass "" for all.
func (e *Engine) AuditLogs(policyID string) []AuditLog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []AuditLog
	for _, l := range e.auditLogs {
		if policyID == "" || l.PolicyID == policyID {
			out = append(out, l)
		}
	}
	return out
}

// Violations returns a copy of all violations recorded so far.
func (e *Engine) Violations() []Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Violation, len(e.violations))
	copy(out, e.violations)
	return out
}

// ResolveViolation closes out a recorded violation.
func (e *Engine) ResolveViolation(violationID, notes string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.violations {
		if e.violations[i].ViolationID == violationID {
			e.violations[i].Resolve(e.clock(), notes)
			return nil
		}
	}
	return fmt.Errorf("violation not found: %s", violationID)
}

// Statistics summarizes the engine state.
func (e *Engine) Statistics() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.clock()
	active := 0
	for _, p := range e.policies {
		if p.IsEffective(now) {
			active++
		}
	}
	unresolved := 0
	bySeverity := map[string]int{}
	for _, v := range e.violations {
		if !v.IsResolved() {
			unresolved++
		}
		bySeverity[string(v.Severity)]++
	}
	return map[string]any{
		"total_policies":         len(e.policies),
		"active_policies":        active,
		"total_violations":       len(e.violations),
		"unresolved_violations":  unresolved,
		"violations_by_severity": bySeverity,
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func compare(value float64, operator string, threshold float64) (bool, error) {
	switch operator {
	case ">":
		return value > threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<":
		return value < threshold, nil
	case "<=":
		return value <= threshold, nil
	case "==":
		return value == threshold, nil
	case "!=":
		return value != threshold, nil
	default:
		return false, fmt.Errorf("unknown comparison operator: %s", operator)
	}
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
