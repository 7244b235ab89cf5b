// Package policy implements the Policy-as-Code engine: declarative
// rule sets loaded from a policy directory, evaluated against data
// records to produce categorized violations. Expression rules run on
// CEL; threshold, approval, and segregation-of-duty rules are
// evaluated structurally.
package policy

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a policy by domain.
type Type string

const (
	TypeCompliance   Type = "compliance"
	TypeBusinessRule Type = "business_rule"
	TypeSecurity     Type = "security"
	TypeFinancial    Type = "financial"
	TypeOperational  Type = "operational"
	TypeAudit        Type = "audit"
)

// Severity grades rules and the violations they emit.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Status is a policy's lifecycle state. Only active policies are
// evaluated.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusSuspended  Status = "suspended"
)

// RuleType selects the evaluation strategy for a rule.
type RuleType string

const (
	RuleExpression       RuleType = "expression"
	RuleThreshold        RuleType = "threshold"
	RuleApprovalRequired RuleType = "approval_required"
	RuleSegregationDuty  RuleType = "segregation_duty"
)

// ViolationType categorizes a failed rule.
type ViolationType string

const (
	ViolationRule               ViolationType = "rule_violation"
	ViolationThresholdExceeded  ViolationType = "threshold_exceeded"
	ViolationMissingApproval    ViolationType = "missing_approval"
	ViolationUnauthorizedAccess ViolationType = "unauthorized_access"
	ViolationDataQuality        ViolationType = "data_quality"
	ViolationSegregationDuty    ViolationType = "segregation_duty"
)

// Rule is one evaluable unit inside a policy.
type Rule struct {
	RuleID      string         `json:"rule_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	RuleType    RuleType       `json:"rule_type"`
	Expression  string         `json:"expression,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Severity    Severity       `json:"severity"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Policy is a named, versioned bundle of rules.
type Policy struct {
	PolicyID      string         `json:"policy_id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	PolicyType    Type           `json:"policy_type"`
	Version       string         `json:"version"`
	Rules         []Rule         `json:"rules"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Tags          []string       `json:"tags"`
	Department    string         `json:"department,omitempty"`
	Owner         string         `json:"owner,omitempty"`
	Status        Status         `json:"status"`
	EffectiveDate *time.Time     `json:"effective_date,omitempty"`
	ExpiryDate    *time.Time     `json:"expiry_date,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// setDefaults fills generated and defaulted fields after decoding.
func (p *Policy) setDefaults(now time.Time) {
	if p.PolicyID == "" {
		p.PolicyID = uuid.New().String()
	}
	if p.Version == "" {
		p.Version = "1.0.0"
	}
	if p.Status == "" {
		p.Status = StatusDraft
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.RuleID == "" {
			r.RuleID = uuid.New().String()
		}
		if r.Severity == "" {
			r.Severity = SeverityMedium
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	}
}

// ActiveRules returns the enabled rules in declaration order.
func (p *Policy) ActiveRules() []Rule {
	out := make([]Rule, 0, len(p.Rules))
	for _, r := range p.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// IsEffective reports whether the policy applies at the given instant:
// status must be active and now must fall within
// [effective_date, expiry_date). A missing bound is unbounded.
func (p *Policy) IsEffective(now time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	if p.EffectiveDate != nil && now.Before(*p.EffectiveDate) {
		return false
	}
	if p.ExpiryDate != nil && !now.Before(*p.ExpiryDate) {
		return false
	}
	return true
}

// Violation is one categorized rule failure with the data snapshot
// that triggered it.
type Violation struct {
	ViolationID     string         `json:"violation_id"`
	PolicyID        string         `json:"policy_id"`
	RuleID          string         `json:"rule_id"`
	ViolationType   ViolationType  `json:"violation_type"`
	Severity        Severity       `json:"severity"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	ViolatedData    map[string]any `json:"violated_data,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
}

// Resolve marks the violation handled.
func (v *Violation) Resolve(now time.Time, notes string) {
	v.ResolvedAt = &now
	v.ResolutionNotes = notes
}

// IsResolved reports whether the violation has been closed out.
func (v *Violation) IsResolved() bool { return v.ResolvedAt != nil }

// ExecutionResult is the outcome of evaluating one policy against one
// data record.
type ExecutionResult struct {
	PolicyID        string         `json:"policy_id"`
	ExecutionID     string         `json:"execution_id"`
	ExecutedAt      time.Time      `json:"executed_at"`
	Success         bool           `json:"success"`
	RulesEvaluated  int            `json:"rules_evaluated"`
	RulesPassed     int            `json:"rules_passed"`
	RulesFailed     int            `json:"rules_failed"`
	Violations      []Violation    `json:"violations"`
	ExecutionTimeMS float64        `json:"execution_time_ms"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

func (r *ExecutionResult) addViolation(v Violation) {
	r.Violations = append(r.Violations, v)
	r.RulesFailed++
}

// ViolationsBySeverity filters the result's violations.
func (r *ExecutionResult) ViolationsBySeverity(s Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

// AuditLog records one administrative or evaluation action on a
// policy.
type AuditLog struct {
	LogID     string         `json:"log_id"`
	PolicyID  string         `json:"policy_id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}
