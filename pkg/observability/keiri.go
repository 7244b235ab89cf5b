package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine-specific semantic convention attributes.
var (
	AttrBlockID      = attribute.Key("keiri.block.id")
	AttrBlockVersion = attribute.Key("keiri.block.version")
	AttrRunID        = attribute.Key("keiri.run.id")
	AttrPlanID       = attribute.Key("keiri.plan.id")
	AttrNodeID       = attribute.Key("keiri.node.id")
	AttrErrorCode    = attribute.Key("keiri.error.code")

	AttrEvidenceID = attribute.Key("keiri.evidence.id")
	AttrVaultOp    = attribute.Key("keiri.vault.operation")

	AttrPolicyID        = attribute.Key("keiri.policy.id")
	AttrPolicyRules     = attribute.Key("keiri.policy.rules_evaluated")
	AttrPolicyViolation = attribute.Key("keiri.policy.violations")
)

// BlockExecution creates attributes for one block execution.
func BlockExecution(blockID, version, runID, nodeID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBlockID.String(blockID),
		AttrBlockVersion.String(version),
		AttrRunID.String(runID),
		AttrNodeID.String(nodeID),
	}
}

// PlanRun creates attributes for one plan run.
func PlanRun(runID, planID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrPlanID.String(planID),
	}
}

// VaultOperation creates attributes for an evidence vault operation.
func VaultOperation(op, evidenceID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrVaultOp.String(op),
		AttrEvidenceID.String(evidenceID),
	}
}

// PolicyEvaluation creates attributes for one policy evaluation.
func PolicyEvaluation(policyID string, rulesEvaluated, violations int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyID.String(policyID),
		AttrPolicyRules.Int(rulesEvaluated),
		AttrPolicyViolation.Int(violations),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records an error on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
