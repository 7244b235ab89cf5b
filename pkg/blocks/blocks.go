// Package blocks assembles the standard block catalogue.
package blocks

import (
	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blocks/control"
	evidenceblocks "github.com/keiri-labs/keiri-engine/pkg/blocks/evidence"
	"github.com/keiri-labs/keiri-engine/pkg/blocks/excel"
	"github.com/keiri-labs/keiri-engine/pkg/blocks/external"
	"github.com/keiri-labs/keiri-engine/pkg/blocks/file"
	"github.com/keiri-labs/keiri-engine/pkg/blocks/match"
	"github.com/keiri-labs/keiri-engine/pkg/blocks/nlp"
	"github.com/keiri-labs/keiri-engine/pkg/blocks/table"
	"github.com/keiri-labs/keiri-engine/pkg/blocks/transform"
	"github.com/keiri-labs/keiri-engine/pkg/embed"
	"github.com/keiri-labs/keiri-engine/pkg/identity"
	"github.com/keiri-labs/keiri-engine/pkg/policy"
)

// Options carry the shared services some blocks depend on. Every
// field is optional; a block whose dependency is absent either stays
// unregistered (policy validation) or reports the missing dependency
// when run (embeddings).
type Options struct {
	// Policy enables control.policy_validate.
	Policy *policy.Engine
	// Embedder backs nlp.embed_texts.
	Embedder embed.Embedder
	// DecisionTokens enables signed-decision verification on
	// control.approval_route.
	DecisionTokens *identity.DecisionTokens
	// Extra blocks registered after the standard set, typically WASM
	// plugins discovered from the plugin directory.
	Extra []block.Block
}

// RegisterStandard registers the standard catalogue into reg.
func RegisterStandard(reg *block.Registry, opts Options) error {
	catalogue := []block.Block{
		table.FromRowsBlock{},
		table.PivotBlock{},
		table.UnpivotBlock{},

		excel.ReadDataBlock{},
		excel.WriteBlock{},
		excel.UpdateWorkbookBlock{},
		excel.WriteResultsBlock{},

		file.ExtractTextsBlock{},
		file.ParseZip2TierBlock{},
		file.EncodeBase64Block{},

		transform.RenameFieldsBlock{},
		transform.FilterItemsBlock{},
		transform.GroupByAggBlock{},
		transform.ComputeFeaturesBlock{},
		transform.FiscalQuarterBlock{},
		transform.PickBlock{},
		transform.FlattenItemsBlock{},
		transform.GroupEvidenceBlock{},

		control.ApprovalRouteBlock{Tokens: opts.DecisionTokens},
		control.SodCheckBlock{},
		control.SamplingBlock{},
		control.PolicyEnforceBlock{},

		match.RecordLinkageBlock{},
		match.SimilarityClusterBlock{},
		match.SemanticTopKBlock{},

		nlp.ChunkTextsBlock{},
		nlp.EmbedTextsBlock{Embedder: opts.Embedder},

		external.NewHTTPAPIBlock(),
		external.NewNotifyBlock(),
		external.SignManifestBlock{},

		evidenceblocks.VaultStoreBlock{},
		evidenceblocks.VaultRetrieveBlock{},
		evidenceblocks.VaultSearchBlock{},
		evidenceblocks.AuditReportBlock{},
	}
	if opts.Policy != nil {
		catalogue = append(catalogue, &control.PolicyValidateBlock{Engine: opts.Policy})
	}
	catalogue = append(catalogue, opts.Extra...)

	for _, b := range catalogue {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}
