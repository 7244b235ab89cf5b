package evidence

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

var evidenceTestTime = time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)

func newTestContext(t *testing.T) *block.Context {
	t.Helper()
	v, err := vault.Open(t.TempDir(), "unit-test-passphrase",
		vault.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		vault.WithClock(func() time.Time { return evidenceTestTime }),
	)
	require.NoError(t, err)
	return &block.Context{
		Vault: v,
		RunID: "run-2025-001",
		Clock: func() time.Time { return evidenceTestTime },
	}
}

func storeItems(t *testing.T, ctx *block.Context, items ...map[string]any) []map[string]any {
	t.Helper()
	anyItems := make([]any, len(items))
	for i, it := range items {
		anyItems[i] = it
	}
	out, err := VaultStoreBlock{}.Run(ctx, map[string]any{"items": anyItems})
	require.NoError(t, err)
	raw, ok := out["stored"].([]any)
	require.True(t, ok)
	require.Len(t, raw, len(items))
	stored := make([]map[string]any, len(raw))
	for i, e := range raw {
		stored[i] = e.(map[string]any)
	}
	return stored
}
