package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
)

func strPtr(s string) *string { return &s }

func TestSetGLMappingRefusesSharedAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.ws.EnsureAccount(savings))
	require.NoError(t, f.mapping.SetGLMapping(f.ctx, checking, strPtr("Assets:Bank:Joint")))

	err := f.mapping.SetGLMapping(f.ctx, savings, strPtr("Assets:Bank:Joint"))
	requireConflict(t, err)
	require.ErrorContains(t, err, "alice/checking")

	m, err := f.mapping.Mappings()
	require.NoError(t, err)
	require.Equal(t, "Assets:Bank:Joint", m[checking])
	require.Equal(t, "Assets:bob:savings", m[savings])

	// Taking another account's default name is the same conflict.
	requireConflict(t, f.mapping.SetGLMapping(f.ctx, checking, strPtr("Assets:bob:savings")))

	sets := oplog.Ops[oplog.SetGLMapping](f.rootOps())
	require.Equal(t, []oplog.SetGLMapping{{Account: "alice/checking", GLAccount: "Assets:Bank:Joint"}}, sets)

	conflicts, err := f.mapping.Conflicts()
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestSetGLMappingValidatesName(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.Error(t, f.mapping.SetGLMapping(f.ctx, checking, strPtr("  ")))
	require.Error(t, f.mapping.SetGLMapping(f.ctx, checking, strPtr("Equity:Unreconciled:x")))

	// Unchanged mappings are not logged.
	require.NoError(t, f.mapping.SetGLMapping(f.ctx, checking, nil))
	require.Empty(t, f.rootOps())

	require.NoError(t, f.mapping.SetGLMapping(f.ctx, checking, strPtr("Assets:Bank:Main")))
	require.NoError(t, f.mapping.SetGLMapping(f.ctx, checking, nil))
	cfg, err := f.ws.ReadAccountConfig(checking)
	require.NoError(t, err)
	require.Empty(t, cfg.GLAccount)
	require.Len(t, oplog.Ops[oplog.SetGLMapping](f.rootOps()), 2)
}

func TestHandEditedConflictBlocksAccounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustIngest(checking, f.document(checking, "a.csv", "s1",
		row{date: "2024-02-01", amount: "-3.00", status: journal.Cleared, desc: "COFFEE"}))
	e := f.only(checking)

	require.NoError(t, f.ws.EnsureAccount(savings))
	cfg, err := f.ws.ReadAccountConfig(savings)
	require.NoError(t, err)
	cfg.GLAccount = "Assets:alice:checking"
	require.NoError(t, f.ws.WriteAccountConfig(savings, cfg))

	conflicts, err := f.mapping.Conflicts()
	require.NoError(t, err)
	require.Equal(t, []MappingConflict{{
		GLAccount: "Assets:alice:checking",
		Accounts:  []journal.AccountKey{checking, savings},
	}}, conflicts)

	_, err = f.ingest.Ingest(f.ctx, savings, f.document(savings, "b.csv", "s2",
		row{date: "2024-02-01", amount: "10.00", status: journal.Cleared, desc: "INTEREST"}))
	requireConflict(t, err)
	_, err = f.recon.Reconcile(f.ctx, checking, e.ID, "Expenses:Food", nil)
	requireConflict(t, err)
	require.Zero(t, f.ledger().Len())

	// Fixing the mapping through the service clears the conflict.
	require.NoError(t, f.mapping.SetGLMapping(f.ctx, savings, strPtr("Assets:Bank:Savings")))
	conflicts, err = f.mapping.Conflicts()
	require.NoError(t, err)
	require.Empty(t, conflicts)
	_, err = f.recon.Reconcile(f.ctx, checking, e.ID, "Expenses:Food", nil)
	require.NoError(t, err)
}
