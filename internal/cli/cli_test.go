package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/config"
	"github.com/jask/jaskledger/internal/journal"
)

func TestFormatAmount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		amount, commodity, want string
	}{
		{"-21.32", "", "-$21.32"},
		{"1234.5", "USD", "$1,234.50"},
		{"0.005", "usd", "$0.01"},
		{"3", "ZZZ", "3 ZZZ"},
	}
	for _, tc := range cases {
		got := formatAmount(decimal.RequireFromString(tc.amount), tc.commodity)
		require.Equal(t, tc.want, got, "%s %s", tc.amount, tc.commodity)
	}
}

func TestAccountAndPostingFlags(t *testing.T) {
	t.Parallel()

	var a accountFlag
	_, err := a.require("account")
	var u usageError
	require.ErrorAs(t, err, &u)
	require.Error(t, a.Set("nolabel"))
	require.NoError(t, a.Set("alice/checking"))
	key, err := a.require("account")
	require.NoError(t, err)
	require.Equal(t, journal.AccountKey{Login: "alice", Label: "checking"}, key)

	var p postingFlag
	require.Nil(t, p.index)
	require.Error(t, p.Set("-1"))
	require.Error(t, p.Set("x"))
	require.NoError(t, p.Set("2"))
	require.Equal(t, 2, *p.index)
	require.Equal(t, "2", p.String())
}

func TestExitStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.Equal(t, subcommands.ExitSuccess, exitStatus(&buf, nil))
	require.Empty(t, buf.String())
	require.Equal(t, subcommands.ExitUsageError, exitStatus(&buf, fmt.Errorf("wrapped: %w", usagef("-entry is required"))))
	require.Contains(t, buf.String(), "-entry is required")

	buf.Reset()
	require.Equal(t, subcommands.ExitFailure, exitStatus(&buf, &journal.ConflictError{Resource: "account a/b", Reason: "is busy"}))
	require.Contains(t, buf.String(), "nothing was written")
	require.Equal(t, subcommands.ExitFailure, exitStatus(&buf, errors.New("boom")))
}

const testFormats = `
[[format]]
name = "chase-csv"
version = "2"
date_format = "01/02/2006"
has_header = true
date_col = 0
desc_col = 1
amount_col = 2
amount_strip = "$,"
status_col = 3
pending_marker = "Pending"
bank_id_col = 4
`

// run parses args for c and executes it, returning the status and output.
func run(t *testing.T, out *bytes.Buffer, c subcommands.Command, args ...string) subcommands.ExitStatus {
	t.Helper()
	out.Reset()
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(fs)
	require.NoError(t, fs.Parse(args))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.Execute(ctx, fs)
}

func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
[workspace]
root = %q

[log]
level = "error"
`, filepath.Join(dir, "ws"))), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "formats.toml"), []byte(testFormats), 0o644))
	t.Setenv("JASKLEDGER_CONFIG", cfgPath)

	var out bytes.Buffer
	prev := loadApp
	loadApp = func() (*App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		app, err := Open(cfg)
		if err != nil {
			return nil, err
		}
		app.Out = &out
		return app, nil
	}
	t.Cleanup(func() { loadApp = prev })

	doc := filepath.Join(dir, "feb.csv")
	require.NoError(t, os.WriteFile(doc, []byte("Date,Description,Amount,Status,Id\n"+
		"02/15/2024,SQ *BLUE BOTTLE,-21.32,Pending,\n"+
		"02/16/2024,PAYROLL,\"$1,200.00\",Posted,FIT9\n"), 0o644))

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &ingestCmd{},
		"-account", "alice/checking", "-session", "s1", "-extension", "chase-csv", doc))
	require.Contains(t, out.String(), "created 2, updated 0, unchanged 0")

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &ingestCmd{},
		"-account", "alice/checking", "-session", "s1", "-extension", "chase-csv", doc))
	require.Contains(t, out.String(), "unchanged 2")

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &entriesCmd{}, "-account", "alice/checking"))
	require.Contains(t, out.String(), "SQ *BLUE BOTTLE")
	require.Contains(t, out.String(), "-$21.32")
	require.Contains(t, out.String(), "$1,200.00")
	require.Contains(t, out.String(), "unreconciled")

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &addCmd{},
		"-account", "alice/checking", "-date", "2024-02-20", "-amount", "-40", "-desc", "CASH"))
	require.Contains(t, out.String(), "added")

	require.Equal(t, subcommands.ExitUsageError, run(t, &out, &reconcileCmd{}, "-account", "alice/checking"))

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &mapCmd{}, "-account", "alice/checking", "-gl", "Assets:Bank:Main"))
	require.Contains(t, out.String(), "Assets:Bank:Main")
	require.Equal(t, subcommands.ExitUsageError, run(t, &out, &mapCmd{}, "-account", "alice/checking"))

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &conflictsCmd{}))
	require.Contains(t, out.String(), "no mapping conflicts")

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &rederiveCmd{}, "-account", "alice/checking"))
	require.Contains(t, out.String(), "3 entries")
	require.Contains(t, out.String(), "clean")

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &rebuildCatalogCmd{}))
	require.Contains(t, out.String(), "1 documents, 0 removed")

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &locksCmd{}))
	require.Contains(t, out.String(), "no locks held")

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &removeScrapeCmd{}, "-login", "alice", "-session", "s1"))
	require.Contains(t, out.String(), "(1 documents)")
	require.Equal(t, subcommands.ExitFailure, run(t, &out, &removeScrapeCmd{}, "-login", "alice", "-session", "s1"))

	require.Equal(t, subcommands.ExitSuccess, run(t, &out, &reviewCmd{}))
	require.Equal(t, subcommands.ExitFailure, run(t, &out, &reviewCmd{}, "-resolve", "missing"))
}
