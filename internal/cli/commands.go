package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"

	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/lock"
)

// Commands lists every subcommand in help order.
var Commands = []subcommands.Command{
	&ingestCmd{},
	&addCmd{},
	&overrideCmd{},
	&entriesCmd{},
	&reconcileCmd{},
	&transferCmd{},
	&suggestTransfersCmd{},
	&confirmCmd{},
	&unreconcileCmd{},
	&removeScrapeCmd{},
	&rederiveCmd{},
	&mapCmd{},
	&conflictsCmd{},
	&reviewCmd{},
	&locksCmd{},
	&rebuildCatalogCmd{},
}

// usageError marks bad invocations so they exit with the usage status.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error { return usageError{msg: fmt.Sprintf(format, args...)} }

// execute opens the app, runs fn and maps its error to an exit status.
func execute(ctx context.Context, fn func(context.Context, *App) error) subcommands.ExitStatus {
	app, err := loadApp()
	if err != nil {
		report(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer app.Close()
	return exitStatus(os.Stderr, fn(ctx, app))
}

func exitStatus(w io.Writer, err error) subcommands.ExitStatus {
	if err == nil {
		return subcommands.ExitSuccess
	}
	report(w, err)
	var u usageError
	if errors.As(err, &u) {
		return subcommands.ExitUsageError
	}
	return subcommands.ExitFailure
}

func report(w io.Writer, err error) {
	fmt.Fprintln(w, errStyle.Render("error:"), err)
	var busy *lock.BusyError
	if errors.As(err, &busy) {
		fmt.Fprintln(w, dimStyle.Render("run `jaskledger locks` to see who holds it"))
	}
	var conflict *journal.ConflictError
	if errors.As(err, &conflict) {
		fmt.Fprintln(w, dimStyle.Render("nothing was written"))
	}
}

// accountFlag parses login/label.
type accountFlag struct {
	key journal.AccountKey
	set bool
}

func (a *accountFlag) String() string {
	if !a.set {
		return ""
	}
	return a.key.String()
}

func (a *accountFlag) Set(s string) error {
	k, err := journal.ParseAccountKey(s)
	if err != nil {
		return err
	}
	a.key, a.set = k, true
	return nil
}

func (a *accountFlag) require(name string) (journal.AccountKey, error) {
	if !a.set {
		return journal.AccountKey{}, usagef("-%s login/label is required", name)
	}
	return a.key, nil
}

// postingFlag is an optional posting index.
type postingFlag struct{ index *int }

func (p *postingFlag) String() string {
	if p.index == nil {
		return ""
	}
	return strconv.Itoa(*p.index)
}

func (p *postingFlag) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("posting index %q: %w", s, err)
	}
	if n < 0 {
		return fmt.Errorf("posting index %d: must not be negative", n)
	}
	p.index = &n
	return nil
}

func requireFlag(name, v string) error {
	if v == "" {
		return usagef("-%s is required", name)
	}
	return nil
}

func setPostingFlags(f *flag.FlagSet, acct *accountFlag, entry *string, posting *postingFlag) {
	f.Var(acct, "account", "Account as login/label.")
	f.StringVar(entry, "entry", "", "Entry id.")
	f.Var(posting, "posting", "Posting index; required when the entry has more than one unreconciled posting.")
}
