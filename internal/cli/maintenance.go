package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/subcommands"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/lock"
	"github.com/jask/jaskledger/internal/service"
)

type removeScrapeCmd struct {
	login   string
	session string
}

func (*removeScrapeCmd) Name() string     { return "remove-scrape" }
func (*removeScrapeCmd) Synopsis() string { return "withdraw every document of a scrape session" }
func (*removeScrapeCmd) Usage() string {
	return `jaskledger remove-scrape -login <login> -session <id>

  Entries evidenced only by the session are deleted with their GL
  transactions; entries with other evidence are re-evaluated. The
  documents stay on disk.
`
}

func (c *removeScrapeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.login, "login", "", "Login the session was scraped under.")
	f.StringVar(&c.session, "session", "", "Scrape session id.")
}

func (c *removeScrapeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		if err := requireFlag("login", c.login); err != nil {
			return err
		}
		if err := requireFlag("session", c.session); err != nil {
			return err
		}
		res, err := app.undo.RemoveScrape(ctx, c.login, c.session)
		if err != nil {
			return err
		}
		printRemove(app.Out, res)
		return nil
	})
}

func printRemove(w io.Writer, res service.RemoveResult) {
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render("removed session"), res.Session,
		dimStyle.Render(fmt.Sprintf("(%d documents)", len(res.Documents))))
	for _, e := range res.Deleted {
		fmt.Fprintf(w, "  %s %s:%s\n", errStyle.Render("deleted"), e.Account, e.EntryID)
	}
	for _, e := range res.Stripped {
		fmt.Fprintf(w, "  %s %s:%s %v\n", warnStyle.Render("re-evaluated"), e.Account, e.EntryID, e.Fields)
	}
	for _, id := range res.GLDeleted {
		fmt.Fprintf(w, "  %s %s\n", errStyle.Render("GL deleted"), id)
	}
	for _, id := range res.Stale {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("stale GL"), id)
	}
}

type rederiveCmd struct {
	account accountFlag
}

func (*rederiveCmd) Name() string     { return "rederive" }
func (*rederiveCmd) Synopsis() string { return "rebuild journals from evidence and operations and report drift" }
func (*rederiveCmd) Usage() string {
	return `jaskledger rederive [-account <login/label>]

  Without -account every account journal and the general ledger are
  checked. Nothing is written; discrepancies are queued for review.
`
}

func (c *rederiveCmd) SetFlags(f *flag.FlagSet) {
	f.Var(&c.account, "account", "Only re-derive this account.")
}

func (c *rederiveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		var clean bool
		if c.account.set {
			rep, err := app.rederive.Account(ctx, c.account.key)
			if err != nil {
				return err
			}
			printReport(app.Out, rep)
			clean = rep.Clean()
		} else {
			rep, err := app.rederive.Ledger(ctx)
			if err != nil {
				return err
			}
			for _, a := range rep.Accounts {
				printReport(app.Out, a)
			}
			fmt.Fprintf(app.Out, "%s %s\n", titleStyle.Render("general ledger"),
				statusStyle.Render(fmt.Sprintf("%d transactions", rep.Transactions)))
			printDiscrepancies(app.Out, rep.Discrepancies)
			clean = rep.Clean()
		}
		if !clean {
			return fmt.Errorf("re-derivation found discrepancies")
		}
		return nil
	})
}

func printReport(w io.Writer, rep service.Report) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(rep.Account.String()),
		statusStyle.Render(fmt.Sprintf("%d entries", rep.Entries)))
	printDiscrepancies(w, rep.Discrepancies)
}

func printDiscrepancies(w io.Writer, ds []service.DiscrepancyWarning) {
	if len(ds) == 0 {
		fmt.Fprintln(w, "  "+okStyle.Render("clean"))
		return
	}
	for _, d := range ds {
		fmt.Fprintln(w, "  "+warnStyle.Render(d.String()))
	}
}

type mapCmd struct {
	account accountFlag
	gl      string
	clear   bool
}

func (*mapCmd) Name() string     { return "map" }
func (*mapCmd) Synopsis() string { return "show or set the GL account of login accounts" }
func (*mapCmd) Usage() string {
	return `jaskledger map [-account <login/label> (-gl <name> | -clear)]
`
}

func (c *mapCmd) SetFlags(f *flag.FlagSet) {
	f.Var(&c.account, "account", "Account as login/label.")
	f.StringVar(&c.gl, "gl", "", "GL account name to reconcile into.")
	f.BoolVar(&c.clear, "clear", false, "Fall back to the default GL account name.")
}

func (c *mapCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		if c.account.set {
			if (c.gl == "") == !c.clear {
				return usagef("give exactly one of -gl and -clear")
			}
			var gl *string
			if !c.clear {
				gl = &c.gl
			}
			if err := app.mapping.SetGLMapping(ctx, c.account.key, gl); err != nil {
				return err
			}
		}
		m, err := app.mapping.Mappings()
		if err != nil {
			return err
		}
		printMappings(app.Out, m)
		return nil
	})
}

func printMappings(w io.Writer, m map[journal.AccountKey]string) {
	keys := make([]journal.AccountKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		fmt.Fprintf(w, "%s %s\n", padRight(k.String(), 28), m[k])
	}
}

type conflictsCmd struct{}

func (*conflictsCmd) Name() string     { return "conflicts" }
func (*conflictsCmd) Synopsis() string { return "list GL accounts claimed by more than one login account" }
func (*conflictsCmd) Usage() string {
	return `jaskledger conflicts
`
}
func (*conflictsCmd) SetFlags(*flag.FlagSet) {}

func (*conflictsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(_ context.Context, app *App) error {
		cs, err := app.mapping.Conflicts()
		if err != nil {
			return err
		}
		if len(cs) == 0 {
			fmt.Fprintln(app.Out, okStyle.Render("no mapping conflicts"))
			return nil
		}
		for _, c := range cs {
			fmt.Fprintf(app.Out, "%s %s\n", errStyle.Render(c.GLAccount), dimStyle.Render(fmt.Sprint(c.Accounts)))
		}
		return fmt.Errorf("%d mapping conflicts", len(cs))
	})
}

type reviewCmd struct {
	kind    string
	resolve string
	dismiss string
}

func (*reviewCmd) Name() string     { return "review" }
func (*reviewCmd) Synopsis() string { return "list or close operator review items" }
func (*reviewCmd) Usage() string {
	return `jaskledger review [-kind <kind>] [-resolve <id> | -dismiss <id>]
`
}

func (c *reviewCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "", "Only list items of this kind.")
	f.StringVar(&c.resolve, "resolve", "", "Mark the item resolved.")
	f.StringVar(&c.dismiss, "dismiss", "", "Mark the item dismissed.")
}

func (c *reviewCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		reviews := app.store.Reviews
		for _, u := range []struct{ id, status string }{
			{c.resolve, repository.StatusResolved},
			{c.dismiss, repository.StatusDismissed},
		} {
			if u.id == "" {
				continue
			}
			it, err := reviews.Get(ctx, u.id)
			if err != nil {
				return err
			}
			if it == nil {
				return fmt.Errorf("review item %s: %w", u.id, journal.ErrNotFound)
			}
			if err := reviews.UpdateStatus(ctx, u.id, u.status); err != nil {
				return err
			}
			fmt.Fprintln(app.Out, okStyle.Render(u.status), u.id)
			return nil
		}
		items, err := reviews.ListPending(ctx, c.kind)
		if err != nil {
			return err
		}
		printReviews(app.Out, items)
		return nil
	})
}

func printReviews(w io.Writer, items []repository.ReviewItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, dimStyle.Render("nothing to review"))
		return
	}
	for _, it := range items {
		subject := it.Login + "/" + it.Label
		if it.EntryID != "" {
			subject += ":" + it.EntryID
		}
		if it.GLTxnID != "" {
			subject += " gl:" + it.GLTxnID
		}
		fmt.Fprintf(w, "%s %s %s\n", warnStyle.Render(padRight(it.Kind, 22)), subject, dimStyle.Render(it.ID))
		if it.Detail != "" {
			fmt.Fprintln(w, "  "+statusStyle.Render(it.Detail))
		}
	}
}

type locksCmd struct{}

func (*locksCmd) Name() string     { return "locks" }
func (*locksCmd) Synopsis() string { return "show lock holders" }
func (*locksCmd) Usage() string {
	return `jaskledger locks
`
}
func (*locksCmd) SetFlags(*flag.FlagSet) {}

func (*locksCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(_ context.Context, app *App) error {
		metas, err := app.store.Locks.Inspect()
		if err != nil {
			return err
		}
		printLocks(app.Out, metas)
		return nil
	})
}

func printLocks(w io.Writer, metas []lock.Metadata) {
	if len(metas) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no locks held"))
		return
	}
	for _, m := range metas {
		fmt.Fprintf(w, "%s %s %s %s\n", padRight(string(m.Resource), 24), m.Owner, m.Purpose,
			dimStyle.Render(fmt.Sprintf("pid %d since %s", m.PID, m.StartedAt.Format(time.RFC3339))))
	}
}

type rebuildCatalogCmd struct{}

func (*rebuildCatalogCmd) Name() string     { return "rebuild-catalog" }
func (*rebuildCatalogCmd) Synopsis() string { return "rebuild the sqlite document catalog from the workspace" }
func (*rebuildCatalogCmd) Usage() string {
	return `jaskledger rebuild-catalog
`
}
func (*rebuildCatalogCmd) SetFlags(*flag.FlagSet) {}

func (*rebuildCatalogCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		st, err := app.maint.RebuildCatalog(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.Out, "%s %d documents, %d removed, %d stale items resolved\n",
			okStyle.Render("catalog rebuilt"), st.Documents, st.Removed, st.StaleResolved)
		return nil
	})
}
