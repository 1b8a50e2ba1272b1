package cli

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"

	"github.com/jask/jaskledger/internal/service"
)

type reconcileCmd struct {
	account     accountFlag
	entry       string
	posting     postingFlag
	counterpart string
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "book an entry posting against a counterpart GL account" }
func (*reconcileCmd) Usage() string {
	return `jaskledger reconcile -account <login/label> -entry <id> -counterpart <gl account> [-posting <n>]
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	setPostingFlags(f, &c.account, &c.entry, &c.posting)
	f.StringVar(&c.counterpart, "counterpart", "", "GL account receiving the other side, e.g. Expenses:Food.")
}

func (c *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		key, err := c.account.require("account")
		if err != nil {
			return err
		}
		if err := requireFlag("entry", c.entry); err != nil {
			return err
		}
		if err := requireFlag("counterpart", c.counterpart); err != nil {
			return err
		}
		id, err := app.recon.Reconcile(ctx, key, c.entry, c.counterpart, c.posting.index)
		if err != nil {
			return err
		}
		fmt.Fprintln(app.Out, okStyle.Render("reconciled"), id)
		return nil
	})
}

type transferCmd struct {
	from, to               accountFlag
	fromEntry, toEntry     string
	fromPosting, toPosting postingFlag
}

func (*transferCmd) Name() string     { return "transfer" }
func (*transferCmd) Synopsis() string { return "book two entries as one transfer between tracked accounts" }
func (*transferCmd) Usage() string {
	return `jaskledger transfer -from <login/label> -from-entry <id> -to <login/label> -to-entry <id>
`
}

func (c *transferCmd) SetFlags(f *flag.FlagSet) {
	f.Var(&c.from, "from", "Account the money left.")
	f.StringVar(&c.fromEntry, "from-entry", "", "Entry id on the sending account.")
	f.Var(&c.fromPosting, "from-posting", "Posting index on the sending entry.")
	f.Var(&c.to, "to", "Account the money arrived in.")
	f.StringVar(&c.toEntry, "to-entry", "", "Entry id on the receiving account.")
	f.Var(&c.toPosting, "to-posting", "Posting index on the receiving entry.")
}

func (c *transferCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		from, err := c.from.require("from")
		if err != nil {
			return err
		}
		to, err := c.to.require("to")
		if err != nil {
			return err
		}
		if err := requireFlag("from-entry", c.fromEntry); err != nil {
			return err
		}
		if err := requireFlag("to-entry", c.toEntry); err != nil {
			return err
		}
		id, err := app.recon.ReconcileTransfer(ctx,
			service.TransferSide{Account: from, EntryID: c.fromEntry, PostingIndex: c.fromPosting.index},
			service.TransferSide{Account: to, EntryID: c.toEntry, PostingIndex: c.toPosting.index})
		if err != nil {
			return err
		}
		fmt.Fprintln(app.Out, okStyle.Render("transfer booked"), id)
		return nil
	})
}

type suggestTransfersCmd struct {
	apply bool
}

func (*suggestTransfersCmd) Name() string { return "suggest-transfers" }
func (*suggestTransfersCmd) Synopsis() string {
	return "pair unreconciled transfer entries across accounts"
}
func (*suggestTransfersCmd) Usage() string {
	return `jaskledger suggest-transfers [-apply]

  Lists candidate transfer pairs, closest dates first. With -apply every
  pair is booked; refused pairs are reported and skipped.
`
}

func (c *suggestTransfersCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.apply, "apply", false, "Book every suggested pair.")
}

func (c *suggestTransfersCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		sugs, err := app.recon.SuggestTransfers(ctx)
		if err != nil {
			return err
		}
		printSuggestions(app.Out, sugs)
		if !c.apply {
			return nil
		}
		for _, s := range sugs {
			id, err := app.recon.ReconcileTransfer(ctx, s.From, s.To)
			if err != nil {
				fmt.Fprintln(app.Out, warnStyle.Render("skipped"), s.From.EntryID, s.To.EntryID, err)
				continue
			}
			fmt.Fprintln(app.Out, okStyle.Render("transfer booked"), id)
		}
		return nil
	})
}

func printSuggestions(w io.Writer, sugs []service.TransferSuggestion) {
	if len(sugs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no transfer candidates"))
		return
	}
	for _, s := range sugs {
		fmt.Fprintf(w, "%s %s:%s -> %s:%s %s\n", padLeft(formatAmount(s.Amount, ""), 12),
			s.From.Account, s.From.EntryID, s.To.Account, s.To.EntryID,
			dimStyle.Render(fmt.Sprintf("%d days apart", s.Days)))
	}
}

type confirmCmd struct {
	account accountFlag
	entry   string
	posting postingFlag
}

func (*confirmCmd) Name() string     { return "confirm" }
func (*confirmCmd) Synopsis() string { return "rebuild a stale GL transaction from its current entries" }
func (*confirmCmd) Usage() string {
	return `jaskledger confirm -account <login/label> -entry <id> [-posting <n>]
`
}

func (c *confirmCmd) SetFlags(f *flag.FlagSet) { setPostingFlags(f, &c.account, &c.entry, &c.posting) }

func (c *confirmCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		key, err := c.account.require("account")
		if err != nil {
			return err
		}
		if err := requireFlag("entry", c.entry); err != nil {
			return err
		}
		id, err := app.recon.Reconfirm(ctx, key, c.entry, c.posting.index)
		if err != nil {
			return err
		}
		fmt.Fprintln(app.Out, okStyle.Render("confirmed"), id)
		return nil
	})
}

type unreconcileCmd struct {
	account accountFlag
	entry   string
	posting postingFlag
}

func (*unreconcileCmd) Name() string     { return "unreconcile" }
func (*unreconcileCmd) Synopsis() string { return "delete the GL transaction an entry posting is booked in" }
func (*unreconcileCmd) Usage() string {
	return `jaskledger unreconcile -account <login/label> -entry <id> [-posting <n>]

  Deletes the GL transaction and clears the links of every entry it
  references, including a transfer counterpart.
`
}

func (c *unreconcileCmd) SetFlags(f *flag.FlagSet) { setPostingFlags(f, &c.account, &c.entry, &c.posting) }

func (c *unreconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		key, err := c.account.require("account")
		if err != nil {
			return err
		}
		if err := requireFlag("entry", c.entry); err != nil {
			return err
		}
		id, err := app.recon.Unreconcile(ctx, key, c.entry, c.posting.index)
		if err != nil {
			return err
		}
		fmt.Fprintln(app.Out, okStyle.Render("unreconciled"), id)
		return nil
	})
}
