package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
	"github.com/jask/jaskledger/internal/service"
	"github.com/jask/jaskledger/internal/workspace"
)

type ingestCmd struct {
	account   accountFlag
	session   string
	extension string
	mimeType  string
	url       string
	scrapedAt string
	start     string
	end       string
	sidecar   string
	proposals string
}

func (*ingestCmd) Name() string     { return "ingest" }
func (*ingestCmd) Synopsis() string { return "fold scraped evidence documents into an account journal" }
func (*ingestCmd) Usage() string {
	return `jaskledger ingest -account <login/label> -session <id> [-extension <name>] [flags] <file>...

  Stores each document as immutable evidence and merges the transactions
  extracted from it into the account journal. Documents of one scrape
  session share the -session id so they can be removed together.
`
}

func (c *ingestCmd) SetFlags(f *flag.FlagSet) {
	f.Var(&c.account, "account", "Account as login/label.")
	f.StringVar(&c.session, "session", "", "Scrape session id.")
	f.StringVar(&c.extension, "extension", "", "Scraper extension; also selects the extractor unless the account config names one.")
	f.StringVar(&c.mimeType, "mime", "", "MIME type; guessed from the file extension when empty.")
	f.StringVar(&c.url, "url", "", "Original URL of the document.")
	f.StringVar(&c.scrapedAt, "scraped-at", "", "Scrape time in RFC 3339; defaults to now.")
	f.StringVar(&c.start, "coverage-start", "", "First date the document covers completely (YYYY-MM-DD).")
	f.StringVar(&c.end, "coverage-end", "", "Last date the document covers completely (YYYY-MM-DD).")
	f.StringVar(&c.sidecar, "sidecar", "", "Scraper sidecar JSON; flags override its fields.")
	f.StringVar(&c.proposals, "proposals", "", "Scraper-proposed transactions as JSON lines; only valid with a single file.")
}

// sidecarFor assembles the sidecar of one file from the -sidecar file and flags.
func (c *ingestCmd) sidecarFor(key journal.AccountKey, path string) (workspace.Sidecar, error) {
	var sc workspace.Sidecar
	if c.sidecar != "" {
		data, err := os.ReadFile(c.sidecar)
		if err != nil {
			return sc, err
		}
		if err := json.Unmarshal(data, &sc); err != nil {
			return sc, fmt.Errorf("sidecar %s: %w", c.sidecar, err)
		}
	}
	sc.LoginName, sc.Label = key.Login, key.Label
	if c.session != "" {
		sc.ScrapeSessionID = c.session
	}
	if c.extension != "" {
		sc.ExtensionName = c.extension
	}
	if c.url != "" {
		sc.OriginalURL = c.url
	}
	if c.mimeType != "" {
		sc.MimeType = c.mimeType
	}
	if sc.MimeType == "" {
		sc.MimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if sc.MimeType == "" {
		sc.MimeType = "application/octet-stream"
	}
	if c.scrapedAt != "" {
		t, err := time.Parse(time.RFC3339, c.scrapedAt)
		if err != nil {
			return sc, usagef("-scraped-at %q: %v", c.scrapedAt, err)
		}
		sc.ScrapedAt = t
	}
	if sc.ScrapedAt.IsZero() {
		sc.ScrapedAt = time.Now().UTC()
	}
	for _, d := range []struct {
		v   string
		dst *journal.Date
	}{{c.start, &sc.DateRangeStart}, {c.end, &sc.CoverageEndDate}} {
		if d.v == "" {
			continue
		}
		date, err := journal.ParseDate(d.v)
		if err != nil {
			return sc, usagef("coverage date %q: %v", d.v, err)
		}
		*d.dst = date
	}
	if sc.ScrapeSessionID == "" {
		return sc, usagef("-session is required")
	}
	return sc, nil
}

func (c *ingestCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		key, err := c.account.require("account")
		if err != nil {
			return err
		}
		if f.NArg() == 0 {
			return usagef("no documents given")
		}
		var proposed []journal.ProposedTransaction
		if c.proposals != "" {
			if f.NArg() != 1 {
				return usagef("-proposals needs exactly one document")
			}
			fh, err := os.Open(c.proposals)
			if err != nil {
				return err
			}
			proposed, err = journal.DecodeProposed(fh)
			fh.Close()
			if err != nil {
				return fmt.Errorf("proposals %s: %w", c.proposals, err)
			}
			if proposed == nil {
				proposed = []journal.ProposedTransaction{}
			}
		}
		for _, path := range f.Args() {
			sc, err := c.sidecarFor(key, path)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			res, err := app.ingest.Ingest(ctx, key, service.DocumentInput{
				Name: filepath.Base(path), Bytes: data, Sidecar: sc, Proposed: proposed,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			printIngest(app.Out, res)
		}
		return nil
	})
}

func printIngest(w io.Writer, res service.IngestResult) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(res.Document),
		statusStyle.Render(fmt.Sprintf("created %d, updated %d, unchanged %d", res.Created, res.Updated, res.Unchanged)))
	for _, id := range res.ClosedPending {
		fmt.Fprintf(w, "  %s %s\n", infoStyle.Render("closed pending"), id)
	}
	for _, id := range res.Stale {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("stale GL"), id)
	}
	for _, a := range res.Ambiguous {
		fmt.Fprintf(w, "  %s %s %s\n", warnStyle.Render("ambiguous"), strings.Join(a.Evidence, " "),
			dimStyle.Render("fingerprint "+a.Fingerprint))
		for _, id := range a.Candidates {
			fmt.Fprintf(w, "    candidate %s\n", id)
		}
	}
	for _, err := range res.Errors {
		fmt.Fprintf(w, "  %s %v\n", errStyle.Render("invalid"), err)
	}
}

type addCmd struct {
	account   accountFlag
	date      string
	amount    string
	commodity string
	desc      string
	comment   string
	status    string
}

func (*addCmd) Name() string     { return "add" }
func (*addCmd) Synopsis() string { return "add a manual entry without evidence" }
func (*addCmd) Usage() string {
	return `jaskledger add -account <login/label> -date <YYYY-MM-DD> -amount <n> -desc <text> [-status cleared]
`
}

func (c *addCmd) SetFlags(f *flag.FlagSet) {
	f.Var(&c.account, "account", "Account as login/label.")
	f.StringVar(&c.date, "date", "", "Transaction date (YYYY-MM-DD).")
	f.StringVar(&c.amount, "amount", "", "Signed amount; negative for money leaving the account.")
	f.StringVar(&c.commodity, "commodity", "", "Commodity of the amount.")
	f.StringVar(&c.desc, "desc", "", "Description.")
	f.StringVar(&c.comment, "comment", "", "Free-form comment.")
	f.StringVar(&c.status, "status", "cleared", "unmarked, pending or cleared.")
}

func (c *addCmd) proposal() (journal.ProposedTransaction, error) {
	var p journal.ProposedTransaction
	date, err := journal.ParseDate(c.date)
	if err != nil {
		return p, usagef("-date: %v", err)
	}
	amt, err := decimal.NewFromString(c.amount)
	if err != nil {
		return p, usagef("-amount %q: %v", c.amount, err)
	}
	st, err := journal.ParseStatus(c.status)
	if err != nil {
		return p, usagef("-status: %v", err)
	}
	return journal.ProposedTransaction{
		Date: date, Status: st, Description: c.desc, Comment: c.comment,
		Amount: amt, Commodity: c.commodity,
	}, nil
}

func (c *addCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		key, err := c.account.require("account")
		if err != nil {
			return err
		}
		p, err := c.proposal()
		if err != nil {
			return err
		}
		id, err := app.ingest.ManualAdd(ctx, key, p)
		if err != nil {
			return err
		}
		fmt.Fprintln(app.Out, okStyle.Render("added"), id)
		return nil
	})
}

type overrideCmd struct {
	account accountFlag
	action  string
	entry   string
}

func (*overrideCmd) Name() string     { return "override" }
func (*overrideCmd) Synopsis() string { return "force or prevent a dedup match for a proposed transaction" }
func (*overrideCmd) Usage() string {
	return `jaskledger override -account <login/label> -action force-match|prevent-match -entry <id> <fingerprint>

  Records the decision and re-applies the proposed transaction with that
  fingerprint. Later ingests honor the decision.
`
}

func (c *overrideCmd) SetFlags(f *flag.FlagSet) {
	f.Var(&c.account, "account", "Account as login/label.")
	f.StringVar(&c.action, "action", string(oplog.ForceMatch), "force-match or prevent-match.")
	f.StringVar(&c.entry, "entry", "", "Entry id the decision is about.")
}

func (c *overrideCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(ctx context.Context, app *App) error {
		key, err := c.account.require("account")
		if err != nil {
			return err
		}
		if err := requireFlag("entry", c.entry); err != nil {
			return err
		}
		if f.NArg() != 1 {
			return usagef("expected one fingerprint")
		}
		action := oplog.OverrideAction(c.action)
		if action != oplog.ForceMatch && action != oplog.PreventMatch {
			return usagef("unknown action %q", c.action)
		}
		res, err := app.ingest.Override(ctx, key, action, c.entry, f.Arg(0))
		if err != nil {
			return err
		}
		printIngest(app.Out, res)
		return nil
	})
}

type entriesCmd struct {
	account accountFlag
}

func (*entriesCmd) Name() string     { return "entries" }
func (*entriesCmd) Synopsis() string { return "list account journal entries with their reconciliation state" }
func (*entriesCmd) Usage() string {
	return `jaskledger entries -account <login/label>
`
}

func (c *entriesCmd) SetFlags(f *flag.FlagSet) {
	f.Var(&c.account, "account", "Account as login/label.")
}

func (c *entriesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execute(ctx, func(_ context.Context, app *App) error {
		key, err := c.account.require("account")
		if err != nil {
			return err
		}
		views, err := app.ingest.Entries(key)
		if err != nil {
			return err
		}
		printEntries(app.Out, views)
		return nil
	})
}

func printEntries(w io.Writer, views []service.EntryView) {
	if len(views) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no entries"))
		return
	}
	fmt.Fprintln(w, tableHeaderStyle.Render(padRight("DATE", 11)+padRight("STATUS", 10)+padLeft("AMOUNT", 14)+"  DESCRIPTION"))
	for _, v := range views {
		e := v.Entry
		commodity := ""
		if len(e.Postings) > 0 {
			commodity = e.Postings[0].Commodity
		}
		fmt.Fprintf(w, "%s%s%s  %s %s\n",
			padRight(e.Date.String(), 11), padRight(styleStatus(e.Status), 10),
			padLeft(styleAmount(e.Amount(), commodity), 14), e.Description, dimStyle.Render(e.ID))
		for _, p := range v.Postings {
			label := string(p.Status)
			switch p.Status {
			case service.Reconciled:
				label = okStyle.Render(label)
			case service.Stale:
				label = warnStyle.Render(label)
			default:
				label = dimStyle.Render(label)
			}
			line := fmt.Sprintf("    posting %d %s %s", p.Index, p.Amount, label)
			if p.GLTxnID != "" {
				line += " " + dimStyle.Render(p.GLTxnID)
			}
			fmt.Fprintln(w, line)
		}
	}
}
