// Package main provides ledgerctl, an offline CLI over a SQLite ledger file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/trade-ledger/internal/app"
	"github.com/trade-ledger/internal/config"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/service"
	"github.com/trade-ledger/internal/tabular"
)

const usage = `Usage: ledgerctl <command> [flags]

Commands:
  import <file>    append a CSV or XLSX broker export
  positions        list open positions
  overview         equity, returns and allocations
  transactions     list the stored log
  recompute        replay the log and rewrite positions

Flags:
`

type options struct {
	db         string
	user       string
	base       string
	broker     string
	instrument string
	output     string
	verbose    bool
}

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	var opts options
	flags := pflag.NewFlagSet("ledgerctl "+command, pflag.ExitOnError)
	flags.StringVar(&opts.db, "db", "ledger.db", "SQLite ledger file")
	flags.StringVarP(&opts.user, "user", "u", "local", "ledger owner")
	flags.StringVarP(&opts.base, "base", "b", "", "base currency (defaults to LEDGER_BASE_CURRENCY)")
	flags.StringVar(&opts.broker, "broker", "", "force a broker format instead of detecting it")
	flags.StringVar(&opts.instrument, "instrument", "", "filter transactions by instrument key")
	flags.StringVarP(&opts.output, "output", "o", "table", "output format: table, json or yaml")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[2:])

	if err := run(command, flags.Args(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string, opts options, out io.Writer) error {
	level := logging.LevelWarn
	if opts.verbose {
		level = logging.LevelDebug
	}
	logging.InitGlobalLogger(level, logging.FormatText)
	logging.GetGlobalLogger().SetOutput(os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	cfg.Storage.Driver = "sqlite"
	cfg.Database.SQLite.Path = opts.db

	ctx := context.Background()
	deps, err := app.Open(ctx, cfg, app.Options{Offline: true})
	if err != nil {
		return err
	}
	defer deps.Close()

	switch command {
	case "import":
		if len(args) != 1 {
			return fmt.Errorf("import takes exactly one file")
		}
		return runImport(ctx, deps, args[0], opts, out)
	case "positions":
		res, err := deps.Portfolio.Positions(ctx, opts.user, opts.base)
		if err != nil {
			return err
		}
		return render(out, opts.output, res, func(tw *tabwriter.Writer) { positionsTable(tw, res.Positions) })
	case "overview":
		ov, err := deps.Portfolio.Overview(ctx, opts.user, opts.base)
		if err != nil {
			return err
		}
		return render(out, opts.output, ov, func(tw *tabwriter.Writer) { overviewTable(tw, ov) })
	case "transactions":
		txns, err := deps.Store.ListTransactions(ctx, opts.user, models.TransactionFilter{
			InstrumentKey: strings.ToUpper(opts.instrument),
		})
		if err != nil {
			return err
		}
		return render(out, opts.output, txns, func(tw *tabwriter.Writer) { transactionsTable(tw, txns) })
	case "recompute":
		res, err := deps.Ledger.Recompute(ctx, opts.user)
		if err != nil {
			return err
		}
		return render(out, opts.output, res.Positions, func(tw *tabwriter.Writer) {
			fmt.Fprintf(tw, "recomputed\t%d positions\t%d oversells\n", len(res.Positions), len(res.Oversells))
		})
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runImport(ctx context.Context, deps *app.App, path string, opts options, out io.Writer) error {
	data, err := os.ReadFile(path) // #nosec G304 - the path is the operator's own argument
	if err != nil {
		return err
	}
	table, err := tabular.Decode(path, data)
	if err != nil {
		return err
	}
	res, err := deps.Imports.ImportTable(ctx, &service.ImportInput{
		UserID:       opts.user,
		Broker:       opts.broker,
		BaseCurrency: opts.base,
	}, table)
	if err != nil {
		return err
	}
	return render(out, opts.output, res, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "format\t%s\n", res.Format)
		fmt.Fprintf(tw, "received\t%d\nadded\t%d\ndeduped\t%d\nmalformed\t%d\n", res.Received, res.Added, res.Deduped, res.Malformed)
		for _, e := range res.RowErrors {
			fmt.Fprintf(tw, "line %d\t%s\n", e.Line, e.Reason)
		}
		fmt.Fprintln(tw)
		positionsTable(tw, res.Positions)
	})
}

func render(out io.Writer, format string, v interface{}, table func(tw *tabwriter.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// round-trip through JSON so decimals and tags match the API output
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	case "table", "":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func positionsTable(tw *tabwriter.Writer, positions []*models.ValuedPosition) {
	fmt.Fprintln(tw, "INSTRUMENT\tQTY\tAVG COST\tCCY\tPRICE\tFX\tVALUE\tUNREALIZED")
	for _, p := range positions {
		price := "-"
		if p.MarketPrice != nil {
			price = p.MarketPrice.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s %s\t%s\n",
			p.InstrumentKey, p.Quantity, p.AvgCost.StringFixed(2), p.Currency, price,
			p.FxRate.String(), p.MarketValueBase.StringFixed(2), p.BaseCurrency, p.UnrealizedPnLBase.StringFixed(2))
	}
}

func overviewTable(tw *tabwriter.Writer, ov *service.Overview) {
	fmt.Fprintf(tw, "equity\t%s %s\n", ov.EquityBase.StringFixed(2), ov.BaseCurrency)
	fmt.Fprintf(tw, "cost\t%s %s\n", ov.CostBase.StringFixed(2), ov.BaseCurrency)
	fmt.Fprintf(tw, "unrealized\t%s %s\n", ov.UnrealizedBase.StringFixed(2), ov.BaseCurrency)
	fmt.Fprintf(tw, "net deposits\t%s %s\n", ov.NetDeposits.StringFixed(2), ov.BaseCurrency)
	fmt.Fprintf(tw, "twr\t%.4f\nxirr\t%.4f\n", ov.TWR, ov.XIRR)
	fmt.Fprintf(tw, "positions\t%d (%d priced)\n", ov.Positions, ov.PricedPositions)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ALLOCATION\tVALUE\tPERCENT")
	for _, s := range ov.Allocations.ByInstrument {
		fmt.Fprintf(tw, "%s\t%s\t%s%%\n", s.Label, s.ValueBase.StringFixed(2), s.Percent)
	}
}

func transactionsTable(tw *tabwriter.Writer, txns []*models.Transaction) {
	fmt.Fprintln(tw, "DATE\tACTION\tINSTRUMENT\tQTY\tPRICE\tFEE\tTOTAL\tCCY\tBROKER")
	for _, t := range txns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Date.Format(time.DateOnly), t.Action, t.InstrumentKey, t.Quantity, t.Price, t.Fee, t.Total, t.Currency, t.Broker)
	}
}
