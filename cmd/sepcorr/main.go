// Command sepcorr applies SEP reference-surface corrections to survey files.
//
// Usage:
//
//	sepcorr run [flags] INPUT REFERENCE
//	sepcorr preview [-n 10] INPUT
//	sepcorr inspect [-precision 5] [-top 20] REFERENCE
//	sepcorr serve [-addr 127.0.0.1:8080]
//	sepcorr history [-limit 20]
//
// Settings are read from sepcorr.yaml (or $SEPCORR_CONFIG), .env and
// SEPCORR_* environment variables. Interrupting run stops the job
// cooperatively and leaves INPUT untouched.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/andreiashu/sepcorr"
	"github.com/andreiashu/sepcorr/internal/config"
	"github.com/andreiashu/sepcorr/internal/history"
	"github.com/andreiashu/sepcorr/internal/server"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: sepcorr <run|preview|inspect|serve|history> [flags] [args]")
	fmt.Fprintln(w, "  run INPUT REFERENCE    correct INPUT against the SEP table REFERENCE")
	fmt.Fprintln(w, "  preview INPUT          parse the first lines of INPUT")
	fmt.Fprintln(w, "  inspect REFERENCE      summarise a SEP table")
	fmt.Fprintln(w, "  serve                  start the HTTP job API")
	fmt.Fprintln(w, "  history                list recently finished jobs")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet("sepcorr "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (default $SEPCORR_CONFIG or sepcorr.yaml)")

	var exec func(cfg config.Config, logger *log.Logger) int
	switch cmd {
	case "run":
		noHistory := fs.Bool("no-history", false, "do not record the job in the history database")
		markUnmatched := fs.Bool("mark-unmatched", false, "exact matches only; prefix other rows with (*)")
		cache := fs.Bool("cache", false, "reuse a snapshot of the reference table")
		exec = func(cfg config.Config, logger *log.Logger) int {
			if fs.NArg() != 2 {
				fmt.Fprintln(stderr, "usage: sepcorr run [flags] INPUT REFERENCE")
				return exitUsage
			}
			cfg.MarkUnmatched = cfg.MarkUnmatched || *markUnmatched
			cfg.ReferenceCache = cfg.ReferenceCache || *cache
			return runJob(ctx, cfg, logger, fs.Arg(0), fs.Arg(1), !*noHistory, stdout, stderr)
		}
	case "preview":
		n := fs.Int("n", sepcorr.DefaultPreviewLines, "number of lines to parse")
		exec = func(cfg config.Config, logger *log.Logger) int {
			if fs.NArg() != 1 {
				fmt.Fprintln(stderr, "usage: sepcorr preview [-n N] INPUT")
				return exitUsage
			}
			return preview(cfg, logger, fs.Arg(0), *n, stdout, stderr)
		}
	case "inspect":
		precision := fs.Int("precision", 5, "geohash precision of the coverage histogram")
		top := fs.Int("top", 20, "coverage cells to list")
		exec = func(cfg config.Config, logger *log.Logger) int {
			if fs.NArg() != 1 {
				fmt.Fprintln(stderr, "usage: sepcorr inspect [-precision N] [-top N] REFERENCE")
				return exitUsage
			}
			return inspect(cfg, logger, fs.Arg(0), *precision, *top, stdout, stderr)
		}
	case "serve":
		addr := fs.String("addr", "", "listen address (overrides listen_addr)")
		exec = func(cfg config.Config, logger *log.Logger) int {
			if *addr != "" {
				cfg.ListenAddr = *addr
			}
			return serve(ctx, cfg, logger, stderr)
		}
	case "history":
		limit := fs.Int("limit", 20, "entries to list")
		exec = func(cfg config.Config, logger *log.Logger) int {
			return listHistory(ctx, cfg, *limit, stdout, stderr)
		}
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "sepcorr: unknown command %q\n", cmd)
		usage(stderr)
		return exitUsage
	}

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath, true)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	logger := log.New(stderr, "", log.LstdFlags)
	return exec(cfg, logger)
}

func runJob(ctx context.Context, cfg config.Config, logger *log.Logger, input, reference string, record bool, stdout, stderr io.Writer) int {
	var store *history.Store
	if record {
		s, err := history.Open(cfg.DBPath)
		if err != nil {
			logger.Printf("warning: history disabled: %v", err)
		} else {
			store = s
			defer store.Close()
		}
	}

	started := time.Now()
	progress := func(percent float64, message string) {
		fmt.Fprintf(stderr, "\r%s", message)
	}
	sum, err := sepcorr.Run(ctx, input, reference, progress, cfg.EngineOptions(logger)...)
	fmt.Fprintln(stderr)

	if store != nil {
		entry := history.FromSummary(uuid.NewString(), sum, err, started)
		recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.Record(recordCtx, entry); err != nil {
			logger.Printf("warning: recording job: %v", err)
		}
		cancel()
	}

	fmt.Fprint(stdout, sum.Report())
	for _, w := range sum.WarningLines {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	if sum.Warnings > int64(len(sum.WarningLines)) {
		fmt.Fprintf(stdout, "... and %d more parse warnings\n", sum.Warnings-int64(len(sum.WarningLines)))
	}

	switch {
	case sepcorr.IsCancelled(err):
		fmt.Fprintf(stderr, "cancelled; %s left unchanged, partial output in %s\n", input, sum.Output)
		return exitCancelled
	case err != nil:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func preview(cfg config.Config, logger *log.Logger, input string, n int, stdout, stderr io.Writer) int {
	lines, err := sepcorr.Preview(input, n, cfg.EngineOptions(logger)...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	var parsed, kept int
	for _, pl := range lines {
		fmt.Fprint(stdout, pl.String())
		if pl.Parsed {
			parsed++
			if !pl.Dropped {
				kept++
			}
		}
	}
	fmt.Fprintf(stdout, "%d lines: %d parsed, %d kept, %d dropped, %d unparsable\n",
		len(lines), parsed, kept, parsed-kept, len(lines)-parsed)
	return exitOK
}

func inspect(cfg config.Config, logger *log.Logger, reference string, precision, top int, stdout, stderr io.Writer) int {
	table, err := sepcorr.LoadReferenceTable(reference, cfg.EngineOptions(logger)...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "reference: %s\n", reference)
	fmt.Fprintf(stdout, "points:    %d\n", table.PointCount())
	if b, ok := table.Bounds(); ok {
		fmt.Fprintf(stdout, "longitude: %.7f .. %.7f\n", b.MinLon, b.MaxLon)
		fmt.Fprintf(stdout, "latitude:  %.7f .. %.7f\n", b.MinLat, b.MaxLat)
	}
	if n := table.InvalidCount(); n > 0 {
		fmt.Fprintf(stdout, "warning: %d points lie outside valid latitude/longitude ranges\n", n)
	}

	cells := table.Coverage(precision)
	fmt.Fprintf(stdout, "coverage:  %d geohash cells at precision %d\n", len(cells), precision)
	for i, cell := range cells {
		if top > 0 && i >= top {
			fmt.Fprintf(stdout, "  ... %d more\n", len(cells)-top)
			break
		}
		fmt.Fprintf(stdout, "  %-12s %d\n", cell.Geohash, cell.Points)
	}
	return exitOK
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger, stderr io.Writer) int {
	store, err := history.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: opening history: %v\n", err)
		return exitFailure
	}
	defer store.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(cfg, store, logger)
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func listHistory(ctx context.Context, cfg config.Config, limit int, stdout, stderr io.Writer) int {
	store, err := history.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: opening history: %v\n", err)
		return exitFailure
	}
	defer store.Close()

	entries, err := store.Recent(ctx, limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no jobs recorded")
		return exitOK
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "%s  %-9s  %8d processed  %8d filtered  %s\n",
			e.FinishedAt.Local().Format("2006-01-02 15:04:05"), e.Status, e.Processed, e.Filtered, e.Input)
		if e.Error != "" {
			fmt.Fprintf(stdout, "    %s\n", e.Error)
		}
	}
	return exitOK
}
