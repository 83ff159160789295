// Package main provides an operator CLI for the scrape scheduler.
//
// Usage:
//
//	schedule seller -id <sellerId> [-mode manual|batch|auto|test] [-start N -end M] [-max-pages N] [-full]
//	schedule start-all [-mode manual|auto]
//	schedule due
//	schedule stop-all [-reason text]
//	schedule cancel -job <jobId> [-reason text]
//	schedule health
//	schedule sweep
//	schedule retention
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seed-scraper/internal/bootstrap"
	"github.com/seed-scraper/internal/config"
	"github.com/seed-scraper/internal/pipeline"
	"github.com/seed-scraper/internal/scheduler"
	"github.com/seed-scraper/internal/types"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: schedule <seller|start-all|due|stop-all|cancel|health|sweep|retention> [flags]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := bootstrap.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.Connect(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect")
	}
	defer infra.Close()

	stores := bootstrap.NewStores(infra.Postgres)
	queues := bootstrap.NewQueues(infra.Redis.Client(), cfg.Queue, logger)
	sched := bootstrap.NewScheduler(cfg, stores.Jobs, stores.Sellers, queues, logger)

	result, err := run(ctx, command, args, sched, queues)
	if err != nil {
		logger.WithError(err).WithField("command", command).Error("Command failed")
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("Failed to write result: %v", err)
	}
}

func run(ctx context.Context, command string, args []string, sched *bootstrap.Scheduler, queues *bootstrap.Queues) (interface{}, error) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)

	switch command {
	case "seller":
		sellerID := fs.String("id", "", "seller id")
		mode := modeFlags(fs)
		_ = fs.Parse(args)
		if *sellerID == "" {
			return nil, fmt.Errorf("-id is required")
		}
		req, err := mode.request()
		if err != nil {
			return nil, err
		}
		return sched.Orchestrator.ScheduleOne(ctx, *sellerID, req)

	case "start-all":
		mode := modeFlags(fs)
		_ = fs.Parse(args)
		req, err := mode.request()
		if err != nil {
			return nil, err
		}
		return sched.Bulk.StartAll(ctx, req)

	case "due":
		_ = fs.Parse(args)
		return sched.Bulk.RunDue(ctx)

	case "stop-all":
		reason := fs.String("reason", "", "cancellation reason stored on every job")
		_ = fs.Parse(args)
		return sched.Bulk.StopAll(ctx, *reason)

	case "cancel":
		jobID := fs.String("job", "", "job id")
		reason := fs.String("reason", "", "cancellation reason")
		_ = fs.Parse(args)
		if *jobID == "" {
			return nil, fmt.Errorf("-job is required")
		}
		return sched.Canceller.Cancel(ctx, *jobID, "", *reason)

	case "health":
		_ = fs.Parse(args)
		return sched.Bulk.Health(ctx, queues.All()...)

	case "sweep":
		_ = fs.Parse(args)
		created, err := sched.Janitor.SweepStaleCreated(ctx)
		if err != nil {
			return nil, err
		}
		orphaned, err := sched.Janitor.ReconcileOrphaned(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"staleCreated": created, "orphaned": orphaned}, nil

	case "retention":
		_ = fs.Parse(args)
		return sched.Janitor.CleanupRetention(ctx)
	}

	usage()
	return nil, nil
}

type modeOptions struct {
	mode     *string
	start    *int
	end      *int
	maxPages *int
	full     *bool
	fs       *flag.FlagSet
}

func modeFlags(fs *flag.FlagSet) *modeOptions {
	return &modeOptions{
		mode:     fs.String("mode", string(types.ModeManual), "job mode: manual, batch, auto, test"),
		start:    fs.Int("start", 0, "first page (batch)"),
		end:      fs.Int("end", 0, "last page (batch)"),
		maxPages: fs.Int("max-pages", 0, "page limit (manual)"),
		full:     fs.Bool("full", false, "crawl until an empty page (manual)"),
		fs:       fs,
	}
}

// request builds the mode config from the flags that were given explicitly
func (o *modeOptions) request() (scheduler.Request, error) {
	mode, err := types.ParseJobMode(*o.mode)
	if err != nil {
		return scheduler.Request{}, err
	}

	set := make(map[string]bool)
	o.fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var fields pipeline.ModeFields
	if set["start"] {
		fields.StartPage = o.start
	}
	if set["end"] {
		fields.EndPage = o.end
	}
	if set["max-pages"] {
		fields.MaxPages = o.maxPages
	}
	if set["full"] {
		fields.FullSiteCrawl = o.full
	}

	cfg, err := pipeline.NewModeConfig(mode, fields)
	if err != nil {
		return scheduler.Request{}, err
	}
	return scheduler.Request{Config: cfg}, nil
}
