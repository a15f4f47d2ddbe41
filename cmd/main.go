package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"

	httpapi "squeeze/internal/http"
	"squeeze/pkg/client"
	"squeeze/pkg/jobs"
	"squeeze/pkg/squeezeerr"
	"squeeze/pkg/types"
)

type globalOptions struct {
	Config string `short:"c" long:"config" default:"config.yaml" description:"YAML config file"`
}

var global globalOptions

type serveCommand struct {
	Port int `short:"p" long:"port" description:"HTTP port, overrides http-server.port"`
}

// Execute runs the HTTP API until SIGINT or SIGTERM.
func (c *serveCommand) Execute(_ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(global.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	initLogger(&cfg)

	reg := prometheus.NewRegistry()
	svc, m, closeLocker, err := initService(&cfg, reg)
	if err != nil {
		return err
	}
	defer closeLocker()

	queue := jobs.New(svc, jobs.Options{
		Workers: cfg.Jobs.Workers,
		Queue:   cfg.Jobs.Queue,
		Queued:  m.JobsQueued,
		Logger:  slog.Default(),
	})
	queue.Start(ctx)
	defer queue.Stop()

	server := httpapi.NewServer(svc, queue, reg, strconv.Itoa(cfg.Server.Port))
	if cfg.Server.ReadHeaderTimeout > 0 {
		server.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	}
	if err := server.Start(); err != nil {
		return err
	}

	slog.Info("squeeze is serving", "scratch_root", cfg.Staging.ScratchRoot, "coordination", cfg.Coordination.Mode)
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("Error stopping server", "error", err)
	}
	slog.Info("squeeze stopped")
	return nil
}

type compactCommand struct {
	Source    string `short:"s" long:"source" required:"true" description:"dataset directory or URI to compact"`
	Target    string `short:"t" long:"target" description:"write here instead of compacting in place"`
	Threshold int64  `long:"threshold" description:"files below this many bytes are merged"`
	Reducers  int    `long:"reducers" description:"upper bound on output files"`
	FileType  string `long:"file-type" description:"text, gzip, zstd, avro, parquet or orc"`
	Schema    string `long:"schema" description:"schema file for schema-aware formats"`
	Remote    string `long:"remote" description:"queue the job on a running server at this URL instead of running locally"`
}

// Execute runs one compaction and prints the result as JSON.
func (c *compactCommand) Execute(_ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(global.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initLogger(&cfg)

	criteria := types.CompactionCriteria{
		SourcePath:       c.Source,
		TargetPath:       c.Target,
		ThresholdInBytes: c.Threshold,
		MaxReducers:      c.Reducers,
		SchemaPath:       c.Schema,
	}
	if c.FileType != "" {
		if criteria.FileType, err = types.ParseFileType(c.FileType); err != nil {
			return err
		}
	}
	if c.Remote != "" {
		return c.runRemote(ctx, criteria)
	}

	svc, _, closeLocker, err := initService(&cfg, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer closeLocker()

	res, err := svc.Compact(ctx, &criteria)
	printJSON(res)
	if err != nil {
		slog.Error("compaction failed", "kind", squeezeerr.KindOf(err), "safe_to_retry", squeezeerr.SafeToRetry(err), "error", err)
	}
	return err
}

func (c *compactCommand) runRemote(ctx context.Context, criteria types.CompactionCriteria) error {
	api := client.New(c.Remote, nil)
	job, err := api.Submit(ctx, criteria)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	slog.Info("job submitted", "id", job.ID, "server", c.Remote)

	job, err = api.Wait(ctx, job.ID, time.Second)
	printJSON(job)
	if err != nil {
		return err
	}
	if job.Status == jobs.StatusFailed {
		return fmt.Errorf("job %s failed (%s): %s", job.ID, job.ErrorKind, job.Error)
	}
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("Error encoding result", "error", err)
	}
}

func main() {
	parser := flags.NewParser(&global, flags.Default)
	parser.ShortDescription = "squeeze compacts directories of small files"

	if _, err := parser.AddCommand("serve", "Run the HTTP API", "Serves synchronous and queued compactions over HTTP.", &serveCommand{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("compact", "Compact one dataset", "Compacts --source in place, or into --target when given.", &compactCommand{}); err != nil {
		panic(err)
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
