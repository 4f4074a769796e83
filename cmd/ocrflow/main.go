// Command ocrflow runs the distributed page-OCR pipeline: it converts PDFs
// into structured text records by sending rendered page images to a
// vision-language model behind an OpenAI-compatible endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Lllllllleong/ocrflow/internal/config"
	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/models"
	"github.com/Lllllllleong/ocrflow/internal/orchestrator"
	"github.com/Lllllllleong/ocrflow/internal/queue"
)

func main() {
	app := &cli.App{
		Name:  "ocrflow",
		Usage: "distributed OCR pipeline for PDFs using a vision-language model",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "process the workspace queue, optionally adding new documents first",
				ArgsUsage: "[pdf refs...]",
				Flags: append(commonFlags(),
					&cli.IntFlag{Name: "workers", Usage: "number of concurrent batch workers"},
					&cli.IntFlag{Name: "page-concurrency", Usage: "pages processed in parallel per document"},
					&cli.StringFlag{Name: "base-url", Usage: "external OpenAI-compatible endpoint; empty starts a managed backend"},
					&cli.StringFlag{Name: "model", Usage: "model name the endpoint must serve"},
					&cli.IntFlag{Name: "batch-size", Usage: "documents per work item when populating"},
					&cli.DurationFlag{Name: "visibility", Usage: "lease visibility timeout"},
					&cli.IntFlag{Name: "max-page-retries", Usage: "attempts per page before fallback"},
					&cli.Float64Flag{Name: "max-page-error-rate", Value: -1, Usage: "fraction of fallback pages above which a document fails"},
					&cli.IntFlag{Name: "target-image-dim", Usage: "longest rendered page dimension in pixels"},
					&cli.BoolFlag{Name: "markdown", Usage: "also write one markdown file per document"},
					&cli.BoolFlag{Name: "fallback-partial", Usage: "keep the last partial model output as fallback page text"},
					&cli.StringFlag{Name: "metrics-addr", Usage: "address to serve Prometheus metrics on"},
				),
				Action: runAction,
			},
			{
				Name:      "populate",
				Usage:     "add documents to the workspace queue without processing",
				ArgsUsage: "<pdf refs...>",
				Flags: append(commonFlags(),
					&cli.IntFlag{Name: "batch-size", Usage: "documents per work item"},
				),
				Action: populateAction,
			},
			{
				Name:   "status",
				Usage:  "show queue progress and active leases",
				Flags:  commonFlags(),
				Action: statusAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "workspace", Usage: "workspace directory or gs://bucket/prefix URI"},
		&cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.BoolFlag{Name: "pretty", Usage: "human-readable console logs"},
	}
}

// loadConfig builds the effective configuration: env defaults, then the
// YAML file, then CLI flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if v := c.String("workspace"); v != "" {
		cfg.Workspace = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if c.Bool("pretty") {
		cfg.Log.Pretty = true
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("page-concurrency") {
		cfg.PagesPerDocument = c.Int("page-concurrency")
	}
	if v := c.String("base-url"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := c.String("model"); v != "" {
		cfg.Inference.Model = v
	}
	if c.IsSet("batch-size") {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("visibility") {
		cfg.Visibility = config.Duration(c.Duration("visibility"))
	}
	if c.IsSet("max-page-retries") {
		cfg.MaxPageRetries = c.Int("max-page-retries")
	}
	if rate := c.Float64("max-page-error-rate"); rate >= 0 {
		cfg.MaxPageErrorRate = rate
	}
	if c.IsSet("target-image-dim") {
		cfg.TargetImageDim = c.Int("target-image-dim")
	}
	if c.Bool("markdown") {
		cfg.Markdown = true
	}
	if c.Bool("fallback-partial") {
		cfg.FallbackPartial = true
	}
	if v := c.String("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
	return cfg, nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	unrecoverable, err := orchestrator.New(cfg, log).Run(context.Background(), c.Args().Slice())
	if err != nil {
		return err
	}
	if unrecoverable > 0 {
		return cli.Exit(fmt.Sprintf("%d batches could not be processed", unrecoverable), 1)
	}
	return nil
}

func populateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	refs := c.Args().Slice()
	if len(refs) == 0 {
		return fmt.Errorf("at least one pdf ref is required")
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	ctx := context.Background()
	store, err := orchestrator.OpenStore(ctx, cfg.Workspace)
	if err != nil {
		return err
	}
	added, err := queue.Populate(ctx, store, log, refs, cfg.BatchSize)
	if err != nil {
		return err
	}
	fmt.Printf("Added %d new work items\n", added)
	return nil
}

func statusAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}

	ctx := context.Background()
	store, err := orchestrator.OpenStore(ctx, cfg.Workspace)
	if err != nil {
		return err
	}
	q, err := queue.New(ctx, store, logger.Nop())
	if err != nil {
		return err
	}

	fmt.Printf("Workspace: %s\n", cfg.Workspace)
	fmt.Printf("Work items: %d total, %d remaining\n", q.Size(), q.Remaining())

	keys, err := store.List(ctx, "worker_locks/")
	if err != nil {
		return fmt.Errorf("failed to list leases: %w", err)
	}
	now := time.Now()
	active := 0
	for _, key := range keys {
		obj, gerr := store.Get(ctx, key)
		if gerr != nil {
			continue
		}
		var lease models.Lease
		if json.Unmarshal(obj.Data, &lease) != nil || lease.Expired(now) {
			continue
		}
		active++
		fmt.Printf("  leased: %s by %s, expires in %s\n",
			lease.WorkItemID, lease.OwnerID, lease.ExpiresAt.Sub(now).Round(time.Second))
	}
	if active == 0 && q.Remaining() > 0 {
		fmt.Println("No active leases")
	}
	return nil
}
