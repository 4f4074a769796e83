// Package orchestrator wires the pipeline together: workspace storage, the
// work queue, the inference endpoint (external or self-managed), the worker
// pool, and graceful shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lllllllleong/ocrflow/internal/config"
	"github.com/Lllllllleong/ocrflow/internal/inference"
	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/metrics"
	"github.com/Lllllllleong/ocrflow/internal/pipeline"
	"github.com/Lllllllleong/ocrflow/internal/queue"
	"github.com/Lllllllleong/ocrflow/internal/render"
	"github.com/Lllllllleong/ocrflow/internal/server"
	"github.com/Lllllllleong/ocrflow/internal/storage"
	"github.com/Lllllllleong/ocrflow/internal/worker"
)

// shutdownGrace is how long in-flight batches get to finish after the first
// interrupt before processing is cancelled outright.
const shutdownGrace = 5 * time.Minute

// Orchestrator owns one pipeline run end to end.
type Orchestrator struct {
	cfg *config.Config
	log *logger.Logger
}

// New creates an orchestrator for the given configuration.
func New(cfg *config.Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, log: log}
}

// OpenStore resolves the workspace into a blob store.
func OpenStore(ctx context.Context, workspace string) (storage.BlobStore, error) {
	bucket, prefix, isGCS := storage.ParseWorkspace(workspace)
	if isGCS {
		return storage.NewGCSStore(ctx, bucket, prefix)
	}
	return storage.NewLocalStore(workspace)
}

// Run executes the pipeline until the queue drains or shutdown is requested.
// It returns the number of batches left unrecoverable; the process exit code
// is non-zero when that count is.
func (o *Orchestrator) Run(ctx context.Context, sourceRefs []string) (int, error) {
	cfg := o.cfg
	log := o.log

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// --- 1. Workspace and queue ---
	store, err := OpenStore(ctx, cfg.Workspace)
	if err != nil {
		return 0, fmt.Errorf("failed to open workspace %s: %w", cfg.Workspace, err)
	}
	if len(sourceRefs) > 0 {
		added, perr := queue.Populate(ctx, store, log, sourceRefs, cfg.BatchSize)
		if perr != nil {
			return 0, fmt.Errorf("failed to populate work queue: %w", perr)
		}
		log.Info().Int("added", added).Msg("Populated work queue")
	}
	q, err := queue.New(ctx, store, log)
	if err != nil {
		return 0, fmt.Errorf("failed to load work queue: %w", err)
	}
	if q.Remaining() == 0 {
		log.Info().Msg("Work queue is already fully processed, nothing to do")
		return 0, nil
	}
	log.Info().Int("total", q.Size()).Int("remaining", q.Remaining()).Msg("Loaded work queue")

	// --- 2. Metrics ---
	registry := prometheus.NewRegistry()
	sink := metrics.NewSink(registry)
	if cfg.Metrics.Addr != "" {
		o.serveMetrics(ctx, registry)
	}

	// --- 3. Inference endpoint ---
	baseURL := cfg.Inference.BaseURL
	var backend *server.Manager
	if baseURL == "" {
		backend = server.NewManager(server.Config{
			Command:         cfg.Backend.Command,
			Args:            cfg.Backend.Args,
			Model:           cfg.Inference.Model,
			Port:            cfg.Backend.Port,
			ServedModelName: cfg.Inference.Model,
			MaxRestarts:     cfg.Backend.MaxRestarts,
			ReadyTimeout:    cfg.Backend.ReadyTimeout.Std(),
		}, log)
		if err := backend.Start(ctx); err != nil {
			return 0, fmt.Errorf("failed to start inference backend: %w", err)
		}
		defer backend.Stop()
		baseURL = backend.BaseURL()
	}

	client, err := inference.NewClient(inference.Config{
		BaseURL:        baseURL,
		Model:          cfg.Inference.Model,
		MaxInFlight:    int64(cfg.Inference.MaxInFlight),
		RequestTimeout: cfg.Inference.RequestTimeout.Std(),
	}, log, sink)
	if err != nil {
		return 0, err
	}
	if cfg.Inference.BaseURL != "" {
		// An external endpoint must already be up and serving the right
		// model; a mismatch is an operator error, not something to retry.
		if err := client.WaitHealthy(ctx); err != nil {
			return 0, err
		}
	}
	if err := client.VerifyModel(ctx); err != nil {
		return 0, err
	}

	// --- 4. Pipeline and worker pool ---
	var gcsClient *gcs.Client
	if gstore, ok := store.(*storage.GCSStore); ok {
		gcsClient = gstore.Client()
	} else if c, cerr := gcs.NewClient(ctx); cerr == nil {
		gcsClient = c
	} else {
		log.Debug().Err(cerr).Msg("GCS client unavailable, gs:// sources will not resolve")
	}

	pages := pipeline.NewPageProcessor(client, render.NewRenderer(int64(cfg.PagesPerDocument)), pipeline.PageConfig{
		MaxAttempts:     cfg.MaxPageRetries,
		TargetImageDim:  cfg.TargetImageDim,
		MaxTokens:       cfg.MaxTokens,
		ModelMaxContext: cfg.ModelMaxContext,
		FallbackPartial: cfg.FallbackPartial,
	}, log, sink)
	docs := pipeline.NewDocumentProcessor(pages, pipeline.NewFetcher(gcsClient), pipeline.DocConfig{
		PageConcurrency:  int64(cfg.PagesPerDocument),
		MaxPageErrorRate: cfg.MaxPageErrorRate,
	}, log, sink)

	manager := worker.NewManager(worker.Config{
		NumWorkers:       cfg.Workers,
		Visibility:       cfg.Visibility.Std(),
		MaxBatchAttempts: cfg.MaxBatchAttempts,
		Markdown:         cfg.Markdown,
	}, q, docs, store, uuid.NewString(), log, sink)

	stopSignals := o.handleSignals(cancel, manager)
	defer stopSignals()

	if backend != nil {
		monitorCtx, stopMonitor := context.WithCancel(ctx)
		defer stopMonitor()
		go func() {
			if merr := backend.Monitor(monitorCtx); merr != nil {
				if errors.Is(merr, server.ErrBackendGaveUp) {
					log.Error().Msg("Inference backend is unrecoverable, aborting run")
				} else {
					log.Error().Err(merr).Msg("Inference backend supervisor failed")
				}
				cancel()
			}
		}()
	}

	runErr := manager.Run(ctx)

	// --- 5. Summary ---
	snap := sink.Snapshot()
	o.logSummary(snap, manager.Unrecoverable(), q.Remaining())
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return manager.Unrecoverable(), runErr
	}
	return manager.Unrecoverable(), degradedRunError(snap)
}

// degradedRunError reports a run where every page resolved as a fallback
// stub. The result files exist but carry no usable text; the usual cause is
// an unreachable or misbehaving inference backend, and the process must not
// exit cleanly over it.
func degradedRunError(snap metrics.Snapshot) error {
	if snap.Pages > 0 && snap.FallbackRate() == 1.0 {
		return fmt.Errorf("all %d processed pages resolved as fallbacks, inference output is unusable", snap.Pages)
	}
	return nil
}

// handleSignals installs two-stage shutdown: the first interrupt quiesces
// the pool and arms a grace timer, a second interrupt (or the timer)
// cancels processing outright.
func (o *Orchestrator) handleSignals(cancel context.CancelFunc, manager *worker.Manager) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			o.log.Warn().Str("signal", sig.String()).Dur("grace", shutdownGrace).Msg("Shutdown requested, finishing in-flight batches")
			manager.Quiesce()
			timer := time.AfterFunc(shutdownGrace, cancel)
			select {
			case <-done:
				timer.Stop()
			case <-sigCh:
				o.log.Warn().Msg("Second interrupt, cancelling immediately")
				timer.Stop()
				cancel()
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func (o *Orchestrator) serveMetrics(ctx context.Context, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: o.cfg.Metrics.Addr, Handler: mux}
	go func() {
		o.log.Info().Str("addr", o.cfg.Metrics.Addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.log.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = srv.Shutdown(shCtx)
	}()
}

func (o *Orchestrator) logSummary(snap metrics.Snapshot, unrecoverable, remaining int) {
	o.log.Info().
		Int64("pages", snap.Pages).
		Int64("fallback_pages", snap.FallbackPages).
		Float64("fallback_rate", snap.FallbackRate()).
		Int64("retries", snap.Retries).
		Int64("documents", snap.Documents).
		Int64("failed_documents", snap.FailedDocs).
		Int64("input_tokens", snap.InputTokens).
		Int64("output_tokens", snap.OutputTokens).
		Dur("elapsed", snap.Elapsed).
		Int("unrecoverable_batches", unrecoverable).
		Int("remaining_batches", remaining).
		Msg("Run complete")
}
