package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/metrics"
	"github.com/Lllllllleong/ocrflow/internal/models"
	"github.com/Lllllllleong/ocrflow/internal/render"
)

// DocConfig holds per-document processing settings.
type DocConfig struct {
	// PageConcurrency bounds how many pages of one document are in flight
	// at once.
	PageConcurrency int64
	// MaxPageErrorRate fails the document when the fallback fraction
	// exceeds it. 1.0 keeps every document regardless of degradation.
	MaxPageErrorRate float64
}

// DocumentProcessor fans out page processing for one document and assembles
// the ordered results into a single output record.
type DocumentProcessor struct {
	pages   *PageProcessor
	fetcher *Fetcher
	cfg     DocConfig
	log     *logger.Logger
	sink    *metrics.Sink
}

// NewDocumentProcessor creates a document processor.
func NewDocumentProcessor(pages *PageProcessor, fetcher *Fetcher, cfg DocConfig, log *logger.Logger, sink *metrics.Sink) *DocumentProcessor {
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = 8
	}
	if cfg.MaxPageErrorRate <= 0 {
		cfg.MaxPageErrorRate = 1.0
	}
	return &DocumentProcessor{pages: pages, fetcher: fetcher, cfg: cfg, log: log, sink: sink}
}

// Process resolves every page of the referenced document and assembles the
// final record. The only fatal outcome is an unresolvable or corrupt source;
// page failures degrade to fallback results instead of failing the document.
func (d *DocumentProcessor) Process(ctx context.Context, sourceRef string) (*models.Document, error) {
	log := d.log.DocLogger(sourceRef)

	localPath, cleanup, err := d.fetcher.Fetch(ctx, sourceRef)
	if err != nil {
		d.sink.ObserveDocument(true)
		return nil, fmt.Errorf("failed to resolve source: %w", err)
	}
	defer cleanup()

	pageCount, err := render.PageCount(localPath)
	if err != nil {
		d.sink.ObserveDocument(true)
		return nil, fmt.Errorf("unreadable source: %w", err)
	}
	log.Info().Int("pages", pageCount).Msg("Starting document")

	results := make([]models.PageResult, pageCount)
	sem := semaphore.NewWeighted(d.cfg.PageConcurrency)
	eg, gctx := errgroup.WithContext(ctx)
	for i := 0; i < pageCount; i++ {
		pageNum := i + 1
		slot := i
		eg.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				// Shutdown before this page started: resolve it as an
				// immediate fallback so the document stays complete.
				results[slot] = models.PageResult{
					SourceRef:   sourceRef,
					PageNumber:  pageNum,
					Response:    models.PageResponse{IsRotationValid: true, NaturalText: new(string)},
					IsFallback:  true,
					ErrorReason: "cancelled before start",
				}
				d.sink.ObservePage(true, 0, 0, 0)
				return nil
			}
			defer sem.Release(1)
			results[slot] = d.pages.ProcessPage(gctx, sourceRef, localPath, pageNum)
			return nil
		})
	}
	_ = eg.Wait()

	fallbacks := 0
	for _, r := range results {
		if r.IsFallback {
			fallbacks++
		}
	}
	if rate := float64(fallbacks) / float64(pageCount); rate > d.cfg.MaxPageErrorRate {
		d.sink.ObserveDocument(true)
		return nil, fmt.Errorf("document degraded past the acceptable error rate: %d of %d pages fell back", fallbacks, pageCount)
	}
	if fallbacks > 0 {
		log.Warn().Int("fallback_pages", fallbacks).Int("pages", pageCount).Msg("Document completed with degraded pages")
	}

	doc := AssembleDocument(sourceRef, results)
	d.sink.ObserveDocument(false)
	log.Info().Str("id", doc.ID).Int("chars", len(doc.Text)).Msg("Document assembled")
	return doc, nil
}

// AssembleDocument stitches ordered page results into one record. Pages are
// sorted by page number regardless of completion order, and the resulting
// page spans exactly cover the concatenated text with no gaps or overlaps.
func AssembleDocument(sourceRef string, results []models.PageResult) *models.Document {
	ordered := make([]models.PageResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].PageNumber < ordered[j].PageNumber
	})

	var text strings.Builder
	spans := make([]models.PageSpan, 0, len(ordered))
	flags := make([]models.PageFlags, 0, len(ordered))
	meta := models.DocumentMetadata{
		SourceFile:      sourceRef,
		PipelineVersion: models.Version,
		TotalPages:      len(ordered),
	}

	for i, result := range ordered {
		content := result.Response.Text()
		if i < len(ordered)-1 && content != "" {
			content += "\n"
		}

		start := text.Len()
		text.WriteString(content)
		span := models.PageSpan{Start: start, End: text.Len(), PageNumber: result.PageNumber}
		spans = append(spans, span)

		flag := models.PageFlags{
			Span:       span,
			Rotation:   result.Response.RotationCorrection,
			IsTable:    result.Response.IsTable,
			IsDiagram:  result.Response.IsDiagram,
			IsFallback: result.IsFallback,
		}
		if result.Response.PrimaryLanguage != nil {
			flag.PrimaryLanguage = *result.Response.PrimaryLanguage
		}
		flags = append(flags, flag)

		meta.TotalInputTokens += result.InputTokens
		meta.TotalOutputTokens += result.OutputTokens
		if result.IsFallback {
			meta.FallbackPages++
		}
	}

	assembled := text.String()
	hash := sha1.Sum([]byte(assembled))
	now := models.NewTimestamp()
	return &models.Document{
		ID:       hex.EncodeToString(hash[:]),
		Text:     assembled,
		Source:   "ocrflow",
		Added:    now,
		Created:  now,
		Metadata: meta,
		Attributes: models.DocumentAttributes{
			PageSpans: spans,
			PageFlags: flags,
		},
	}
}
