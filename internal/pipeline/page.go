package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/ocrflow/internal/inference"
	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/metrics"
	"github.com/Lllllllleong/ocrflow/internal/models"
)

// Temperature escalates with the attempt number to shake the model out of
// degenerate output, at the expense of transcription quality.
var temperatureByAttempt = []float64{0.1, 0.1, 0.2, 0.3, 0.5, 0.8, 0.1, 0.8}

// Completer sends one completion request to the inference backend.
type Completer interface {
	Complete(ctx context.Context, req *inference.Request) (*inference.Completion, error)
}

// PageRenderer renders one page of a local source file to a base64 PNG.
type PageRenderer interface {
	RenderPage(ctx context.Context, path string, page, targetLongestDim, rotation int) (string, error)
}

// PageConfig holds per-page processing settings.
type PageConfig struct {
	MaxAttempts     int
	TargetImageDim  int
	MaxTokens       int
	ModelMaxContext int
	// FallbackPartial keeps the last partial model output as the fallback
	// page text instead of leaving it empty.
	FallbackPartial bool
}

// PageProcessor resolves one (document, page) pair into a PageResult. Every
// page terminates in either a validated model response or a fallback stub;
// nothing is ever silently dropped.
type PageProcessor struct {
	client    Completer
	renderer  PageRenderer
	validator *Validator
	cfg       PageConfig
	log       *logger.Logger
	sink      *metrics.Sink
}

// NewPageProcessor creates a page processor.
func NewPageProcessor(client Completer, renderer PageRenderer, cfg PageConfig, log *logger.Logger, sink *metrics.Sink) *PageProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.TargetImageDim <= 0 {
		cfg.TargetImageDim = 1288
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4500
	}
	if cfg.ModelMaxContext <= 0 {
		cfg.ModelMaxContext = 16384
	}
	return &PageProcessor{
		client:    client,
		renderer:  renderer,
		validator: NewValidator(),
		cfg:       cfg,
		log:       log,
		sink:      sink,
	}
}

// ProcessPage runs the per-page attempt loop: render, request, validate,
// retry with escalating temperature, and finally fall back.
func (p *PageProcessor) ProcessPage(ctx context.Context, sourceRef, localPath string, pageNum int) models.PageResult {
	log := p.log.PageLogger(sourceRef, pageNum)
	start := time.Now()

	imageDim := p.cfg.TargetImageDim
	rotation := 0
	lastReason := ""
	lastPartial := ""

attempts:
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastReason = "cancelled: " + ctx.Err().Error()
			break
		}

		result, retry, err := p.attempt(ctx, log, localPath, pageNum, attempt, imageDim, rotation)
		if err == nil {
			result.SourceRef = sourceRef
			p.sink.ObservePage(false, result.InputTokens, result.OutputTokens, time.Since(start))
			return *result
		}
		lastReason = err.Error()

		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			p.sink.ObserveRetry(verr.Cause)
			switch verr.Cause {
			case "rotation":
				rotation = retry.rotation
			case "truncated":
				// Shrink the rendered image so the visual token count
				// fits the model context next time around.
				imageDim = max(512, imageDim*3/4)
			}
			if retry.partial != "" {
				lastPartial = retry.partial
			}
			log.Warn().Int("attempt", attempt).Str("cause", verr.Cause).Msg("Response failed validation, retrying")
		case isNetworkExhaustion(err):
			// The client already retried the transport and waited out the
			// health probe; at this point the backend is simply gone.
			p.sink.ObserveRetry("network")
			log.Warn().Int("attempt", attempt).Err(err).Msg("Backend unavailable")
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Force-cancelled attempts resolve as fallback, never as a
			// lost page.
			break attempts
		default:
			p.sink.ObserveRetry("server")
			log.Warn().Int("attempt", attempt).Err(err).Msg("Attempt failed, retrying")
		}
	}

	log.Error().Str("reason", lastReason).Int("max_attempts", p.cfg.MaxAttempts).Msg("Page attempts exhausted, producing fallback result")
	result := p.fallbackResult(sourceRef, pageNum, lastReason, lastPartial)
	p.sink.ObservePage(true, 0, 0, time.Since(start))
	return result
}

// retryAdjustment carries retry parameters extracted from a failed attempt.
type retryAdjustment struct {
	rotation int
	partial  string
}

func (p *PageProcessor) attempt(ctx context.Context, log *logger.Logger, localPath string, pageNum, attempt, imageDim, rotation int) (*models.PageResult, retryAdjustment, error) {
	var adj retryAdjustment

	imageB64, err := p.renderer.RenderPage(ctx, localPath, pageNum, imageDim, rotation)
	if err != nil {
		return nil, adj, fmt.Errorf("failed to render page: %w", err)
	}

	lookup := min(attempt, len(temperatureByAttempt)-1)
	req := &inference.Request{
		Messages: []inference.Message{
			{Role: "system", Content: []inference.ContentPart{{Type: "text", Text: PageSystemPrompt}}},
			{
				Role: "user",
				Content: []inference.ContentPart{
					{Type: "image_url", ImageURL: &inference.ImageURL{URL: "data:image/png;base64," + imageB64}},
					{Type: "text", Text: PageUserPrompt},
				},
			},
		},
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: temperatureByAttempt[lookup],
	}

	completion, err := p.client.Complete(ctx, req)
	if err != nil {
		return nil, adj, err
	}
	adj.partial = completion.Content

	if completion.TotalTokens > p.cfg.ModelMaxContext || completion.FinishReason == "length" {
		return nil, adj, &ValidationError{Cause: "truncated", Detail: fmt.Sprintf("response used %d tokens against a context of %d", completion.TotalTokens, p.cfg.ModelMaxContext)}
	}

	resp, err := p.validator.Parse(completion.Content)
	if err != nil {
		return nil, adj, err
	}

	if !resp.IsRotationValid && attempt < p.cfg.MaxAttempts-1 {
		adj.rotation = resp.RotationCorrection
		return nil, adj, &ValidationError{Cause: "rotation", Detail: fmt.Sprintf("page needs %d degree rotation", resp.RotationCorrection)}
	}

	return &models.PageResult{
		PageNumber:   pageNum,
		Response:     *resp,
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	}, adj, nil
}

func (p *PageProcessor) fallbackResult(sourceRef string, pageNum int, reason, partial string) models.PageResult {
	text := ""
	if p.cfg.FallbackPartial {
		text = stripFences(partial)
	}
	return models.PageResult{
		SourceRef:  sourceRef,
		PageNumber: pageNum,
		Response: models.PageResponse{
			IsRotationValid: true,
			NaturalText:     &text,
		},
		IsFallback:  true,
		ErrorReason: reason,
	}
}

func isNetworkExhaustion(err error) bool {
	var netErr *inference.NetworkError
	return errors.As(err, &netErr)
}
