// Package render turns source-document pages into raster images for the
// inference backend. Rendering is CPU-bound, so it runs under its own
// bounded pool rather than inline on the worker goroutines.
package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/image/draw"
	"golang.org/x/sync/semaphore"
)

// Renderer renders pages of a PDF to base64-encoded PNG images.
type Renderer struct {
	pool *semaphore.Weighted
}

// NewRenderer creates a renderer that runs at most maxParallel renders at
// once.
func NewRenderer(maxParallel int64) *Renderer {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Renderer{pool: semaphore.NewWeighted(maxParallel)}
}

// PageCount validates the source and returns its page count. A failure here
// means the source itself is corrupt and the document must be skipped, not
// retried.
func PageCount(path string) (int, error) {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, cfg); err != nil {
		return 0, fmt.Errorf("source failed validation: %w", err)
	}
	count, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if count == 0 {
		return 0, fmt.Errorf("source has no pages")
	}
	return count, nil
}

// RenderPage renders one page (1-indexed) to a base64 PNG, scaled so its
// longest side is targetLongestDim pixels and rotated by the given multiple
// of 90 degrees.
func (r *Renderer) RenderPage(ctx context.Context, pdfPath string, page, targetLongestDim, rotation int) (string, error) {
	if rotation%90 != 0 {
		return "", fmt.Errorf("rotation must be a multiple of 90, got %d", rotation)
	}
	if err := r.pool.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.pool.Release(1)

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source %s: %w", pdfPath, err)
	}
	defer doc.Close()

	if page < 1 || page > doc.NumPage() {
		return "", fmt.Errorf("page %d out of range (document has %d pages)", page, doc.NumPage())
	}

	rgba, err := doc.Image(page - 1)
	if err != nil {
		return "", fmt.Errorf("failed to render page %d: %w", page, err)
	}

	img := scaleToLongestDim(rgba, targetLongestDim)
	if rot := ((rotation % 360) + 360) % 360; rot != 0 {
		img = rotate(img, rot)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode page %d: %w", page, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func scaleToLongestDim(img image.Image, target int) image.Image {
	if target <= 0 {
		return img
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	longest := max(w, h)
	if longest == target {
		return img
	}
	scale := float64(target) / float64(longest)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale+0.5), int(float64(h)*scale+0.5)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

func rotate(img image.Image, degrees int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var dst *image.RGBA
	if degrees == 180 {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(bounds.Min.X+x, bounds.Min.Y+y)
			switch degrees {
			case 90:
				dst.Set(h-1-y, x, c)
			case 180:
				dst.Set(w-1-x, h-1-y, c)
			case 270:
				dst.Set(y, w-1-x, c)
			}
		}
	}
	return dst
}
