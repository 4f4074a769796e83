package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalPDF builds a valid single-page landscape PDF (144x72pt) with a
// correct xref table, so both mupdf and pdfcpu accept it.
func minimalPDF() []byte {
	var b bytes.Buffer
	offsets := make([]int, 4)
	b.WriteString("%PDF-1.4\n")
	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 144 72] /Resources << >> >>\nendobj\n")
	start := b.Len()
	b.WriteString("xref\n0 4\n0000000000 65535 f \n")
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", start)
	return b.Bytes()
}

func writeTestPDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.pdf")
	require.NoError(t, os.WriteFile(path, minimalPDF(), 0o644))
	return path
}

func decodePNG(t *testing.T, b64 string) image.Image {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img
}

func TestRenderPage(t *testing.T) {
	path := writeTestPDF(t)
	r := NewRenderer(1)

	encoded, err := r.RenderPage(context.Background(), path, 1, 100, 0)
	require.NoError(t, err)
	img := decodePNG(t, encoded)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestRenderPage_Rotated(t *testing.T) {
	path := writeTestPDF(t)
	r := NewRenderer(1)

	encoded, err := r.RenderPage(context.Background(), path, 1, 100, 90)
	require.NoError(t, err)
	img := decodePNG(t, encoded)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())
}

func TestRenderPage_OutOfRange(t *testing.T) {
	path := writeTestPDF(t)
	r := NewRenderer(1)

	_, err := r.RenderPage(context.Background(), path, 2, 100, 0)
	assert.Error(t, err)

	_, err = r.RenderPage(context.Background(), path, 1, 100, 45)
	assert.Error(t, err)
}

func TestPageCount(t *testing.T) {
	path := writeTestPDF(t)
	count, err := PageCount(path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestScaleToLongestDim(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2000, 1000))

	scaled := scaleToLongestDim(src, 1288)
	assert.Equal(t, 1288, scaled.Bounds().Dx())
	assert.Equal(t, 644, scaled.Bounds().Dy())

	// Portrait pages scale along the height.
	portrait := image.NewRGBA(image.Rect(0, 0, 1000, 2000))
	scaled = scaleToLongestDim(portrait, 512)
	assert.Equal(t, 256, scaled.Bounds().Dx())
	assert.Equal(t, 512, scaled.Bounds().Dy())
}

func TestScaleToLongestDim_NoopCases(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 640, 480))
	assert.Same(t, image.Image(src), scaleToLongestDim(src, 640))
	assert.Same(t, image.Image(src), scaleToLongestDim(src, 0))
}

func TestRotate(t *testing.T) {
	// 2x3 image with a single red marker at the top-left corner.
	src := image.NewRGBA(image.Rect(0, 0, 2, 3))
	red := color.RGBA{R: 255, A: 255}
	src.Set(0, 0, red)

	r90 := rotate(src, 90)
	require.Equal(t, 3, r90.Bounds().Dx())
	require.Equal(t, 2, r90.Bounds().Dy())
	assert.Equal(t, red, r90.At(2, 0))

	r180 := rotate(src, 180)
	require.Equal(t, 2, r180.Bounds().Dx())
	require.Equal(t, 3, r180.Bounds().Dy())
	assert.Equal(t, red, r180.At(1, 2))

	r270 := rotate(src, 270)
	require.Equal(t, 3, r270.Bounds().Dx())
	require.Equal(t, 2, r270.Bounds().Dy())
	assert.Equal(t, red, r270.At(0, 1))
}
