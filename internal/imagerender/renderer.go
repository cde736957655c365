package imagerender

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"

	"github.com/local/pagecomposer/internal/thumbnail"
)

// Rasterizer renders page thumbnails with MuPDF. It opens PDFs as well as
// plain images, so every source kind can be previewed the same way.
type Rasterizer struct {
	// Quality is the JPEG quality of rendered thumbnails (1..100).
	Quality int
}

func NewRasterizer(quality int) *Rasterizer {
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return &Rasterizer{Quality: quality}
}

// Open decodes data once; the returned session is reused for every page.
func (r *Rasterizer) Open(data []byte) (thumbnail.Session, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	return &session{doc: doc, quality: r.Quality, pages: doc.NumPage()}, nil
}

// SelfTest renders a generated one-pixel image, proving the MuPDF library
// is linked and usable.
func (r *Rasterizer) SelfTest() error {
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	img.SetGray(0, 0, color.Gray{Y: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	s, err := r.Open(buf.Bytes())
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = s.RenderPage(0, 8)
	return err
}

var errClosed = errors.New("rasterizer session closed")

// session serialises access to the MuPDF document, which is not safe for
// concurrent use.
type session struct {
	mu      sync.Mutex
	doc     *fitz.Document
	pages   int
	quality int
}

func (s *session) RenderPage(pageIndex, targetWidth int) (thumbnail.Raster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return thumbnail.Raster{}, errClosed
	}
	if pageIndex < 0 || pageIndex >= s.pages {
		return thumbnail.Raster{}, fmt.Errorf("page %d out of range (%d pages)", pageIndex+1, s.pages)
	}

	bound, err := s.doc.Bound(pageIndex)
	if err != nil {
		return thumbnail.Raster{}, fmt.Errorf("failed to measure page %d: %w", pageIndex+1, err)
	}
	dpi := 72.0
	if w := bound.Dx(); w > 0 && targetWidth > 0 {
		dpi = 72.0 * float64(targetWidth) / float64(w)
	}

	img, err := s.doc.ImageDPI(pageIndex, dpi)
	if err != nil {
		return thumbnail.Raster{}, fmt.Errorf("failed to render page %d: %w", pageIndex+1, err)
	}

	data, err := encodeJPEG(img, s.quality)
	if err != nil {
		return thumbnail.Raster{}, err
	}
	b := img.Bounds()
	log.Debug().
		Int("page", pageIndex+1).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Float64("dpi", dpi).
		Int("jpeg_size", len(data)).
		Msg("rendered thumbnail")
	return thumbnail.Raster{Data: data, Width: b.Dx(), Height: b.Dy()}, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	err := s.doc.Close()
	s.doc = nil
	return err
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
