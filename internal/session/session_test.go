package session

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pagecomposer/internal/document"
	"github.com/local/pagecomposer/internal/filetype"
	"github.com/local/pagecomposer/internal/pdfcodec"
	"github.com/local/pagecomposer/internal/preview"
	"github.com/local/pagecomposer/internal/thumbnail"
)

type stubRasterizer struct {
	renders atomic.Int32
}

func (r *stubRasterizer) Open(data []byte) (thumbnail.Session, error) {
	return &stubSession{r: r}, nil
}

type stubSession struct{ r *stubRasterizer }

func (s *stubSession) RenderPage(pageIndex, width int) (thumbnail.Raster, error) {
	s.r.renders.Add(1)
	return thumbnail.Raster{Data: []byte(fmt.Sprintf("jpeg-%d", pageIndex)), Width: width, Height: width}, nil
}

func (s *stubSession) Close() error { return nil }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func pdfBytes(t *testing.T, codec *pdfcodec.Codec, pages int) []byte {
	t.Helper()
	imgs := make([][]byte, pages)
	for i := range imgs {
		imgs[i] = pngBytes(t, 30+i, 40)
	}
	out, err := codec.ImagesToPDF(imgs, document.PageLayout{PageSize: document.PageA4}, false)
	require.NoError(t, err)
	return out
}

func newTestSession(t *testing.T, mode Mode) (*Session, *pdfcodec.Codec, *stubRasterizer) {
	t.Helper()
	codec := pdfcodec.New()
	r := &stubRasterizer{}
	s := New("test-"+string(mode), mode, Deps{
		Codec:      codec,
		Normalizer: pdfcodec.NewImageNormalizer(codec),
		Rasterizer: r,
		Detector:   filetype.New(),
	}, Config{Debounce: 10 * time.Millisecond, SplitDebounce: 10 * time.Millisecond, ThumbnailWidth: 120}, nil)
	t.Cleanup(s.Close)
	return s, codec, r
}

func waitPublished(t *testing.T, s *Session, pages int) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == preview.StatePublished && st.PageCount == pages
	}, 5*time.Second, 10*time.Millisecond)
}

func pageCount(t *testing.T, codec *pdfcodec.Codec, data []byte) int {
	t.Helper()
	n, err := codec.PageCount(data, document.KindPDF)
	require.NoError(t, err)
	return n
}

func TestMergeAddMoveAndDownload(t *testing.T) {
	s, codec, _ := newTestSession(t, ModeMerge)
	ctx := context.Background()

	a, err := s.AddSource(ctx, pdfBytes(t, codec, 3), "a.pdf")
	require.NoError(t, err)
	_, err = s.AddSource(ctx, pdfBytes(t, codec, 2), "b.pdf")
	require.NoError(t, err)

	pages := s.Pages()
	require.Len(t, pages, 5)
	first := pages[0]
	require.NoError(t, s.Move(first.UID, 99))

	pages = s.Pages()
	assert.Equal(t, first.UID, pages[4].UID)
	assert.Equal(t, a.ID, pages[0].SourceID)
	assert.Equal(t, 1, pages[0].PageIndex)

	waitPublished(t, s, 5)

	out, name, err := s.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a_b.pdf", name)
	assert.Equal(t, 5, pageCount(t, codec, out))
}

func TestRemoveSourceCascade(t *testing.T) {
	s, codec, r := newTestSession(t, ModeMerge)
	ctx := context.Background()

	_, err := s.AddSource(ctx, pdfBytes(t, codec, 3), "a.pdf")
	require.NoError(t, err)
	b, err := s.AddSource(ctx, pdfBytes(t, codec, 2), "b.pdf")
	require.NoError(t, err)

	_, err = s.Thumbnail(ctx, b.ID, 0, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.renders.Load())

	require.NoError(t, s.RemoveSource(b.ID))
	assert.ErrorIs(t, s.RemoveSource(b.ID), document.ErrSourceNotFound)

	pages := s.Pages()
	require.Len(t, pages, 3)
	for _, p := range pages {
		assert.NotEqual(t, b.ID, p.SourceID)
	}
	_, err = s.Thumbnail(ctx, b.ID, 0, true)
	assert.ErrorIs(t, err, document.ErrSourceNotFound)

	waitPublished(t, s, 3)
}

func TestSplitReplacesSource(t *testing.T) {
	s, codec, _ := newTestSession(t, ModeSplit)
	ctx := context.Background()

	_, err := s.AddSource(ctx, pdfBytes(t, codec, 2), "first.pdf")
	require.NoError(t, err)
	second, err := s.AddSource(ctx, pdfBytes(t, codec, 5), "second.pdf")
	require.NoError(t, err)

	srcs := s.Sources()
	require.Len(t, srcs, 1)
	assert.Equal(t, second.ID, srcs[0].ID)
	assert.Len(t, s.Pages(), 5)
}

func TestApplyPageRange(t *testing.T) {
	s, codec, _ := newTestSession(t, ModeSplit)
	ctx := context.Background()

	_, err := s.AddSource(ctx, pdfBytes(t, codec, 5), "report.pdf")
	require.NoError(t, err)

	assert.Equal(t, []int{3, 1, 2}, s.ApplyPageRange("3,1-2"))

	var order []int
	var selected []bool
	for _, p := range s.Pages() {
		order = append(order, p.PageNumber())
		selected = append(selected, p.Selected)
	}
	assert.Equal(t, []int{3, 1, 2, 4, 5}, order)
	assert.Equal(t, []bool{true, true, true, false, false}, selected)
	assert.Equal(t, "3, 1-2", s.PageRangeText())

	out, name, err := s.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", name)
	assert.Equal(t, 3, pageCount(t, codec, out))
}

func TestSelectionErrors(t *testing.T) {
	s, codec, _ := newTestSession(t, ModeMerge)
	ctx := context.Background()

	_, err := s.AddSource(ctx, pdfBytes(t, codec, 2), "a.pdf")
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetSelected(-1, false), document.ErrPageNotFound)
	assert.ErrorIs(t, s.Remove(-1), document.ErrPageNotFound)

	s.SetAllSelected(false)
	_, _, err = s.Download(ctx)
	assert.ErrorIs(t, err, document.ErrNothingSelected)

	require.NoError(t, s.SetSelected(s.Pages()[1].UID, true))
	out, _, err := s.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pageCount(t, codec, out))
}

func TestUnsupportedAndBrokenUploads(t *testing.T) {
	s, codec, _ := newTestSession(t, ModeImages)
	ctx := context.Background()

	_, err := s.AddSource(ctx, pdfBytes(t, codec, 1), "a.pdf")
	assert.ErrorIs(t, err, document.ErrUnsupportedType)

	m, _, _ := newTestSession(t, ModeMerge)
	_, err = m.AddSource(ctx, pngBytes(t, 4, 4), "x.png")
	assert.ErrorIs(t, err, document.ErrUnsupportedType)

	_, err = m.AddSource(ctx, []byte("%PDF-1.7 truncated"), "broken.pdf")
	assert.True(t, document.IsDecodeError(err), "got %v", err)
	assert.Empty(t, m.Sources())
	assert.Empty(t, m.Pages())
}

func TestImagesMode(t *testing.T) {
	s, codec, _ := newTestSession(t, ModeImages)
	ctx := context.Background()

	src, err := s.AddSource(ctx, pngBytes(t, 80, 40), "wide.png")
	require.NoError(t, err)
	assert.Equal(t, document.KindImage, src.Kind)
	assert.Equal(t, 1, src.PageCount)
	_, err = s.AddSource(ctx, pngBytes(t, 40, 80), "tall.png")
	require.NoError(t, err)

	opts := s.Options()
	opts.ColorMode = document.ColorGrayscale
	s.SetOptions(opts)

	waitPublished(t, s, 2)
	out, name, err := s.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wide_tall.pdf", name)
	assert.Equal(t, 2, pageCount(t, codec, out))
}

type trackingNormalizer struct {
	*pdfcodec.ImageNormalizer
	mu   sync.Mutex
	held map[string]bool
}

func (n *trackingNormalizer) Normalize(src document.Source, opts document.OutputOptions) ([]byte, error) {
	n.mu.Lock()
	n.held[src.Hash] = true
	n.mu.Unlock()
	return n.ImageNormalizer.Normalize(src, opts)
}

func (n *trackingNormalizer) Forget(hash string) {
	n.mu.Lock()
	delete(n.held, hash)
	n.mu.Unlock()
	n.ImageNormalizer.Forget(hash)
}

func TestCloseReleasesImageLayouts(t *testing.T) {
	codec := pdfcodec.New()
	norm := &trackingNormalizer{ImageNormalizer: pdfcodec.NewImageNormalizer(codec), held: map[string]bool{}}
	s := New("images-close", ModeImages, Deps{
		Codec:      codec,
		Normalizer: norm,
		Rasterizer: &stubRasterizer{},
		Detector:   filetype.New(),
	}, Config{Debounce: 10 * time.Millisecond, ThumbnailWidth: 120}, nil)

	_, err := s.AddSource(context.Background(), pngBytes(t, 60, 30), "photo.png")
	require.NoError(t, err)
	_, _, err = s.Download(context.Background())
	require.NoError(t, err)

	norm.mu.Lock()
	require.Len(t, norm.held, 1)
	norm.mu.Unlock()

	s.Close()
	norm.mu.Lock()
	defer norm.mu.Unlock()
	assert.Empty(t, norm.held)
}

func TestSheetMode(t *testing.T) {
	s, _, _ := newTestSession(t, ModeSheet)
	src, err := s.AddSource(context.Background(), []byte("name,qty\nbolt,4\nnut,9\n"), "parts.csv")
	require.NoError(t, err)
	assert.Equal(t, document.KindSheet, src.Kind)
	assert.GreaterOrEqual(t, src.PageCount, 1)
	waitPublished(t, s, src.PageCount)
}

func TestEmptySequenceKeepsPreview(t *testing.T) {
	s, codec, _ := newTestSession(t, ModeMerge)

	_, err := s.AddSource(context.Background(), pdfBytes(t, codec, 2), "a.pdf")
	require.NoError(t, err)
	waitPublished(t, s, 2)
	published := s.CurrentArtifact()
	require.NotNil(t, published)

	s.Reset()
	require.Eventually(t, func() bool { return s.Status().State == preview.StateFailed }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.Status().Err, document.ErrNothingSelected.Error())
	assert.Same(t, published, s.CurrentArtifact())
	assert.Empty(t, s.Sources())
}

func TestThumbnailPendingThenCached(t *testing.T) {
	s, codec, r := newTestSession(t, ModeMerge)
	ctx := context.Background()
	src, err := s.AddSource(ctx, pdfBytes(t, codec, 2), "a.pdf")
	require.NoError(t, err)

	_, err = s.Thumbnail(ctx, src.ID, 1, false)
	assert.ErrorIs(t, err, ErrPending)

	require.Eventually(t, func() bool {
		r, err := s.Thumbnail(ctx, src.ID, 1, false)
		return err == nil && string(r.Data) == "jpeg-1"
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, r.renders.Load())

	_, err = s.Thumbnail(ctx, src.ID, 7, false)
	assert.ErrorIs(t, err, document.ErrPageNotFound)
}

func TestMoveSourceRegroupsPages(t *testing.T) {
	s, codec, _ := newTestSession(t, ModeMerge)
	ctx := context.Background()
	a, err := s.AddSource(ctx, pdfBytes(t, codec, 2), "a.pdf")
	require.NoError(t, err)
	b, err := s.AddSource(ctx, pdfBytes(t, codec, 1), "b.pdf")
	require.NoError(t, err)

	require.NoError(t, s.MoveSource(b.ID, 0))
	pages := s.Pages()
	assert.Equal(t, []int{b.ID, a.ID, a.ID}, []int{pages[0].SourceID, pages[1].SourceID, pages[2].SourceID})
	assert.ErrorIs(t, s.MoveSource(99, 0), document.ErrSourceNotFound)

	_, name, err := s.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b_a.pdf", name)
}

func TestDownloadName(t *testing.T) {
	assert.Equal(t, "document.pdf", DownloadName(nil))
	assert.Equal(t, "report.pdf", DownloadName([]string{"report.pdf"}))
	assert.Equal(t, "a_b.v2.pdf", DownloadName([]string{"dir/a.pdf", "b.v2.png"}))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("split")
	require.NoError(t, err)
	assert.Equal(t, ModeSplit, m)
	_, err = ParseMode("zip")
	assert.ErrorIs(t, err, ErrUnknownMode)
}
