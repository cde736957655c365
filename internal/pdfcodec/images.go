package pdfcodec

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/local/pagecomposer/internal/document"
	"github.com/local/pagecomposer/internal/imagerender"
)

const mmToPoints = 72.0 / 25.4

var paperNames = map[document.PageSize]string{
	document.PageA4:     "A4",
	document.PageA3:     "A3",
	document.PageLetter: "Letter",
	document.PageLegal:  "Legal",
}

// importDescription builds a pdfcpu import description that centres an
// image inside the page margins.
func importDescription(layout document.PageLayout, landscape bool) string {
	name, ok := paperNames[layout.PageSize]
	if !ok {
		name = "A4"
	}
	w, h := layout.PageSize.Points()
	if landscape {
		name += "L"
		w, h = h, w
	}
	m := math.Max(layout.MarginMM, 0) * mmToPoints
	scale := math.Min((w-2*m)/w, (h-2*m)/h)
	if scale <= 0.05 {
		scale = 0.05
	}
	if scale > 1 {
		scale = 1
	}
	return fmt.Sprintf("f:%s, pos:c, sc:%.3f rel", name, scale)
}

// ImagesToPDF lays encoded images out one per page with a shared layout.
func (c *Codec) ImagesToPDF(imgs [][]byte, layout document.PageLayout, landscape bool) ([]byte, error) {
	imp, err := pdfcpu.ParseImportDetails(importDescription(layout, landscape), types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("import layout: %w", err)
	}
	readers := make([]io.Reader, len(imgs))
	for i, b := range imgs {
		readers[i] = bytes.NewReader(b)
	}
	var buf bytes.Buffer
	if err := api.ImportImages(nil, &buf, readers, imp, c.conf); err != nil {
		return nil, fmt.Errorf("import images: %w", err)
	}
	return buf.Bytes(), nil
}

// pdfcpu embeds these formats directly; anything else is re-encoded.
var embeddable = map[string]bool{"jpeg": true, "png": true, "tiff": true}

// maxLayoutsPerHash bounds how many option sets are memoized for one image.
const maxLayoutsPerHash = 4

// ImageNormalizer turns image sources into single-page PDFs for the
// current layout and colour options. Results are memoized per content hash
// and option set.
type ImageNormalizer struct {
	codec *Codec

	mu   sync.Mutex
	memo map[string]map[string][]byte
}

func NewImageNormalizer(codec *Codec) *ImageNormalizer {
	return &ImageNormalizer{codec: codec, memo: make(map[string]map[string][]byte)}
}

func (n *ImageNormalizer) Normalize(src document.Source, opts document.OutputOptions) ([]byte, error) {
	key := strings.Join([]string{
		string(opts.Layout.PageSize),
		string(opts.Layout.Orientation),
		fmt.Sprintf("%.1f", opts.Layout.MarginMM),
		string(opts.ColorMode),
		fmt.Sprintf("%d", opts.JPEGQuality()),
	}, "|")

	n.mu.Lock()
	if b, ok := n.memo[src.Hash][key]; ok {
		n.mu.Unlock()
		return b, nil
	}
	n.mu.Unlock()

	cfg, format, err := imagerender.DecodeConfig(src.Data)
	if err != nil {
		return nil, err
	}
	img := src.Data
	if imagerender.NeedsProcessing(opts.ColorMode, opts.ImageQuality) || !embeddable[format] {
		quality := opts.ImageQuality
		if !imagerender.NeedsProcessing(opts.ColorMode, quality) {
			quality = 0.92
		}
		img, _, err = imagerender.ProcessImage(src.Data, opts.ColorMode, quality)
		if err != nil {
			return nil, err
		}
	}

	out, err := n.codec.ImagesToPDF([][]byte{img}, opts.Layout, opts.Layout.Landscape(cfg.Width, cfg.Height))
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	layouts := n.memo[src.Hash]
	if layouts == nil {
		layouts = make(map[string][]byte)
		n.memo[src.Hash] = layouts
	}
	if _, ok := layouts[key]; !ok && len(layouts) >= maxLayoutsPerHash {
		for k := range layouts {
			delete(layouts, k)
			break
		}
	}
	layouts[key] = out
	n.mu.Unlock()
	return out, nil
}

// Forget drops memoized conversions of the given content hash.
func (n *ImageNormalizer) Forget(hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.memo, hash)
}
