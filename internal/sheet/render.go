package sheet

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/local/pagecomposer/internal/document"
)

const (
	defaultFontSize = 9.0
	minFontSize     = 7.0
	maxFontSize     = 12.0
	titleFontSize   = 12.0
	footerFontSize  = 8.0

	marginPt  = 10 * 72 / 25.4
	cellPadPt = 2 * 72 / 25.4
)

var (
	gridColor   = color.RGBA{200, 200, 200, 255}
	footerColor = color.RGBA{150, 150, 150, 255}
	titleColor  = color.RGBA{100, 100, 100, 255}
)

var (
	fontOnce sync.Once
	fontErr  error
	regular  *opentype.Font
)

func loadFont() (*opentype.Font, error) {
	fontOnce.Do(func() {
		regular, fontErr = opentype.Parse(goregular.TTF)
	})
	return regular, fontErr
}

// Layout controls how a table is paginated.
type Layout struct {
	PageSize  document.PageSize
	Landscape bool
	FontSize  float64
	DPI       float64
}

func (l Layout) normalized() Layout {
	if l.FontSize <= 0 {
		l.FontSize = defaultFontSize
	}
	if l.FontSize < minFontSize {
		l.FontSize = minFontSize
	}
	if l.FontSize > maxFontSize {
		l.FontSize = maxFontSize
	}
	if l.DPI <= 0 {
		l.DPI = 144
	}
	if l.PageSize == "" {
		l.PageSize = document.PageA4
	}
	return l
}

type faces struct {
	body, title, footer font.Face
}

func newFaces(dpi, size float64) (*faces, error) {
	f, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("load font: %w", err)
	}
	mk := func(s float64) (font.Face, error) {
		return opentype.NewFace(f, &opentype.FaceOptions{Size: s, DPI: dpi, Hinting: font.HintingFull})
	}
	body, err := mk(size)
	if err != nil {
		return nil, err
	}
	title, err := mk(titleFontSize)
	if err != nil {
		return nil, err
	}
	footer, err := mk(footerFontSize)
	if err != nil {
		return nil, err
	}
	return &faces{body: body, title: title, footer: footer}, nil
}

func (f *faces) Close() {
	f.body.Close()
	f.title.Close()
	f.footer.Close()
}

// Render paginates t into page images. The header row repeats on every
// page and each page carries an "n / total" footer.
func Render(t *Table, l Layout) ([]image.Image, error) {
	l = l.normalized()
	px := l.DPI / 72

	fc, err := newFaces(l.DPI, l.FontSize)
	if err != nil {
		return nil, err
	}
	defer fc.Close()

	wPt, hPt := l.PageSize.Points()
	if l.Landscape {
		wPt, hPt = hPt, wPt
	}
	pageW, pageH := int(wPt*px), int(hPt*px)
	margin := int(marginPt * px)
	pad := int(cellPadPt * px)
	availW := pageW - 2*margin

	lineH := fc.body.Metrics().Height.Ceil()
	rowH := lineH + 2*pad
	titleH := 0
	if t.Title != "" {
		titleH = fc.title.Metrics().Height.Ceil() + pad
	}
	footerH := fc.footer.Metrics().Height.Ceil() + pad

	widths := columnWidths(t, fc.body, pad, availW)

	bodyH := pageH - 2*margin - titleH - footerH - rowH
	perPage := bodyH / rowH
	if perPage < 1 {
		perPage = 1
	}
	total := (len(t.Rows) + perPage - 1) / perPage
	if total == 0 {
		total = 1
	}

	pages := make([]image.Image, 0, total)
	for p := 0; p < total; p++ {
		start := p * perPage
		end := start + perPage
		if end > len(t.Rows) {
			end = len(t.Rows)
		}

		img := image.NewRGBA(image.Rect(0, 0, pageW, pageH))
		draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

		y := margin
		if t.Title != "" {
			drawText(img, fc.title, titleColor, margin, y+fc.title.Metrics().Ascent.Ceil(), t.Title)
			y += titleH
		}
		y = drawRow(img, fc.body, t.Header, widths, margin, y, rowH, pad)
		for _, row := range t.Rows[start:end] {
			y = drawRow(img, fc.body, row, widths, margin, y, rowH, pad)
		}

		footer := fmt.Sprintf("%d / %d", p+1, total)
		fw := font.MeasureString(fc.footer, footer).Ceil()
		drawText(img, fc.footer, footerColor, pageW-margin-fw, pageH-margin, footer)
		pages = append(pages, img)
	}
	return pages, nil
}

// columnWidths sizes columns to their widest cell, then shrinks them
// proportionally when the table is wider than the page.
func columnWidths(t *Table, face font.Face, pad, avail int) []int {
	widths := make([]int, len(t.Header))
	measure := func(i int, s string) {
		if i >= len(widths) {
			return
		}
		if w := font.MeasureString(face, s).Ceil() + 2*pad; w > widths[i] {
			widths[i] = w
		}
	}
	for i, h := range t.Header {
		measure(i, h)
	}
	for _, row := range t.Rows {
		for i, c := range row {
			measure(i, c)
		}
	}

	sum := 0
	for _, w := range widths {
		sum += w
	}
	if sum > avail && sum > 0 {
		minW := font.MeasureString(face, "…").Ceil() + 2*pad
		for i, w := range widths {
			widths[i] = w * avail / sum
			if widths[i] < minW {
				widths[i] = minW
			}
		}
	}
	return widths
}

func drawRow(img *image.RGBA, face font.Face, cells []string, widths []int, x, y, h, pad int) int {
	baseline := y + pad + face.Metrics().Ascent.Ceil()
	cx := x
	for i, w := range widths {
		if i < len(cells) {
			drawText(img, face, color.Black, cx+pad, baseline, fit(face, cells[i], w-2*pad))
		}
		strokeRect(img, image.Rect(cx, y, cx+w, y+h))
		cx += w
	}
	return y + h
}

// fit shortens s with an ellipsis until it is at most max pixels wide.
func fit(face font.Face, s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if font.MeasureString(face, s).Ceil() <= max {
		return s
	}
	r := []rune(s)
	for len(r) > 0 {
		r = r[:len(r)-1]
		c := string(r) + "…"
		if font.MeasureString(face, c).Ceil() <= max {
			return c
		}
	}
	return ""
}

func drawText(img *image.RGBA, face font.Face, c color.Color, x, baseline int, s string) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(s)
}

func strokeRect(img *image.RGBA, r image.Rectangle) {
	src := image.NewUniform(gridColor)
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), src, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), src, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), src, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), src, image.Point{}, draw.Src)
}

// Options describe how raw CSV bytes become pages.
type Options struct {
	Encoding  string // "auto" or a charset name
	Delimiter rune   // 0 detects
	Title     string
	Layout    Layout
}

// Convert decodes, parses and renders a CSV file to PNG page images.
func Convert(data []byte, opts Options) ([][]byte, *Table, error) {
	text, _ := DecodeText(data, opts.Encoding)
	t, err := ParseCSV(text, opts.Delimiter)
	if err != nil {
		return nil, nil, err
	}
	t.Title = opts.Title

	imgs, err := Render(t, opts.Layout)
	if err != nil {
		return nil, nil, err
	}
	out := make([][]byte, len(imgs))
	for i, img := range imgs {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, nil, fmt.Errorf("encode page %d: %w", i+1, err)
		}
		out[i] = buf.Bytes()
	}
	return out, t, nil
}
