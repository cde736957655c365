package imagerender

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/local/pagecomposer/internal/document"
)

// monoThreshold splits luminance into black and white in mono mode.
const monoThreshold = 127

// DecodeConfig reports the dimensions and format of an encoded image.
func DecodeConfig(data []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("failed to decode image header: %w", err)
	}
	return cfg, format, nil
}

// NeedsProcessing reports whether ProcessImage would change the image.
func NeedsProcessing(mode document.ColorMode, quality float64) bool {
	return mode == document.ColorGrayscale || mode == document.ColorMono || (quality > 0 && quality < 0.9)
}

// ProcessImage applies the colour mode and re-encodes data as JPEG at the
// given quality (0..1]. Transparent areas are flattened onto white.
func ProcessImage(data []byte, mode document.ColorMode, quality float64) ([]byte, image.Rectangle, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, image.Rectangle{}, fmt.Errorf("failed to decode image: %w", err)
	}
	b := src.Bounds()

	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(rgba, b, src, b.Min, draw.Over)

	var out image.Image = rgba
	switch mode {
	case document.ColorGrayscale:
		out = toGray(rgba, false)
	case document.ColorMono:
		out = toGray(rgba, true)
	}

	q := document.OutputOptions{ImageQuality: quality}.JPEGQuality()
	enc, err := encodeJPEG(out, q)
	if err != nil {
		return nil, image.Rectangle{}, err
	}
	return enc, b, nil
}

func toGray(img *image.RGBA, mono bool) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			l := 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
			v := uint8(l + 0.5)
			if mono {
				if v > monoThreshold {
					v = 255
				} else {
					v = 0
				}
			}
			g.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return g
}
