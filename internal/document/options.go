package document

import "strings"

// ColorMode selects how raster content is converted before it is placed on
// a page.
type ColorMode string

const (
	ColorFull      ColorMode = "color"
	ColorGrayscale ColorMode = "grayscale"
	ColorMono      ColorMode = "mono"
)

// ParseColorMode maps user input to a ColorMode, defaulting to ColorFull.
func ParseColorMode(s string) ColorMode {
	switch ColorMode(strings.ToLower(strings.TrimSpace(s))) {
	case ColorGrayscale, "gray":
		return ColorGrayscale
	case ColorMono:
		return ColorMono
	default:
		return ColorFull
	}
}

// Metadata holds document-level properties written after all pages are
// appended.
type Metadata struct {
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Keywords string `json:"keywords,omitempty"` // comma separated
}

// Empty reports whether no property is set.
func (m Metadata) Empty() bool {
	return m.Title == "" && m.Author == "" && m.Subject == "" && m.Keywords == ""
}

// KeywordList splits Keywords on commas and trims each entry.
func (m Metadata) KeywordList() []string {
	var out []string
	for _, k := range strings.Split(m.Keywords, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Security is forwarded to the codec as-is. It is only honoured for
// download assemblies; previews are never protected.
type Security struct {
	UserPassword  string `json:"user_password,omitempty"`
	OwnerPassword string `json:"owner_password,omitempty"`
	AllowPrint    bool   `json:"allow_print"`
	AllowCopy     bool   `json:"allow_copy"`
}

// Enabled reports whether any password is set.
func (s Security) Enabled() bool {
	return s.UserPassword != "" || s.OwnerPassword != ""
}

// Owner returns the owner password, falling back to the user password.
func (s Security) Owner() string {
	if s.OwnerPassword != "" {
		return s.OwnerPassword
	}
	return s.UserPassword
}

// PageSize names a paper format.
type PageSize string

const (
	PageA4     PageSize = "a4"
	PageA3     PageSize = "a3"
	PageLetter PageSize = "letter"
	PageLegal  PageSize = "legal"
)

// Points returns the portrait width and height of the format in PDF points.
func (p PageSize) Points() (float64, float64) {
	switch p {
	case PageA3:
		return 841.89, 1190.55
	case PageLetter:
		return 612, 792
	case PageLegal:
		return 612, 1008
	default:
		return 595.28, 841.89
	}
}

type Orientation string

const (
	OrientAuto      Orientation = "auto"
	OrientPortrait  Orientation = "portrait"
	OrientLandscape Orientation = "landscape"
)

// PageLayout places image content on output pages.
type PageLayout struct {
	PageSize    PageSize    `json:"page_size,omitempty"`
	Orientation Orientation `json:"orientation,omitempty"`
	MarginMM    float64     `json:"margin_mm,omitempty"`
}

// Landscape resolves the orientation for content of the given size.
func (l PageLayout) Landscape(contentW, contentH int) bool {
	switch l.Orientation {
	case OrientLandscape:
		return true
	case OrientPortrait:
		return false
	default:
		return contentW > contentH
	}
}

// OutputOptions is the per-session option bag collected from the UI.
type OutputOptions struct {
	Metadata     Metadata   `json:"metadata"`
	Security     Security   `json:"security"`
	Layout       PageLayout `json:"layout"`
	ColorMode    ColorMode  `json:"color_mode,omitempty"`
	ImageQuality float64    `json:"image_quality,omitempty"` // 0..1, JPEG quality
}

// DefaultOutputOptions mirrors the defaults of the option panel.
func DefaultOutputOptions() OutputOptions {
	return OutputOptions{
		Security:     Security{AllowPrint: true, AllowCopy: true},
		Layout:       PageLayout{PageSize: PageA4, Orientation: OrientAuto, MarginMM: 10},
		ColorMode:    ColorFull,
		ImageQuality: 0.75,
	}
}

// JPEGQuality converts ImageQuality to the 1..100 scale, defaulting to 75.
func (o OutputOptions) JPEGQuality() int {
	q := o.ImageQuality
	if q <= 0 || q > 1 {
		q = 0.75
	}
	return int(q*100 + 0.5)
}

// ForPreview strips settings that must never reach a preview build.
func (o OutputOptions) ForPreview() OutputOptions {
	o.Security = Security{}
	return o
}
