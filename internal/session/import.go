package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/local/pagecomposer/internal/document"
	"github.com/local/pagecomposer/internal/filetype"
	"github.com/local/pagecomposer/internal/sheet"
)

// accepts lists the upload classes each mode takes.
var accepts = map[Mode][]filetype.Class{
	ModeMerge:  {filetype.ClassPDF, filetype.ClassOffice},
	ModeSplit:  {filetype.ClassPDF, filetype.ClassOffice},
	ModeImages: {filetype.ClassImage},
	ModeSheet:  {filetype.ClassSheet, filetype.ClassOffice},
}

type prepared struct {
	name string
	kind document.Kind
	data []byte
}

// prepare turns uploaded bytes into registry input. It runs without the
// session lock held: conversions can take seconds.
func (s *Session) prepare(ctx context.Context, data []byte, name string, opts document.OutputOptions) (prepared, error) {
	info := s.deps.Detector.Detect(data, name)
	if !s.accepts(info) {
		return prepared{}, fmt.Errorf("%w: %s in %s mode", document.ErrUnsupportedType, info.Description, s.Mode)
	}

	switch info.Class {
	case filetype.ClassPDF:
		return prepared{name: name, kind: document.KindPDF, data: data}, nil

	case filetype.ClassImage:
		return prepared{name: name, kind: document.KindImage, data: data}, nil

	case filetype.ClassSheet:
		layout := opts.Layout
		landscape := layout.Orientation != document.OrientPortrait
		pages, _, err := sheet.Convert(data, sheet.Options{
			Encoding: "auto",
			Title:    baseName(name),
			Layout:   sheet.Layout{PageSize: layout.PageSize, Landscape: landscape},
		})
		if err != nil {
			return prepared{}, &document.DecodeError{Name: name, Err: err}
		}
		pdf, err := s.deps.Codec.ImagesToPDF(pages, document.PageLayout{PageSize: layout.PageSize}, landscape)
		if err != nil {
			return prepared{}, &document.DecodeError{Name: name, Err: err}
		}
		return prepared{name: name, kind: document.KindSheet, data: pdf}, nil

	case filetype.ClassOffice:
		if s.deps.Converter == nil {
			return prepared{}, fmt.Errorf("%w: office conversion disabled", document.ErrUnsupportedType)
		}
		pdf, err := s.deps.Converter.ConvertToPDF(ctx, data, name)
		if err != nil {
			return prepared{}, &document.DecodeError{Name: name, Err: err}
		}
		kind := document.KindPDF
		if info.Spreadsheet {
			kind = document.KindSheet
		}
		return prepared{name: name, kind: kind, data: pdf}, nil
	}
	return prepared{}, document.ErrUnsupportedType
}

func (s *Session) accepts(info *filetype.FileTypeInfo) bool {
	for _, c := range accepts[s.Mode] {
		if c != info.Class {
			continue
		}
		if c == filetype.ClassOffice && s.Mode == ModeSheet {
			return info.Spreadsheet
		}
		return true
	}
	return false
}

func baseName(name string) string {
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// DownloadName joins the base names of the sources with "_".
func DownloadName(names []string) string {
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if b := baseName(n); b != "" && b != "." {
			parts = append(parts, b)
		}
	}
	out := strings.Join(parts, "_")
	if r := []rune(out); len(r) > 120 {
		out = string(r[:120])
	}
	if out == "" {
		out = "document"
	}
	return out + ".pdf"
}
