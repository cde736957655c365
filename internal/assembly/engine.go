package assembly

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/local/pagecomposer/internal/document"
	"github.com/local/pagecomposer/internal/sequence"
)

// Document is a decoded document handle owned by a Codec.
type Document interface {
	PageCount() int
}

// Page is a copied page ready to be appended to another document.
type Page interface{}

// Codec is the document format collaborator. Handles are only used with
// the codec that produced them.
type Codec interface {
	Load(data []byte) (Document, error)
	NewDocument() (Document, error)
	CopyPages(src Document, indices []int) ([]Page, error)
	AppendPage(dst Document, p Page) error
	SetProperties(doc Document, md document.Metadata) error
	Protect(doc Document, sec document.Security) error
	Serialize(doc Document) ([]byte, error)
}

// Resolver looks up loaded sources.
type Resolver interface {
	Get(id int) (document.Source, bool)
}

// Result is one assembled output document.
type Result struct {
	Bytes     []byte
	PageCount int
}

// Normalizer converts sources the codec cannot load as-is (images) into
// codec bytes for the given options.
type Normalizer interface {
	Normalize(src document.Source, opts document.OutputOptions) ([]byte, error)
}

type Engine struct {
	codec Codec
	norm  Normalizer
}

func New(codec Codec) *Engine { return &Engine{codec: codec} }

// WithNormalizer enables image sources.
func (e *Engine) WithNormalizer(n Normalizer) *Engine {
	e.norm = n
	return e
}

// Assemble builds a new document holding the selected entries in order.
// Each source is decoded at most once per call. Entries whose page no
// longer exists in the decoded source are skipped. A nil result with a nil
// error means there was nothing to assemble.
func (e *Engine) Assemble(ctx context.Context, entries []sequence.PageEntry, sources Resolver, opts document.OutputOptions) (*Result, error) {
	selected := make([]sequence.PageEntry, 0, len(entries))
	for _, en := range entries {
		if en.Selected {
			selected = append(selected, en)
		}
	}
	if len(selected) == 0 {
		return nil, nil
	}

	out, err := e.codec.NewDocument()
	if err != nil {
		return nil, &document.AssemblyError{Reason: "create output", Err: err}
	}

	handles := make(map[int]Document)
	copied := 0
	for _, en := range selected {
		if err := ctx.Err(); err != nil {
			return nil, &document.AssemblyError{Reason: "interrupted", Err: err}
		}

		h, ok := handles[en.SourceID]
		if !ok {
			src, found := sources.Get(en.SourceID)
			if !found {
				return nil, &document.AssemblyError{SourceID: en.SourceID, Reason: "resolve source", Err: document.ErrSourceNotFound}
			}
			data := src.Data
			if src.Kind == document.KindImage {
				if e.norm == nil {
					return nil, &document.AssemblyError{SourceID: en.SourceID, Reason: "load source", Err: document.ErrUnsupportedType}
				}
				data, err = e.norm.Normalize(src, opts)
				if err != nil {
					return nil, &document.AssemblyError{SourceID: en.SourceID, Reason: "lay out image", Err: err}
				}
			}
			h, err = e.codec.Load(data)
			if err != nil {
				return nil, &document.AssemblyError{SourceID: en.SourceID, Reason: "load source", Err: err}
			}
			handles[en.SourceID] = h
		}

		if en.PageIndex < 0 || en.PageIndex >= h.PageCount() {
			log.Debug().Int("source_id", en.SourceID).Int("page_index", en.PageIndex).Msg("skipping page outside source")
			continue
		}
		pages, err := e.codec.CopyPages(h, []int{en.PageIndex})
		if err != nil {
			return nil, &document.AssemblyError{SourceID: en.SourceID, Reason: "copy page", Err: err}
		}
		for _, p := range pages {
			if err := e.codec.AppendPage(out, p); err != nil {
				return nil, &document.AssemblyError{SourceID: en.SourceID, Reason: "append page", Err: err}
			}
			copied++
		}
	}
	if copied == 0 {
		return nil, nil
	}

	if !opts.Metadata.Empty() {
		if err := e.codec.SetProperties(out, opts.Metadata); err != nil {
			return nil, &document.AssemblyError{Reason: "set properties", Err: err}
		}
	}
	if opts.Security.Enabled() {
		if err := e.codec.Protect(out, opts.Security); err != nil {
			return nil, &document.AssemblyError{Reason: "protect", Err: err}
		}
	}

	data, err := e.codec.Serialize(out)
	if err != nil {
		return nil, &document.AssemblyError{Reason: "serialize", Err: err}
	}
	log.Debug().Int("pages", copied).Int("sources", len(handles)).Int("bytes", len(data)).Msg("assembled document")
	return &Result{Bytes: data, PageCount: copied}, nil
}

// Required converts an empty assembly into ErrNothingSelected.
func Required(res *Result, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, document.ErrNothingSelected
	}
	return res, nil
}

// IsNothingSelected reports whether err means the sequence had no pages.
func IsNothingSelected(err error) bool { return errors.Is(err, document.ErrNothingSelected) }
