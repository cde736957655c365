package pdfcodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/local/pagecomposer/internal/assembly"
	"github.com/local/pagecomposer/internal/document"
	"github.com/local/pagecomposer/internal/imagerender"
)

func init() {
	// keep pdfcpu from creating a config dir under the user's home
	model.ConfigPath = "disable"
}

var errForeignHandle = errors.New("document handle not created by pdfcodec")

// Codec implements assembly.Codec with pdfcpu. Copied pages are kept as
// references into their source bytes and only materialised by Serialize,
// which collects each run of pages from one source and merges the runs.
type Codec struct {
	conf *model.Configuration
}

func New() *Codec {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Codec{conf: conf}
}

type sourceDoc struct {
	data  []byte
	pages int
}

func (d *sourceDoc) PageCount() int { return d.pages }

type pageRef struct {
	src   *sourceDoc
	index int
}

type outputDoc struct {
	refs []pageRef
	meta document.Metadata
	sec  document.Security
}

func (d *outputDoc) PageCount() int { return len(d.refs) }

// PageCount implements registry.Decoder. Image sources always occupy one
// page.
func (c *Codec) PageCount(data []byte, kind document.Kind) (int, error) {
	if kind == document.KindImage {
		if _, _, err := imagerender.DecodeConfig(data); err != nil {
			return 0, err
		}
		return 1, nil
	}
	n, err := api.PageCount(bytes.NewReader(data), c.conf)
	if err != nil {
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	if n == 0 {
		return 0, errors.New("document has no pages")
	}
	return n, nil
}

func (c *Codec) Load(data []byte) (assembly.Document, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), c.conf)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("validate pdf: %w", err)
	}
	return &sourceDoc{data: data, pages: ctx.PageCount}, nil
}

func (c *Codec) NewDocument() (assembly.Document, error) { return &outputDoc{}, nil }

func (c *Codec) CopyPages(src assembly.Document, indices []int) ([]assembly.Page, error) {
	s, ok := src.(*sourceDoc)
	if !ok {
		return nil, errForeignHandle
	}
	out := make([]assembly.Page, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= s.pages {
			return nil, fmt.Errorf("page %d out of range (%d pages)", i+1, s.pages)
		}
		out = append(out, pageRef{src: s, index: i})
	}
	return out, nil
}

func (c *Codec) AppendPage(dst assembly.Document, p assembly.Page) error {
	d, ok := dst.(*outputDoc)
	if !ok {
		return errForeignHandle
	}
	ref, ok := p.(pageRef)
	if !ok {
		return errForeignHandle
	}
	d.refs = append(d.refs, ref)
	return nil
}

func (c *Codec) SetProperties(doc assembly.Document, md document.Metadata) error {
	d, ok := doc.(*outputDoc)
	if !ok {
		return errForeignHandle
	}
	d.meta = md
	return nil
}

func (c *Codec) Protect(doc assembly.Document, sec document.Security) error {
	d, ok := doc.(*outputDoc)
	if !ok {
		return errForeignHandle
	}
	d.sec = sec
	return nil
}

func (c *Codec) Serialize(doc assembly.Document) ([]byte, error) {
	d, ok := doc.(*outputDoc)
	if !ok {
		return nil, errForeignHandle
	}
	if len(d.refs) == 0 {
		return nil, errors.New("document has no pages")
	}

	parts := make([]io.ReadSeeker, 0, 1)
	for _, run := range runs(d.refs) {
		part, err := c.collect(run)
		if err != nil {
			return nil, err
		}
		parts = append(parts, bytes.NewReader(part))
	}

	var out []byte
	if len(parts) == 1 {
		b, err := io.ReadAll(parts[0])
		if err != nil {
			return nil, err
		}
		out = b
	} else {
		var buf bytes.Buffer
		if err := api.MergeRaw(parts, &buf, false, c.conf); err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		out = buf.Bytes()
	}

	if !d.meta.Empty() {
		b, err := c.writeInfo(out, d.meta)
		if err != nil {
			return nil, err
		}
		out = b
	}
	if d.sec.Enabled() {
		b, err := c.encrypt(out, d.sec)
		if err != nil {
			return nil, err
		}
		out = b
	}
	return out, nil
}

// runs splits refs into maximal stretches that share a source.
func runs(refs []pageRef) [][]pageRef {
	var out [][]pageRef
	start := 0
	for i := 1; i <= len(refs); i++ {
		if i == len(refs) || refs[i].src != refs[start].src {
			out = append(out, refs[start:i])
			start = i
		}
	}
	return out
}

func (c *Codec) collect(run []pageRef) ([]byte, error) {
	src := run[0].src
	whole := len(run) == src.pages
	sel := make([]string, len(run))
	for i, r := range run {
		sel[i] = strconv.Itoa(r.index + 1)
		if r.index != i {
			whole = false
		}
	}
	if whole {
		return src.data, nil
	}
	var buf bytes.Buffer
	if err := api.Collect(bytes.NewReader(src.data), &buf, sel, c.conf); err != nil {
		return nil, fmt.Errorf("collect pages %s: %w", strings.Join(sel, ","), err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) writeInfo(data []byte, md document.Metadata) ([]byte, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), c.conf)
	if err != nil {
		return nil, fmt.Errorf("read assembled pdf: %w", err)
	}
	if ctx.Info == nil {
		ir, err := ctx.IndRefForNewObject(types.NewDict())
		if err != nil {
			return nil, fmt.Errorf("create info dict: %w", err)
		}
		ctx.Info = ir
	}
	info, err := ctx.DereferenceDict(*ctx.Info)
	if err != nil || info == nil {
		return nil, fmt.Errorf("info dict: %w", err)
	}
	set := func(key, v string) {
		if v != "" {
			info.Update(key, types.StringLiteral(types.EncodeUTF16String(v)))
		}
	}
	set("Title", md.Title)
	set("Author", md.Author)
	set("Subject", md.Subject)
	set("Keywords", strings.Join(md.KeywordList(), ", "))

	var buf bytes.Buffer
	if err := api.WriteContext(ctx, &buf); err != nil {
		return nil, fmt.Errorf("write properties: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) encrypt(data []byte, sec document.Security) ([]byte, error) {
	conf := model.NewAESConfiguration(sec.UserPassword, sec.Owner(), 256)
	conf.ValidationMode = model.ValidationRelaxed

	perms := model.PermissionsNone
	if sec.AllowPrint {
		perms |= model.PermissionPrintRev2 | model.PermissionPrintRev3
	}
	if sec.AllowCopy {
		perms |= model.PermissionExtract | model.PermissionExtractRev3
	}
	conf.Permissions = perms

	var buf bytes.Buffer
	if err := api.Encrypt(bytes.NewReader(data), &buf, conf); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return buf.Bytes(), nil
}
