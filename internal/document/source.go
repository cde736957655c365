package document

// Kind records how a source's bytes are interpreted. PDF and sheet sources
// hold PDF bytes; image sources hold the encoded image and are laid out on a
// page when assembled.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
	KindSheet Kind = "sheet"
)

// Source is one loaded input document. It is immutable once created; Data
// must never be written to.
type Source struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Size      int    `json:"size"`
	PageCount int    `json:"page_count"`
	Hash      string `json:"hash"`
	Data      []byte `json:"-"`
}
