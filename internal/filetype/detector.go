package filetype

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Class groups uploads by how they become page sources.
type Class string

const (
	ClassPDF         Class = "pdf"
	ClassImage       Class = "image"
	ClassSheet       Class = "sheet"  // delimited text, rendered as a table
	ClassOffice      Class = "office" // converted to PDF by LibreOffice
	ClassUnsupported Class = "unsupported"
)

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Class       Class
	Spreadsheet bool
	Description string
}

// Supported reports whether the upload can become a source.
func (i *FileTypeInfo) Supported() bool { return i.Class != ClassUnsupported }

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

var zipOffice = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".odp":  "application/vnd.oasis.opendocument.presentation",
}

var oleOffice = map[string]string{
	".doc": "application/msword",
	".xls": "application/vnd.ms-excel",
	".ppt": "application/vnd.ms-powerpoint",
}

// images pdfcpu and MuPDF can both place and preview after re-encoding
var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

var spreadsheetTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.oasis.opendocument.spreadsheet":                    true,
	"application/vnd.ms-excel":                                          true,
}

// Detect classifies data by its magic bytes. The file name only breaks
// ties the content cannot settle: container formats (ZIP, OLE) and plain
// text that is meant as CSV.
func (d *Detector) Detect(data []byte, name string) *FileTypeInfo {
	mtype := mimetype.Detect(data)
	mimeType := mtype.String()
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	ext := strings.ToLower(filepath.Ext(name))

	log.Debug().Str("mime", mimeType).Str("ext", ext).Str("file", name).Msg("detected file type")

	switch {
	case mimeType == "application/zip" || strings.Contains(mimeType, "application/x-zip"):
		if m, ok := zipOffice[ext]; ok {
			log.Debug().Str("original", mimeType).Str("override", m).Msg("overriding ZIP detection based on extension")
			mimeType = m
		}
	case mimeType == "application/x-ole-storage" || mimeType == "application/x-cfb":
		if m, ok := oleOffice[ext]; ok {
			log.Debug().Str("original", mimeType).Str("override", m).Msg("overriding OLE detection based on extension")
			mimeType = m
		}
	case mimeType == "text/plain" && (ext == ".csv" || ext == ".tsv" || ext == ".txt"):
		mimeType = "text/csv"
	}

	info := &FileTypeInfo{MIMEType: mimeType, Extension: mtype.Extension()}
	d.classify(info)
	return info
}

func (d *Detector) classify(info *FileTypeInfo) {
	m := info.MIMEType
	switch {
	case m == "application/pdf":
		info.Class = ClassPDF
		info.Description = "PDF document"
	case imageTypes[m]:
		info.Class = ClassImage
		info.Description = "Image file"
	case m == "text/csv" || m == "text/tab-separated-values":
		info.Class = ClassSheet
		info.Description = "Delimited text"
	case strings.HasPrefix(m, "application/vnd.openxmlformats-officedocument."),
		strings.HasPrefix(m, "application/vnd.oasis.opendocument."),
		m == "application/msword", m == "application/vnd.ms-excel", m == "application/vnd.ms-powerpoint",
		m == "application/rtf", m == "text/rtf":
		info.Class = ClassOffice
		info.Spreadsheet = spreadsheetTypes[m]
		info.Description = "Office document"
	default:
		info.Class = ClassUnsupported
		info.Description = "Unsupported file type: " + m
	}
}
