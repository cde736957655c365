package document

import (
	"errors"
	"fmt"
)

var (
	ErrNothingSelected = errors.New("nothing selected")
	ErrSourceNotFound  = errors.New("source not found")
	ErrUnsupportedType = errors.New("unsupported source type")
	ErrPageNotFound    = errors.New("page not found")
	ErrSessionNotFound = errors.New("session not found")
)

// DecodeError is returned when a source's bytes cannot be parsed. The
// registry is left unchanged.
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RenderError is returned when a single page cannot be rasterized. Callers
// keep a placeholder for that page.
type RenderError struct {
	SourceID  int
	PageIndex int
	Err       error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render source %d page %d: %v", e.SourceID, e.PageIndex, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// AssemblyError is returned when the derived output could not be built. No
// partial output accompanies it.
type AssemblyError struct {
	SourceID int
	Reason   string
	Err      error
}

func (e *AssemblyError) Error() string {
	if e.SourceID > 0 {
		return fmt.Sprintf("assembly failed at source %d: %s: %v", e.SourceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("assembly failed: %s: %v", e.Reason, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func IsRenderError(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}

func IsAssemblyError(err error) bool {
	var ae *AssemblyError
	return errors.As(err, &ae)
}
