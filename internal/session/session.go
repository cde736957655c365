package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/pagecomposer/internal/assembly"
	"github.com/local/pagecomposer/internal/document"
	"github.com/local/pagecomposer/internal/filetype"
	"github.com/local/pagecomposer/internal/logger"
	"github.com/local/pagecomposer/internal/metrics"
	"github.com/local/pagecomposer/internal/preview"
	"github.com/local/pagecomposer/internal/registry"
	"github.com/local/pagecomposer/internal/sequence"
	"github.com/local/pagecomposer/internal/store"
	"github.com/local/pagecomposer/internal/thumbnail"
)

type Mode string

const (
	ModeMerge  Mode = "merge"
	ModeSplit  Mode = "split"
	ModeImages Mode = "images"
	ModeSheet  Mode = "sheet"
)

var ErrUnknownMode = errors.New("unknown session mode")

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeMerge, ModeSplit, ModeImages, ModeSheet:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// ErrPending is returned by Thumbnail when the page is still rendering.
var ErrPending = errors.New("thumbnail pending")

// Codec is the document codec a session needs beyond assembly.
type Codec interface {
	assembly.Codec
	registry.Decoder
	ImagesToPDF(imgs [][]byte, layout document.PageLayout, landscape bool) ([]byte, error)
}

// Normalizer lays image sources out on pages and memoizes the result.
type Normalizer interface {
	assembly.Normalizer
	Forget(hash string)
}

// Converter turns office documents into PDF.
type Converter interface {
	ConvertToPDF(ctx context.Context, data []byte, name string) ([]byte, error)
}

// StatusMirror publishes preview status outside the process.
type StatusMirror interface {
	Set(ctx context.Context, sessionID string, st store.Status) error
	Delete(ctx context.Context, sessionID string) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Codec      Codec
	Normalizer Normalizer
	Rasterizer thumbnail.Rasterizer
	Shared     thumbnail.SharedStore
	Detector   *filetype.Detector
	Converter  Converter
	Status     StatusMirror
}

// Config tunes sessions.
type Config struct {
	Debounce       time.Duration
	SplitDebounce  time.Duration
	GridYield      time.Duration
	ThumbnailWidth int
}

// Session is one workflow: its sources, its page sequence, thumbnails and
// live preview. Mutations are serialised by mu and each one schedules a
// preview rebuild.
type Session struct {
	ID      string
	Mode    Mode
	Created time.Time

	deps Deps
	log  zerolog.Logger

	mu       sync.Mutex
	opts     document.OutputOptions
	reg      *registry.Registry
	seq      *sequence.Model
	thumbs   *thumbnail.Cache
	engine   *assembly.Engine
	pipeline *preview.Pipeline

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastUsed atomic.Int64
}

// New creates a session. opts may be nil for defaults.
func New(id string, mode Mode, deps Deps, cfg Config, opts *document.OutputOptions) *Session {
	s := &Session{
		ID:      id,
		Mode:    mode,
		Created: time.Now(),
		deps:    deps,
		log:     logger.Session(id, string(mode)),
		opts:    document.DefaultOutputOptions(),
	}
	if opts != nil {
		s.opts = normalizeOptions(*opts)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.touch()

	s.reg = registry.New(deps.Codec)
	s.seq = sequence.New()
	s.thumbs = thumbnail.New(deps.Rasterizer, s.reg, thumbnail.Options{
		TargetWidth: cfg.ThumbnailWidth,
		GridYield:   cfg.GridYield,
		Shared:      deps.Shared,
	})
	s.engine = assembly.New(deps.Codec)
	if deps.Normalizer != nil {
		s.engine.WithNormalizer(deps.Normalizer)
	}

	debounce := cfg.Debounce
	if mode == ModeSplit {
		debounce = cfg.SplitDebounce
	}
	s.pipeline = preview.New(s.buildPreview, preview.Options{
		Debounce: debounce,
		Consumer: artifactLog{log: s.log},
		Kind:     string(mode),
	})

	if deps.Status != nil {
		ch, _ := s.pipeline.Subscribe()
		s.wg.Add(1)
		go s.mirrorStatus(ch)
	}
	return s
}

// artifactLog records preview hand-overs.
type artifactLog struct{ log zerolog.Logger }

func (a artifactLog) Publish(art *preview.Artifact) {
	a.log.Debug().Uint64("generation", art.Generation).Int("pages", art.PageCount).Int("bytes", len(art.Bytes)).Msg("preview published")
}

func (a artifactLog) Retire(art *preview.Artifact) {
	a.log.Debug().Uint64("generation", art.Generation).Msg("preview retired")
}

func (s *Session) mirrorStatus(ch <-chan preview.Status) {
	defer s.wg.Done()
	for st := range ch {
		now := time.Now()
		err := s.deps.Status.Set(s.ctx, s.ID, store.Status{
			Mode:       string(s.Mode),
			State:      string(st.State),
			Generation: st.Generation,
			PageCount:  st.PageCount,
			Message:    st.Err,
			Updated:    &now,
		})
		if err != nil && s.ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("status mirror failed")
		}
	}
}

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

// LastUsed is the time of the latest API call on the session.
func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

func (s *Session) buildPreview(ctx context.Context) (*assembly.Result, error) {
	s.mu.Lock()
	entries := s.seq.Current()
	opts := s.opts.ForPreview()
	s.mu.Unlock()
	return s.engine.Assemble(ctx, entries, s.reg, opts)
}

// AddSource loads an upload into the session and appends its pages. In
// split mode the new file replaces the current one.
func (s *Session) AddSource(ctx context.Context, data []byte, name string) (document.Source, error) {
	s.touch()
	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()

	p, err := s.prepare(ctx, data, name, opts)
	if err != nil {
		metrics.IncSourceLoaded("unknown", false)
		s.log.Warn().Err(err).Str("file", name).Msg("source rejected")
		return document.Source{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.reg.Add(p.data, p.name, p.kind)
	if err != nil {
		metrics.IncSourceLoaded(string(p.kind), false)
		s.log.Warn().Err(err).Str("file", name).Msg("source decode failed")
		return document.Source{}, err
	}
	if s.Mode == ModeSplit {
		for _, old := range s.reg.List() {
			if old.ID != src.ID {
				s.removeSourceLocked(old.ID)
			}
		}
	}
	s.seq.AppendPagesOf(src)
	metrics.IncSourceLoaded(string(p.kind), true)
	s.log.Info().Int("source_id", src.ID).Str("file", name).Str("kind", string(src.Kind)).Int("pages", src.PageCount).Msg("source added")
	s.pipeline.Schedule()
	return src, nil
}

// RemoveSource drops a source with its pages, thumbnails and memoized
// layouts.
func (s *Session) RemoveSource(id int) error {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeSourceLocked(id) {
		return document.ErrSourceNotFound
	}
	s.pipeline.Schedule()
	return nil
}

func (s *Session) removeSourceLocked(id int) bool {
	src, ok := s.reg.Get(id)
	if !ok {
		return false
	}
	s.reg.Remove(id)
	n := s.seq.RemoveSource(id)
	s.thumbs.Invalidate(id)
	if s.deps.Normalizer != nil && src.Kind == document.KindImage {
		s.deps.Normalizer.Forget(src.Hash)
	}
	s.log.Info().Int("source_id", id).Int("pages_removed", n).Msg("source removed")
	return true
}

// forgetImagesLocked releases the shared layout memo held for image sources.
func (s *Session) forgetImagesLocked() {
	if s.deps.Normalizer == nil {
		return
	}
	for _, src := range s.reg.List() {
		if src.Kind == document.KindImage {
			s.deps.Normalizer.Forget(src.Hash)
		}
	}
}

// MoveSource reorders sources and regroups the page sequence accordingly.
func (s *Session) MoveSource(id, to int) error {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reg.Get(id); !ok {
		return document.ErrSourceNotFound
	}
	if s.reg.Move(id, to) {
		s.seq.GroupBySources(s.reg.IDs())
		s.pipeline.Schedule()
	}
	return nil
}

// Move relocates one page; out of range targets are clamped.
func (s *Session) Move(uid int64, to int) error {
	return s.mutatePage(uid, func() { s.seq.Move(uid, to) })
}

// Remove deletes one page from the sequence. Its source stays loaded.
func (s *Session) Remove(uid int64) error {
	return s.mutatePage(uid, func() { s.seq.Remove(uid) })
}

func (s *Session) SetSelected(uid int64, selected bool) error {
	return s.mutatePage(uid, func() { s.seq.SetSelected(uid, selected) })
}

func (s *Session) mutatePage(uid int64, fn func()) error {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seq.Get(uid); !ok {
		return document.ErrPageNotFound
	}
	fn()
	s.pipeline.Schedule()
	return nil
}

func (s *Session) SetAllSelected(selected bool) {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq.SetAllSelected(selected)
	s.pipeline.Schedule()
}

// ApplyPageRange reorders and selects pages from range text such as
// "3, 1-2". It returns the accepted page numbers.
func (s *Session) ApplyPageRange(text string) []int {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	maxPages := 0
	for _, src := range s.reg.List() {
		if src.PageCount > maxPages {
			maxPages = src.PageCount
		}
	}
	pages := s.seq.ReorderFromText(text, maxPages)
	s.pipeline.Schedule()
	return pages
}

// PageRangeText renders the selected pages as range text.
func (s *Session) PageRangeText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.RangeText()
}

func (s *Session) Pages() []sequence.PageEntry {
	s.touch()
	return s.seq.Current()
}

func (s *Session) Sources() []document.Source {
	s.touch()
	return s.reg.List()
}

func (s *Session) Options() document.OutputOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// SetOptions replaces the output options and rebuilds the preview, since
// layout and colour settings change how image sources are placed.
func (s *Session) SetOptions(opts document.OutputOptions) {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = normalizeOptions(opts)
	s.pipeline.Schedule()
}

func normalizeOptions(o document.OutputOptions) document.OutputOptions {
	def := document.DefaultOutputOptions()
	if o.Layout.PageSize == "" {
		o.Layout.PageSize = def.Layout.PageSize
	}
	if o.Layout.Orientation == "" {
		o.Layout.Orientation = def.Layout.Orientation
	}
	if o.Layout.MarginMM < 0 {
		o.Layout.MarginMM = 0
	}
	o.ColorMode = document.ParseColorMode(string(o.ColorMode))
	if o.ImageQuality <= 0 || o.ImageQuality > 1 {
		o.ImageQuality = def.ImageQuality
	}
	return o
}

// Thumbnail returns the raster of a page. Without wait, an uncached page
// starts rendering in the background and ErrPending is returned.
func (s *Session) Thumbnail(ctx context.Context, sourceID, pageIndex int, wait bool) (thumbnail.Raster, error) {
	s.touch()
	src, ok := s.reg.Get(sourceID)
	if !ok {
		return thumbnail.Raster{}, document.ErrSourceNotFound
	}
	if pageIndex < 0 || pageIndex >= src.PageCount {
		return thumbnail.Raster{}, document.ErrPageNotFound
	}
	if r, ok := s.thumbs.Cached(sourceID, pageIndex); ok {
		return r, nil
	}
	if wait {
		return s.thumbs.Render(ctx, sourceID, pageIndex)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.thumbs.Render(s.ctx, sourceID, pageIndex); err != nil {
			s.log.Warn().Err(err).Int("source_id", sourceID).Int("page", pageIndex+1).Msg("thumbnail render failed")
		}
	}()
	return thumbnail.Raster{}, ErrPending
}

// RenderThumbnails renders the grid for the current sequence. A later call
// supersedes an earlier one.
func (s *Session) RenderThumbnails(ctx context.Context, emit thumbnail.EmitFunc) error {
	s.touch()
	return s.thumbs.RenderGrid(ctx, s.seq.Current(), emit)
}

// WarmThumbnails renders the grid in the background.
func (s *Session) WarmThumbnails() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		n := 0
		err := s.RenderThumbnails(s.ctx, func(sequence.PageEntry, thumbnail.Raster) { n++ })
		if err != nil && !errors.Is(err, thumbnail.ErrSuperseded) && s.ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("thumbnail grid failed")
			return
		}
		s.log.Debug().Int("rendered", n).Msg("thumbnail grid done")
	}()
}

func (s *Session) Status() preview.Status { return s.pipeline.Status() }

// CurrentArtifact is the published preview, or nil.
func (s *Session) CurrentArtifact() *preview.Artifact { return s.pipeline.Current() }

// Download assembles the sequence as it is now with the full options,
// protection included. It bypasses the debounce.
func (s *Session) Download(ctx context.Context) ([]byte, string, error) {
	s.touch()
	s.mu.Lock()
	entries := s.seq.Current()
	opts := s.opts
	names := s.namesLocked()
	s.mu.Unlock()

	start := time.Now()
	res, err := assembly.Required(s.engine.Assemble(ctx, entries, s.reg, opts))
	if err != nil {
		metrics.ObserveAssembly("download", "error", time.Since(start))
		return nil, "", err
	}
	metrics.ObserveAssembly("download", "success", time.Since(start))
	name := DownloadName(names)
	s.log.Info().Str("file", name).Int("pages", res.PageCount).Int("bytes", len(res.Bytes)).Dur("took", time.Since(start)).Msg("download assembled")
	return res.Bytes, name, nil
}

func (s *Session) namesLocked() []string {
	srcs := s.reg.List()
	names := make([]string, len(srcs))
	for i, src := range srcs {
		names[i] = src.Name
	}
	return names
}

// Reset unloads every source.
func (s *Session) Reset() {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.reg.IDs() {
		s.removeSourceLocked(id)
	}
	s.seq.Clear()
	s.thumbs.InvalidateAll()
	s.pipeline.Schedule()
}

// Close stops the preview pipeline and background renders and releases
// decoder sessions and memoized image layouts.
func (s *Session) Close() {
	s.thumbs.CancelGrid()
	s.pipeline.Close()
	s.cancel()
	s.wg.Wait()
	s.thumbs.InvalidateAll()
	s.mu.Lock()
	s.forgetImagesLocked()
	s.mu.Unlock()
	if s.deps.Status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.deps.Status.Delete(ctx, s.ID); err != nil {
			s.log.Warn().Err(err).Msg("status mirror cleanup failed")
		}
	}
	s.log.Info().Msg("session closed")
}
