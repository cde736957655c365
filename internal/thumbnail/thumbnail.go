package thumbnail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/local/pagecomposer/internal/document"
	"github.com/local/pagecomposer/internal/metrics"
)

// Raster is an encoded (JPEG) page preview. Placeholder rasters carry no
// data and stand in for pages that failed to render.
type Raster struct {
	Data        []byte
	Width       int
	Height      int
	Placeholder bool
}

// Rasterizer opens decoder sessions over immutable source bytes.
type Rasterizer interface {
	Open(data []byte) (Session, error)
}

// Session renders pages of one decoded source. Implementations must be safe
// for concurrent RenderPage calls.
type Session interface {
	RenderPage(pageIndex, targetWidth int) (Raster, error)
	Close() error
}

// Sources resolves source ids to loaded documents.
type Sources interface {
	Get(id int) (document.Source, bool)
}

// SharedStore is an optional second tier keyed by content, shared between
// sessions and processes.
type SharedStore interface {
	GetThumbnail(ctx context.Context, key string) ([]byte, bool, error)
	PutThumbnail(ctx context.Context, key string, data []byte) error
}

// Options tune a Cache.
type Options struct {
	TargetWidth int
	GridYield   time.Duration
	Shared      SharedStore
}

type pageKey struct {
	source int
	page   int
}

type sessionSlot struct {
	once sync.Once
	sess Session
	err  error
}

// Cache memoizes rasters by (source id, page index). Each source gets one
// lazily opened decoder session that is reused for all of its pages.
type Cache struct {
	raster  Rasterizer
	sources Sources
	opts    Options

	mu       sync.Mutex
	entries  map[pageKey]Raster
	sessions map[int]*sessionSlot
	epochs   map[int]uint64

	group   singleflight.Group
	gridMu  sync.Mutex
	gridGen uint64
}

func New(r Rasterizer, sources Sources, opts Options) *Cache {
	if opts.TargetWidth <= 0 {
		opts.TargetWidth = 180
	}
	return &Cache{
		raster:   r,
		sources:  sources,
		opts:     opts,
		entries:  make(map[pageKey]Raster),
		sessions: make(map[int]*sessionSlot),
		epochs:   make(map[int]uint64),
	}
}

// Cached returns the memoized raster without rendering.
func (c *Cache) Cached(sourceID, pageIndex int) (Raster, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[pageKey{sourceID, pageIndex}]
	return r, ok
}

// Render returns the raster for a page, rendering it at most once however
// many callers ask concurrently. Failures are returned as *RenderError and
// are not cached, so a later call retries.
func (c *Cache) Render(ctx context.Context, sourceID, pageIndex int) (Raster, error) {
	if r, ok := c.Cached(sourceID, pageIndex); ok {
		metrics.IncThumbnailHit("memory")
		return r, nil
	}

	key := fmt.Sprintf("%d:%d", sourceID, pageIndex)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.render(ctx, sourceID, pageIndex)
	})
	if err != nil {
		return Raster{}, err
	}
	return v.(Raster), nil
}

func (c *Cache) render(ctx context.Context, sourceID, pageIndex int) (Raster, error) {
	if r, ok := c.Cached(sourceID, pageIndex); ok {
		return r, nil
	}
	src, ok := c.sources.Get(sourceID)
	if !ok {
		return Raster{}, &document.RenderError{SourceID: sourceID, PageIndex: pageIndex, Err: document.ErrSourceNotFound}
	}

	c.mu.Lock()
	epoch := c.epochs[sourceID]
	c.mu.Unlock()

	sharedKey := ""
	if c.opts.Shared != nil && src.Hash != "" {
		sharedKey = fmt.Sprintf("%s:%d:%d", src.Hash, pageIndex, c.opts.TargetWidth)
		data, found, err := c.opts.Shared.GetThumbnail(ctx, sharedKey)
		if err != nil {
			log.Warn().Err(err).Str("key", sharedKey).Msg("shared thumbnail lookup failed")
		} else if found {
			metrics.IncThumbnailHit("shared")
			r := Raster{Data: data, Width: c.opts.TargetWidth}
			c.store(sourceID, pageIndex, epoch, r)
			return r, nil
		}
	}

	sess, err := c.session(src, epoch)
	if err != nil {
		metrics.IncThumbnailRender(false)
		return Raster{}, &document.RenderError{SourceID: sourceID, PageIndex: pageIndex, Err: err}
	}
	r, err := sess.RenderPage(pageIndex, c.opts.TargetWidth)
	if err != nil {
		metrics.IncThumbnailRender(false)
		return Raster{}, &document.RenderError{SourceID: sourceID, PageIndex: pageIndex, Err: err}
	}
	metrics.IncThumbnailRender(true)
	c.store(sourceID, pageIndex, epoch, r)

	if sharedKey != "" {
		if err := c.opts.Shared.PutThumbnail(ctx, sharedKey, r.Data); err != nil {
			log.Warn().Err(err).Str("key", sharedKey).Msg("shared thumbnail store failed")
		}
	}
	return r, nil
}

// store memoizes r unless the source was invalidated after the render began.
func (c *Cache) store(sourceID, pageIndex int, epoch uint64, r Raster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochs[sourceID] != epoch {
		return
	}
	c.entries[pageKey{sourceID, pageIndex}] = r
}

// session returns the decoder session for src, opening it on first use. No
// slot is created once the source has moved past epoch.
func (c *Cache) session(src document.Source, epoch uint64) (Session, error) {
	c.mu.Lock()
	if c.epochs[src.ID] != epoch {
		c.mu.Unlock()
		return nil, document.ErrSourceNotFound
	}
	slot, ok := c.sessions[src.ID]
	if !ok {
		slot = &sessionSlot{}
		c.sessions[src.ID] = slot
	}
	c.mu.Unlock()

	slot.once.Do(func() {
		slot.sess, slot.err = c.raster.Open(src.Data)
		if slot.err != nil {
			log.Warn().Err(slot.err).Int("source_id", src.ID).Msg("rasterizer session open failed")
		}
	})
	if slot.err != nil {
		c.mu.Lock()
		if c.sessions[src.ID] == slot {
			delete(c.sessions, src.ID)
		}
		c.mu.Unlock()
	}
	return slot.sess, slot.err
}

// Invalidate drops every raster of sourceID and closes its decoder session.
func (c *Cache) Invalidate(sourceID int) {
	c.mu.Lock()
	for k := range c.entries {
		if k.source == sourceID {
			delete(c.entries, k)
		}
	}
	c.epochs[sourceID]++
	slot := c.sessions[sourceID]
	delete(c.sessions, sourceID)
	c.mu.Unlock()

	closeSlot(slot, sourceID)
}

// InvalidateAll empties the cache and closes all decoder sessions.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	slots := c.sessions
	for id := range slots {
		c.epochs[id]++
	}
	for k := range c.entries {
		c.epochs[k.source]++
	}
	c.entries = make(map[pageKey]Raster)
	c.sessions = make(map[int]*sessionSlot)
	c.mu.Unlock()

	for id, slot := range slots {
		closeSlot(slot, id)
	}
}

func closeSlot(slot *sessionSlot, sourceID int) {
	if slot == nil {
		return
	}
	// waits for an in-progress open
	slot.once.Do(func() {})
	if slot.sess == nil {
		return
	}
	if err := slot.sess.Close(); err != nil {
		log.Warn().Err(err).Int("source_id", sourceID).Msg("rasterizer session close failed")
	}
}

// Len reports the number of memoized rasters.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
