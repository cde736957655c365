package thumbnail

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagecomposer/internal/sequence"
)

// ErrSuperseded is returned by RenderGrid when a newer grid render started.
var ErrSuperseded = errors.New("thumbnail grid superseded")

// EmitFunc receives the raster for one grid entry.
type EmitFunc func(entry sequence.PageEntry, r Raster)

// RenderGrid renders entries one after another in order, pausing briefly
// between pages. Starting another RenderGrid on the same cache supersedes
// this one: it stops and never emits again. Cached pages are emitted
// without rendering; failed pages are emitted as placeholders.
func (c *Cache) RenderGrid(ctx context.Context, entries []sequence.PageEntry, emit EmitFunc) error {
	gen := c.nextGrid()

	for i, e := range entries {
		if !c.gridCurrent(gen) {
			return ErrSuperseded
		}
		if r, ok := c.Cached(e.SourceID, e.PageIndex); ok {
			emit(e, r)
			continue
		}

		r, err := c.Render(ctx, e.SourceID, e.PageIndex)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Int("source_id", e.SourceID).Int("page", e.PageNumber()).Msg("thumbnail render failed")
			r = Raster{Placeholder: true, Width: c.opts.TargetWidth}
		}
		if !c.gridCurrent(gen) {
			return ErrSuperseded
		}
		emit(e, r)

		if i < len(entries)-1 && c.opts.GridYield > 0 {
			t := time.NewTimer(c.opts.GridYield)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil
}

// CancelGrid supersedes any running grid render.
func (c *Cache) CancelGrid() { c.nextGrid() }

func (c *Cache) nextGrid() uint64 {
	c.gridMu.Lock()
	defer c.gridMu.Unlock()
	c.gridGen++
	return c.gridGen
}

func (c *Cache) gridCurrent(gen uint64) bool {
	c.gridMu.Lock()
	defer c.gridMu.Unlock()
	return c.gridGen == gen
}
