package preview

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagecomposer/internal/assembly"
	"github.com/local/pagecomposer/internal/document"
	"github.com/local/pagecomposer/internal/metrics"
)

type State string

const (
	StateIdle       State = "idle"
	StateScheduled  State = "scheduled"
	StateAssembling State = "assembling"
	StatePublished  State = "published"
	StateFailed     State = "failed"
)

// Artifact is a published preview document.
type Artifact struct {
	Generation uint64
	Bytes      []byte
	PageCount  int
	CreatedAt  time.Time
}

// Consumer displays artifacts. Publish is always called before the
// previous artifact is retired. Calls are made with the pipeline locked, so
// a Consumer must not call back into the pipeline.
type Consumer interface {
	Publish(a *Artifact)
	Retire(a *Artifact)
}

// BuildFunc snapshots the current sequence and assembles it.
type BuildFunc func(ctx context.Context) (*assembly.Result, error)

// Status is a point-in-time view of the pipeline.
type Status struct {
	State      State  `json:"state"`
	Generation uint64 `json:"generation"`
	Published  uint64 `json:"published_generation,omitempty"`
	PageCount  int    `json:"page_count"`
	Err        string `json:"error,omitempty"`
}

type Options struct {
	Debounce time.Duration
	Consumer Consumer
	// Kind labels metrics and logs, e.g. "merge".
	Kind string
}

// Pipeline rebuilds the preview after edits settle. Every Schedule call
// issues a new generation; a finished build is published only if its
// generation is still the latest. Builds already running are left to
// finish and their results dropped when stale. A failed build never
// retires the published artifact.
type Pipeline struct {
	build BuildFunc
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	gen     uint64
	timer   *time.Timer
	current *Artifact
	lastErr error
	subs    map[chan Status]struct{}
	closed  bool
}

func New(build BuildFunc, opts Options) *Pipeline {
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		build:  build,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		subs:   make(map[chan Status]struct{}),
	}
}

// Schedule records an edit and (re)starts the debounce window.
func (p *Pipeline) Schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(p.opts.Debounce, func() { p.fire(t) })
	p.timer = t
	p.setState(StateScheduled)
}

// fire runs a build for timer t. A timer that expired while Schedule was
// replacing it finds p.timer changed and does nothing.
func (p *Pipeline) fire(t *time.Timer) {
	p.mu.Lock()
	if p.closed || p.timer != t {
		p.mu.Unlock()
		return
	}
	gen := p.gen
	p.timer = nil
	p.setState(StateAssembling)
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	start := time.Now()
	res, err := p.build(p.ctx)
	dur := time.Since(start)

	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen || p.closed {
		metrics.IncStaleDiscard()
		log.Debug().Str("kind", p.opts.Kind).Uint64("generation", gen).Uint64("latest", p.gen).Msg("discarding stale preview")
		return
	}

	if err == nil && res == nil {
		err = document.ErrNothingSelected
	}
	if err != nil {
		metrics.ObserveAssembly(p.opts.Kind, "error", dur)
		p.lastErr = err
		p.setState(StateFailed)
		if assembly.IsNothingSelected(err) {
			log.Debug().Str("kind", p.opts.Kind).Uint64("generation", gen).Msg("preview has no pages")
		} else {
			log.Warn().Err(err).Str("kind", p.opts.Kind).Uint64("generation", gen).Msg("preview assembly failed")
		}
		return
	}

	metrics.ObserveAssembly(p.opts.Kind, "success", dur)
	old := p.current
	p.current = &Artifact{Generation: gen, Bytes: res.Bytes, PageCount: res.PageCount, CreatedAt: time.Now()}
	p.lastErr = nil
	if p.opts.Consumer != nil {
		p.opts.Consumer.Publish(p.current)
		if old != nil {
			p.opts.Consumer.Retire(old)
		}
	}
	p.setState(StatePublished)
	log.Debug().Str("kind", p.opts.Kind).Uint64("generation", gen).Int("pages", res.PageCount).Dur("took", dur).Msg("preview published")
}

// Current returns the published artifact, which survives later failures.
func (p *Pipeline) Current() *Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

// Err returns the error of the latest non-stale build, if it failed.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Subscribe returns a channel that receives the latest status after every
// state change. Slow readers only see the most recent status.
func (p *Pipeline) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}
}

// Close stops pending timers, waits for running builds and retires the
// published artifact.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.opts.Consumer != nil {
		p.opts.Consumer.Retire(p.current)
	}
	p.current = nil
	p.lastErr = nil
	p.setState(StateIdle)
	for ch := range p.subs {
		close(ch)
	}
	p.subs = map[chan Status]struct{}{}
}

func (p *Pipeline) setState(s State) {
	p.state = s
	st := p.statusLocked()
	for ch := range p.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}

func (p *Pipeline) statusLocked() Status {
	st := Status{State: p.state, Generation: p.gen}
	if p.current != nil {
		st.Published = p.current.Generation
		st.PageCount = p.current.PageCount
	}
	if p.lastErr != nil {
		st.Err = p.lastErr.Error()
	}
	return st
}
