package registry

import (
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/local/pagecomposer/internal/document"
)

// Decoder parses source bytes of the given kind far enough to learn their
// page count.
type Decoder interface {
	PageCount(data []byte, kind document.Kind) (int, error)
}

// Registry owns every loaded source of a session. Entries are immutable, so
// readers may hold on to a returned Source without further locking.
type Registry struct {
	dec Decoder

	mu      sync.RWMutex
	nextID  int
	order   []int
	sources map[int]document.Source
}

func New(dec Decoder) *Registry {
	return &Registry{dec: dec, sources: make(map[int]document.Source)}
}

// Add decodes data and stores it under a fresh id. A decode failure leaves
// the registry untouched and is returned as *document.DecodeError.
func (r *Registry) Add(data []byte, name string, kind document.Kind) (document.Source, error) {
	if kind == "" {
		kind = document.KindPDF
	}
	n, err := r.dec.PageCount(data, kind)
	if err != nil {
		if document.IsDecodeError(err) {
			return document.Source{}, err
		}
		return document.Source{}, &document.DecodeError{Name: name, Err: err}
	}

	owned := make([]byte, len(data))
	copy(owned, data)
	sum := blake2b.Sum256(owned)

	r.mu.Lock()
	r.nextID++
	src := document.Source{
		ID:        r.nextID,
		Name:      name,
		Kind:      kind,
		Size:      len(owned),
		PageCount: n,
		Hash:      hex.EncodeToString(sum[:]),
		Data:      owned,
	}
	r.sources[src.ID] = src
	r.order = append(r.order, src.ID)
	r.mu.Unlock()

	log.Debug().Int("source_id", src.ID).Str("name", name).Str("kind", string(kind)).Int("pages", n).Msg("source added")
	return src, nil
}

// Remove drops the source. It is a no-op when id is unknown; callers are
// responsible for cascading to page entries and thumbnails.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[id]; !ok {
		return false
	}
	delete(r.sources, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Get(id int) (document.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

// List returns sources in their current file order.
func (r *Registry) List() []document.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]document.Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}

// IDs returns source ids in their current file order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int(nil), r.order...)
}

// Move relocates a source in file order, clamping toIndex.
func (r *Registry) Move(id, toIndex int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := -1
	for i, v := range r.order {
		if v == id {
			from = i
			break
		}
	}
	if from < 0 {
		return false
	}
	toIndex = clamp(toIndex, 0, len(r.order)-1)
	if from == toIndex {
		return false
	}
	r.order = append(r.order[:from], r.order[from+1:]...)
	r.order = append(r.order[:toIndex], append([]int{id}, r.order[toIndex:]...)...)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear removes every source. Ids keep increasing across clears.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.sources = make(map[int]document.Source)
	r.order = nil
	r.mu.Unlock()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
