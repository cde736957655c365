package sequence

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/local/pagecomposer/internal/document"
)

var uidCounter atomic.Int64

// NextUID returns a process-unique page identity. Values are never reused.
func NextUID() int64 { return uidCounter.Add(1) }

// PageEntry references one page of one source. UID, SourceID and PageIndex
// are fixed at creation; only position and Selected change.
type PageEntry struct {
	UID       int64  `json:"uid"`
	SourceID  int    `json:"source_id"`
	PageIndex int    `json:"page_index"`
	Label     string `json:"label"`
	Selected  bool   `json:"selected"`
}

// PageNumber is the 1-based page number within the source.
func (e PageEntry) PageNumber() int { return e.PageIndex + 1 }

// Model is the ordered page sequence of one workflow session. Order is the
// intended output order. All operations are synchronous and leave the model
// consistent; unknown uids are ignored rather than reported.
type Model struct {
	mu      sync.RWMutex
	entries []PageEntry
}

func New() *Model { return &Model{} }

// AppendPagesOf appends one selected entry per page of src in ascending
// page order and returns the new entries.
func (m *Model) AppendPagesOf(src document.Source) []PageEntry {
	added := make([]PageEntry, 0, src.PageCount)
	for i := 0; i < src.PageCount; i++ {
		added = append(added, PageEntry{
			UID:       NextUID(),
			SourceID:  src.ID,
			PageIndex: i,
			Label:     fmt.Sprintf("%s - P%d", src.Name, i+1),
			Selected:  true,
		})
	}
	m.mu.Lock()
	m.entries = append(m.entries, added...)
	m.mu.Unlock()
	return added
}

// Move relocates uid to toIndex, clamped to the sequence bounds. It reports
// whether the order changed.
func (m *Model) Move(uid int64, toIndex int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.indexOf(uid)
	if from < 0 {
		return false
	}
	toIndex = clamp(toIndex, 0, len(m.entries)-1)
	if from == toIndex {
		return false
	}
	e := m.entries[from]
	m.entries = append(m.entries[:from], m.entries[from+1:]...)
	m.entries = append(m.entries, PageEntry{})
	copy(m.entries[toIndex+1:], m.entries[toIndex:])
	m.entries[toIndex] = e
	return true
}

// Remove deletes uid from the sequence.
func (m *Model) Remove(uid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(uid)
	if i < 0 {
		return false
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return true
}

// RemoveSource deletes every entry referencing sourceID, keeping the
// relative order of the rest. It returns the number of entries removed.
func (m *Model) RemoveSource(sourceID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.SourceID == sourceID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = PageEntry{}
	}
	m.entries = kept
	return removed
}

// SetSelected toggles inclusion of uid without removing it.
func (m *Model) SetSelected(uid int64, selected bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(uid)
	if i < 0 || m.entries[i].Selected == selected {
		return false
	}
	m.entries[i].Selected = selected
	return true
}

// SetAllSelected selects or deselects every entry.
func (m *Model) SetAllSelected(selected bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for i := range m.entries {
		if m.entries[i].Selected != selected {
			m.entries[i].Selected = selected
			changed = true
		}
	}
	return changed
}

// ReorderFromLabels re-derives the order from 1-based page numbers. Each
// number claims the first unclaimed entry with that page; claimed entries
// become a selected prefix in the given order. Everything else is
// deselected and follows in its previous relative order. Repeated numbers
// after the first occurrence are ignored.
func (m *Model) ReorderFromLabels(pageNumbers []int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := make(map[int64]bool, len(m.entries))
	seen := make(map[int]bool, len(pageNumbers))
	out := make([]PageEntry, 0, len(m.entries))

	for _, n := range pageNumbers {
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, e := range m.entries {
			if e.PageIndex == n-1 && !used[e.UID] {
				e.Selected = true
				out = append(out, e)
				used[e.UID] = true
				break
			}
		}
	}
	for _, e := range m.entries {
		if used[e.UID] {
			continue
		}
		e.Selected = false
		out = append(out, e)
	}
	m.entries = out
}

// GroupBySources regroups entries by the given source order, keeping the
// relative order of pages within each source. Sources missing from order
// keep their entries at the end.
func (m *Model) GroupBySources(order []int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rank := make(map[int]int, len(order))
	for i, id := range order {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}
	buckets := make([][]PageEntry, len(order)+1)
	for _, e := range m.entries {
		r, ok := rank[e.SourceID]
		if !ok {
			r = len(order)
		}
		buckets[r] = append(buckets[r], e)
	}
	out := m.entries[:0]
	for _, b := range buckets {
		out = append(out, b...)
	}
	m.entries = out
}

// Current returns a copy of the sequence.
func (m *Model) Current() []PageEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PageEntry(nil), m.entries...)
}

// Selected returns the selected entries in sequence order.
func (m *Model) Selected() []PageEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PageEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Selected {
			out = append(out, e)
		}
	}
	return out
}

func (m *Model) Get(uid int64) (PageEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.indexOf(uid); i >= 0 {
		return m.entries[i], true
	}
	return PageEntry{}, false
}

func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Model) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

func (m *Model) indexOf(uid int64) int {
	for i, e := range m.entries {
		if e.UID == uid {
			return i
		}
	}
	return -1
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
