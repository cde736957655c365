package sequence

import (
	"regexp"
	"strconv"
	"strings"
)

var rangePart = regexp.MustCompile(`^(\d+)\s*-\s*(\d+)$`)

// ParsePageRange parses text such as "3, 1-2, 7" into 1-based page numbers
// in the order written. Ranges are clamped to [1, max], duplicates keep
// their first position and malformed parts are skipped.
func ParsePageRange(text string, max int) []int {
	var out []int
	seen := make(map[int]bool)
	add := func(n int) {
		if n < 1 || n > max || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
	}
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if m := rangePart.FindStringSubmatch(part); m != nil {
			a, _ := strconv.Atoi(m[1])
			b, _ := strconv.Atoi(m[2])
			if a < 1 {
				a = 1
			}
			if b > max {
				b = max
			}
			for n := a; n <= b; n++ {
				add(n)
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			add(n)
		}
	}
	return out
}

// CompactPageRange renders page numbers back to range text, collapsing
// ascending consecutive runs: [3 1 2 5] -> "3, 1-2, 5".
func CompactPageRange(pages []int) string {
	if len(pages) == 0 {
		return ""
	}
	var parts []string
	start, prev := pages[0], pages[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, strconv.Itoa(start)+"-"+strconv.Itoa(prev))
		}
	}
	for _, n := range pages[1:] {
		if n == prev+1 {
			prev = n
			continue
		}
		flush()
		start, prev = n, n
	}
	flush()
	return strings.Join(parts, ", ")
}

// RangeText describes the selected entries of m as range text.
func (m *Model) RangeText() string {
	sel := m.Selected()
	pages := make([]int, 0, len(sel))
	for _, e := range sel {
		pages = append(pages, e.PageNumber())
	}
	return CompactPageRange(pages)
}

// ReorderFromText applies range text to the sequence. maxPages bounds the
// accepted page numbers; it returns the parsed numbers.
func (m *Model) ReorderFromText(text string, maxPages int) []int {
	pages := ParsePageRange(text, maxPages)
	m.ReorderFromLabels(pages)
	return pages
}
