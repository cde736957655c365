package sheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrEmptySheet = errors.New("sheet has no rows")

var candidateDelimiters = []rune{',', '\t', ';'}

// DetectDelimiter scores each candidate over the first five non-blank
// lines. A delimiter that appears the same non-zero number of times on
// every line scores double its average.
func DetectDelimiter(text string) rune {
	var lines []string
	for i, l := range strings.Split(text, "\n") {
		if i >= 5 {
			break
		}
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return ','
	}

	best, bestScore := ',', -1.0
	for _, d := range candidateDelimiters {
		total := 0
		consistent := true
		first := strings.Count(lines[0], string(d))
		for _, l := range lines {
			c := strings.Count(l, string(d))
			total += c
			if c != first {
				consistent = false
			}
		}
		score := float64(total) / float64(len(lines))
		if consistent && first > 0 {
			score *= 2
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

// Table is a parsed sheet: the first row is the header; body rows are
// padded or cut to the header width.
type Table struct {
	Title  string
	Header []string
	Rows   [][]string
}

// ParseCSV reads delimited text. A zero delim is detected.
func ParseCSV(text string, delim rune) (*Table, error) {
	if delim == 0 {
		delim = DetectDelimiter(text)
	}
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, ErrEmptySheet
	}

	t := &Table{Header: records[0]}
	for _, rec := range records[1:] {
		row := make([]string, len(t.Header))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
