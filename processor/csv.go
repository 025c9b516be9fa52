package processor

import (
	"bytes"
)

// Row is one CSV line split into its comma-delimited fields. Device CSVs
// carry no quoting or escaping, so splitting on raw bytes is exact.
type Row [][]byte

// RowSource yields rows one at a time. Large streams (accelerometer) are
// consumed through it without ever materializing the whole file.
type RowSource interface {
	Next() (Row, bool)
}

// RowIterator walks a raw blob line by line, splitting lazily.
type RowIterator struct {
	src []byte
	pos int
}

// SplitCSV splits a raw uploaded blob into its header line and an iterator
// over the remaining rows. A header-only blob (no newline) yields an
// exhausted iterator. SplitCSV never fails; malformed lines are filtered
// downstream.
func SplitCSV(blob []byte) ([]byte, *RowIterator) {
	idx := bytes.IndexByte(blob, '\n')
	if idx == -1 {
		return blob, &RowIterator{src: nil}
	}
	return blob[:idx], &RowIterator{src: blob, pos: idx + 1}
}

func (it *RowIterator) Next() (Row, bool) {
	if it.src == nil {
		return nil, false
	}
	idx := bytes.IndexByte(it.src[it.pos:], '\n')
	if idx == -1 {
		row := splitFields(it.src[it.pos:])
		it.src = nil
		return row, true
	}
	row := splitFields(it.src[it.pos : it.pos+idx])
	it.pos += idx + 1
	return row, true
}

// Collect materializes the remaining rows. Used for every stream except
// accelerometer, whose files are too large to hold as a row list alongside
// their raw bytes.
func (it *RowIterator) Collect() []Row {
	var rows []Row
	for {
		row, ok := it.Next()
		if !ok {
			return rows
		}
		rows = append(rows, row)
	}
}

func splitFields(line []byte) Row {
	return Row(bytes.Split(line, []byte{','}))
}

// Rows adapts an in-memory row list to a RowSource.
func Rows(rows []Row) RowSource {
	return &rowSlice{rows: rows}
}

type rowSlice struct {
	rows []Row
	i    int
}

func (r *rowSlice) Next() (Row, bool) {
	if r.i >= len(r.rows) {
		return nil, false
	}
	row := r.rows[r.i]
	r.i++
	return row, true
}

// ConstructCSV serializes a header and row list into a single CSV blob,
// dropping rows whose serialized bytes duplicate an earlier row while
// preserving first-seen order. Duplicates happen when a device re-submits
// the same sample in two uploads.
func ConstructCSV(header []byte, rows []Row) []byte {
	seen := make(map[string]struct{}, len(rows))
	lines := make([][]byte, 0, len(rows)+1)
	lines = append(lines, header)
	for _, row := range rows {
		line := bytes.Join(row, []byte{','})
		if _, dup := seen[string(line)]; dup {
			continue
		}
		seen[string(line)] = struct{}{}
		lines = append(lines, line)
	}
	return bytes.Join(lines, []byte{'\n'})
}

// NormalizeHeader trims whitespace around every column name. Runs as the
// final fixup pass so that vendor header defects can't split one logical
// bin into two.
func NormalizeHeader(header []byte) []byte {
	cols := bytes.Split(header, []byte{','})
	for i, col := range cols {
		cols[i] = bytes.TrimSpace(col)
	}
	return bytes.Join(cols, []byte{','})
}
