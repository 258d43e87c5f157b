package cache

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// ChunkIterator streams one published parquet artifact a row group at a
// time, for datasets too large to materialize whole. Row groups are the
// natural chunk boundary: each is independently compressed and readable
// without touching the rest of the file.
type ChunkIterator struct {
	file   *os.File
	pfile  *parquet.File
	groups []parquet.RowGroup
	next   int
}

// OpenChunks opens the artifact at path for chunked reading.
func OpenChunks(path string) (*ChunkIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk source: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat chunk source: %w", err)
	}
	pf, err := parquet.OpenFile(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse chunk source: %w", err)
	}

	return &ChunkIterator{
		file:   f,
		pfile:  pf,
		groups: pf.RowGroups(),
	}, nil
}

// Schema returns the artifact's parquet schema.
func (it *ChunkIterator) Schema() *parquet.Schema { return it.pfile.Schema() }

// NumChunks returns the number of row groups in the artifact.
func (it *ChunkIterator) NumChunks() int { return len(it.groups) }

// NumRows returns the artifact's total row count.
func (it *ChunkIterator) NumRows() int64 { return it.pfile.NumRows() }

// Next returns the rows of the next row group, or io.EOF after the last
// one.
func (it *ChunkIterator) Next() ([]parquet.Row, error) {
	if it.next >= len(it.groups) {
		return nil, io.EOF
	}
	group := it.groups[it.next]
	it.next++

	rows := group.Rows()
	defer rows.Close()

	buf := make([]parquet.Row, group.NumRows())
	n, err := rows.ReadRows(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read row group %d: %w", it.next-1, err)
	}
	return buf[:n], nil
}

// Reset rewinds the iterator to the first row group.
func (it *ChunkIterator) Reset() { it.next = 0 }

// Close releases the underlying file.
func (it *ChunkIterator) Close() error { return it.file.Close() }
