// Package dataset reads line oriented examples and serves them as batches of encoded examples.
//
// Sources are plain text files (one example per line) or parquet files with a "text" column.
// A Loader preprocesses the lines of each batch in parallel and yields them in sampler order.
package dataset

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// Source is a random access collection of non-blank lines.
type Source interface {
	// Len returns the number of lines.
	Len() int

	// Line returns the i-th line, without line terminators.
	Line(i int) (string, error)

	Close() error
}

// OpenSource opens path as a parquet source if it has a ".parquet" extension, as a text source otherwise.
func OpenSource(path string) (Source, error) {
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		return OpenParquet(path)
	}
	return OpenText(path)
}

// TextSource is a text file mapped in memory, with an index of its non-blank lines.
type TextSource struct {
	path string
	f    *os.File
	data mmap.MMap
	// spans holds [start, end) byte offsets of every non-blank line.
	spans [][2]int
}

var _ Source = &TextSource{}

// OpenText maps the file at path and indexes its lines. Trailing "\r" are dropped.
func OpenText(path string) (*TextSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to stat %q", path)
	}
	s := &TextSource{path: path, f: f}
	if info.Size() == 0 {
		// Empty files can't be mapped.
		return s, nil
	}
	s.data, err = mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to mmap %q", path)
	}
	s.index()
	return s, nil
}

func (s *TextSource) index() {
	data := []byte(s.data)
	start := 0
	for start < len(data) {
		end := bytes.IndexByte(data[start:], '\n')
		next := start + end + 1
		if end < 0 {
			end = len(data) - start
			next = len(data)
		}
		end += start
		if end > start && data[end-1] == '\r' {
			end--
		}
		if len(bytes.TrimSpace(data[start:end])) > 0 {
			s.spans = append(s.spans, [2]int{start, end})
		}
		start = next
	}
}

// Len implements Source.
func (s *TextSource) Len() int { return len(s.spans) }

// Line implements Source.
func (s *TextSource) Line(i int) (string, error) {
	if i < 0 || i >= len(s.spans) {
		return "", errors.Errorf("line %d out of range [0, %d) in %q", i, len(s.spans), s.path)
	}
	span := s.spans[i]
	return string(s.data[span[0]:span[1]]), nil
}

// Close unmaps and closes the file.
func (s *TextSource) Close() error {
	var err error
	if s.data != nil {
		err = s.data.Unmap()
		s.data = nil
	}
	if s.f != nil {
		if closeErr := s.f.Close(); err == nil {
			err = closeErr
		}
		s.f = nil
	}
	return err
}

// TextRow is the parquet schema of a source: a "text" column, one example per row.
type TextRow struct {
	Text string `parquet:"text"`
}

// ParquetSource holds the non-blank rows of a parquet file in memory.
type ParquetSource struct {
	path  string
	lines []string
}

var _ Source = &ParquetSource{}

// OpenParquet reads the "text" column of the parquet file at path.
func OpenParquet(path string) (*ParquetSource, error) {
	rows, err := parquet.ReadFile[TextRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read parquet file %q", path)
	}
	s := &ParquetSource{path: path, lines: make([]string, 0, len(rows))}
	for _, row := range rows {
		line := strings.TrimRight(row.Text, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.lines = append(s.lines, line)
	}
	return s, nil
}

// WriteParquet writes lines as a parquet source file.
func WriteParquet(path string, lines []string) error {
	rows := make([]TextRow, len(lines))
	for i, line := range lines {
		rows[i].Text = line
	}
	return errors.Wrapf(parquet.WriteFile(path, rows), "failed to write parquet file %q", path)
}

// Len implements Source.
func (s *ParquetSource) Len() int { return len(s.lines) }

// Line implements Source.
func (s *ParquetSource) Line(i int) (string, error) {
	if i < 0 || i >= len(s.lines) {
		return "", errors.Errorf("row %d out of range [0, %d) in %q", i, len(s.lines), s.path)
	}
	return s.lines[i], nil
}

// Close implements Source.
func (s *ParquetSource) Close() error { return nil }
