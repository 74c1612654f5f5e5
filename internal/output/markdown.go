package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/notedown/pkg/markdown"
)

// ErrNotDocument is returned when a markdown writer receives a value that
// carries no rendered document.
var ErrNotDocument = errors.New("value has no markdown document")

// MarkdownWriter streams rendered documents, separated by a blank line.
type MarkdownWriter struct {
	w       *bufio.Writer
	written int
}

// NewMarkdownWriter creates a markdown writer.
func NewMarkdownWriter(w io.Writer) *MarkdownWriter {
	return &MarkdownWriter{w: bufio.NewWriter(w)}
}

// Write writes one document.
func (w *MarkdownWriter) Write(data any) error {
	doc, ok := data.(Document)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotDocument, data)
	}
	if w.written > 0 {
		if _, err := w.w.WriteString("\n"); err != nil {
			return err
		}
	}
	body := doc.MarkdownDocument()
	if _, err := w.w.WriteString(body); err != nil {
		return err
	}
	if !strings.HasSuffix(body, "\n") {
		if _, err := w.w.WriteString("\n"); err != nil {
			return err
		}
	}
	w.written++
	return w.w.Flush()
}

// WriteAll writes multiple documents.
func (w *MarkdownWriter) WriteAll(data []any) error {
	for _, item := range data {
		if err := w.Write(item); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes the buffer.
func (w *MarkdownWriter) Flush() error {
	return w.w.Flush()
}

// Close flushes the writer.
func (w *MarkdownWriter) Close() error {
	return w.Flush()
}

// DirWriter writes each document to <dir>/<sanitized title>.md. Name
// collisions within one run get a numeric suffix.
type DirWriter struct {
	dir   string
	used  map[string]int
	Paths []string
}

// NewDirWriter creates dir if needed and returns a writer into it.
func NewDirWriter(dir string) (*DirWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &DirWriter{dir: dir, used: make(map[string]int)}, nil
}

// Write writes one document file.
func (w *DirWriter) Write(data any) error {
	doc, ok := data.(Document)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotDocument, data)
	}

	stem := markdown.SanitizeFilename(doc.DocumentTitle())
	w.used[stem]++
	if n := w.used[stem]; n > 1 {
		stem = fmt.Sprintf("%s-%d", stem, n)
	}

	path := filepath.Join(w.dir, stem+".md")
	if err := os.WriteFile(path, []byte(doc.MarkdownDocument()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.Paths = append(w.Paths, path)
	return nil
}

// WriteAll writes multiple document files.
func (w *DirWriter) WriteAll(data []any) error {
	for _, item := range data {
		if err := w.Write(item); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op; files are written on Write.
func (w *DirWriter) Flush() error { return nil }

// Close is a no-op.
func (w *DirWriter) Close() error { return nil }
