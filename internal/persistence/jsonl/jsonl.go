// Package jsonl reads and writes newline-delimited JSON files, transparently
// zstd-compressed when the path ends in ".zst".
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const maxLine = 16 * 1024 * 1024

func compressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".zst")
}

type reader struct {
	f   *os.File
	dec *zstd.Decoder
	r   io.Reader
}

func (r *reader) Read(p []byte) (int, error) { return r.r.Read(p) }

func (r *reader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	return r.f.Close()
}

// Open opens path for reading.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !compressed(path) {
		return &reader{f: f, r: f}, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &reader{f: f, dec: dec, r: dec}, nil
}

// Writer buffers JSONL output. Close flushes and finishes the zstd frame.
type Writer struct {
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
	je  *json.Encoder
}

// Create truncates or creates path, making parent directories as needed.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f}
	var sink io.Writer = f
	if compressed(path) {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		w.enc = enc
		sink = enc
	}
	w.w = bufio.NewWriterSize(sink, 128*1024)
	w.je = NewEncoder(w.w)
	return w, nil
}

// NewEncoder returns a compact encoder that leaves HTML characters alone.
func NewEncoder(w io.Writer) *json.Encoder {
	je := json.NewEncoder(w)
	je.SetEscapeHTML(false)
	return je
}

// Encode writes v as one line.
func (w *Writer) Encode(v any) error { return w.je.Encode(v) }

func (w *Writer) Close() error {
	err := w.w.Flush()
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Each calls fn for every non-blank line with surrounding whitespace
// trimmed. lineNo counts physical lines from 1. line is only valid for the
// duration of the call.
func Each(r io.Reader, fn func(lineNo int, line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// CountLines counts the non-blank lines of path.
func CountLines(path string) (int, error) {
	rc, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	count := 0
	err = Each(rc, func(int, []byte) error {
		count++
		return nil
	})
	return count, err
}
