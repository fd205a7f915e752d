package jsonl

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterReaderRoundTrip_Zstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rows.jsonl.zst")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Encode(map[string]any{"i": i, "s": "<a&b>"}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rc, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	var lines []string
	if err := Each(rc, func(_ int, line []byte) error {
		lines = append(lines, string(line))
		return nil
	}); err != nil {
		t.Fatalf("each: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("lines=%d want 3", len(lines))
	}
	if lines[0] != `{"i":0,"s":"<a&b>"}` {
		t.Fatalf("line0=%s", lines[0])
	}

	n, err := CountLines(path)
	if err != nil || n != 3 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}

func TestEach_SkipsBlankLines(t *testing.T) {
	var got []int
	err := Each(strings.NewReader("a\n\n   \nb\n"), func(n int, _ []byte) error {
		got = append(got, n)
		return nil
	})
	if err != nil {
		t.Fatalf("each: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 4 {
		t.Fatalf("line numbers=%v want [1 4]", got)
	}
}
