package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testHeader struct {
	Header
	Note string `json:"note"`
}

type testBody struct {
	X []float32
	Y []int32
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.bin")
	h := testHeader{Header: Header{Kind: "test", Version: 2}, Note: "hello"}
	body := testBody{X: []float32{1, 2.5}, Y: []int32{3}}
	if err := Write(path, h, body); err != nil {
		t.Fatalf("write: %v", err)
	}

	var gotH testHeader
	if err := ReadHeader(path, &gotH); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if gotH != h {
		t.Fatalf("header=%+v want %+v", gotH, h)
	}
	if err := gotH.Check("test", 2); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := gotH.Check("test", 3); !errors.Is(err, ErrKind) {
		t.Fatalf("check err=%v want ErrKind", err)
	}

	var gotB testBody
	if err := Read(path, &gotH, &gotB); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(gotB.X) != 2 || gotB.X[1] != 2.5 || gotB.Y[0] != 3 {
		t.Fatalf("body=%+v", gotB)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}
