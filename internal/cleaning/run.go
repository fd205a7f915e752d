package cleaning

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"minecraftfriend.ai/internal/persistence/jsonl"
)

// RejectFunc is told about every dropped input line.
type RejectFunc func(lineNo int, reason Reason)

// Run streams r through a fresh Filter and writes kept rows to w.
func Run(r io.Reader, w io.Writer, cfg Config) (Stats, error) {
	return stream(r, jsonl.NewEncoder(w), cfg, "line", nil)
}

type rowEncoder interface {
	Encode(v any) error
}

func stream(r io.Reader, enc rowEncoder, cfg Config, name string, onReject RejectFunc) (Stats, error) {
	f := NewFilter(cfg)
	err := jsonl.Each(r, func(lineNo int, line []byte) error {
		row, reason := f.Process(line)
		if reason != Kept {
			if onReject != nil {
				onReject(lineNo, reason)
			}
			return nil
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		return nil
	})
	return f.Stats(), err
}

// DefaultOutputPath is <dir>/<stem>.clean.jsonl for an input path, keeping a
// trailing .zst when the input is compressed.
func DefaultOutputPath(input string) string {
	dir, base := filepath.Split(input)
	zst := strings.HasSuffix(base, ".zst")
	base = strings.TrimSuffix(base, ".zst")
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	out := filepath.Join(dir, stem+".clean.jsonl")
	if zst {
		out += ".zst"
	}
	return out
}

// RunFile cleans input into output (DefaultOutputPath when empty) and
// returns the resolved output path. onReject may be nil.
func RunFile(input, output string, cfg Config, onReject RejectFunc) (string, Stats, error) {
	if _, err := os.Stat(input); err != nil {
		return "", Stats{}, fmt.Errorf("input dataset not found: %w", err)
	}
	if strings.TrimSpace(output) == "" {
		output = DefaultOutputPath(input)
	}
	in, err := jsonl.Open(input)
	if err != nil {
		return output, Stats{}, err
	}
	defer in.Close()

	out, err := jsonl.Create(output)
	if err != nil {
		return output, Stats{}, err
	}
	stats, err := stream(in, out, cfg, filepath.Base(input), onReject)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return output, stats, err
}
