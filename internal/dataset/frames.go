// Package dataset turns cleaned telemetry JSONL into training windows.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/persistence/jsonl"
	"minecraftfriend.ai/internal/telemetry/state"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

var (
	ErrEmpty            = errors.New("no records found in dataset")
	ErrNotEnoughRecords = errors.New("not enough records")
)

// Frames is the per-row view of a dataset: augmented features and the three
// targets. Row i's control target is derived from row i+1, so the last row of
// the file contributes no frame.
type Frames struct {
	X        [][]float32
	Labels   []int
	Intents  [][]float32
	Controls [][]float32
}

func (f *Frames) Len() int { return len(f.X) }

// BuildFrames reads records from r. name is used in error messages only.
func BuildFrames(r io.Reader, name string) (*Frames, error) {
	b := frameBuilder{name: name}
	var prev *state.Record
	var prevLine int
	rows := 0
	err := jsonl.Each(r, func(lineNo int, line []byte) error {
		rec := new(state.Record)
		if err := json.Unmarshal(line, rec); err != nil {
			return fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		rows++
		if prev != nil {
			if err := b.add(prev, rec, prevLine); err != nil {
				return err
			}
		}
		prev, prevLine = rec, lineNo
		return nil
	})
	if err != nil {
		return nil, err
	}
	switch {
	case rows == 0:
		return nil, fmt.Errorf("%w: %s", ErrEmpty, name)
	case rows < 2:
		return nil, fmt.Errorf("%w for hybrid dataset: need at least 2 rows in %s", ErrNotEnoughRecords, name)
	}
	b.frames.X = features.AugmentStream(b.base, b.frames.Labels)
	return &b.frames, nil
}

// BuildFramesFile is BuildFrames over a (possibly zstd-compressed) file.
func BuildFramesFile(path string) (*Frames, error) {
	rc, err := jsonl.Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return BuildFrames(rc, filepath.Base(path))
}

type frameBuilder struct {
	name   string
	base   [][]float32
	frames Frames
	prevTS float64
}

func (b *frameBuilder) add(rec, next *state.Record, lineNo int) error {
	ts := rec.TimestampSeconds()
	var dt float64
	if b.prevTS > 0 && ts > 0 {
		dt = max(0, ts-b.prevTS)
	}
	if ts > 0 {
		b.prevTS = ts
	}

	label := vocab.NormalizeLabel(rec.Action.RawLabel(), rec.Action.Metadata)
	id, ok := vocab.ActionID(label)
	if !ok {
		return fmt.Errorf("%s:%d: unknown action label %q", b.name, lineNo, label)
	}
	b.base = append(b.base, features.Encode(&rec.State, dt))
	b.frames.Labels = append(b.frames.Labels, id)
	b.frames.Intents = append(b.frames.Intents, vocab.IntentVector(label))
	b.frames.Controls = append(b.frames.Controls, features.ControlTarget(&rec.State, &next.State))
	return nil
}
