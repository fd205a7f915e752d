package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"minecraftfriend.ai/internal/persistence/jsonl"
)

const (
	ModelMLP  = "mlp"
	ModelLSTM = "lstm"
)

// LargeDatasetBytes is the in-memory size above which Load warns.
const LargeDatasetBytes = 8192 << 20

// Options selects how a dataset file becomes a Set.
type Options struct {
	Path      string
	ModelType string
	Length    LengthPolicy
	Dense     bool
	Cache     bool
	CacheDir  string
}

// Result is a loaded Set plus what was decided along the way.
type Result struct {
	Set            *Set
	ModelType      string
	SequenceLength int
	CachePath      string
	CacheHit       bool
}

// Load builds (or reads from cache) the Set for opts. Sequence models get
// sliding windows of the resolved length; the MLP gets single frames.
func Load(opts Options, logger *log.Logger) (*Result, error) {
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("dataset not found: %w", err)
	}
	res := &Result{ModelType: strings.ToLower(strings.TrimSpace(opts.ModelType)), SequenceLength: 1}
	switch res.ModelType {
	case ModelMLP, ModelLSTM:
	default:
		return nil, fmt.Errorf("unknown model type %q", opts.ModelType)
	}
	dense := false
	if res.ModelType == ModelLSTM {
		dense = opts.Dense
		l, err := resolveLength(opts, logger)
		if err != nil {
			return nil, err
		}
		res.SequenceLength = l
	}
	key := CacheKey{ModelType: res.ModelType, SequenceLength: res.SequenceLength, Dense: dense}
	res.CachePath = CachePath(opts.CacheDir, opts.Path, key)

	if opts.Cache {
		s, err := ReadCache(res.CachePath, opts.Path, key)
		switch {
		case err == nil:
			printf(logger, "dataset_cache=hit path=%s", res.CachePath)
			res.Set, res.CacheHit = s, true
			warnIfLarge(s, logger)
			return res, nil
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrStaleCache):
		default:
			printf(logger, "dataset_cache=invalid path=%s reason=%v", res.CachePath, err)
		}
	}

	frames, err := BuildFramesFile(opts.Path)
	if err != nil {
		return nil, err
	}
	if res.ModelType == ModelLSTM {
		if res.Set, err = Windows(frames, res.SequenceLength, dense); err != nil {
			return nil, fmt.Errorf("%w in dataset: %s", err, opts.Path)
		}
	} else {
		res.Set = Flat(frames)
	}

	if opts.Cache {
		if err := WriteCache(res.CachePath, opts.Path, key, res.Set); err != nil {
			printf(logger, "warning=dataset_cache_write_failed path=%s err=%v", res.CachePath, err)
		} else {
			printf(logger, "dataset_cache=saved path=%s", res.CachePath)
		}
	}
	warnIfLarge(res.Set, logger)
	return res, nil
}

func resolveLength(opts Options, logger *log.Logger) (int, error) {
	p := opts.Length
	if p.Fixed() {
		return p.Resolve(0), nil
	}
	rows, err := jsonl.CountLines(opts.Path)
	if err != nil {
		return 0, err
	}
	l := p.Resolve(rows)
	if l != max(2, p.Requested) {
		printf(logger, "sequence_length_adjusted requested=%d effective=%d rows=%d strategy=%s min_windows=%d",
			p.Requested, l, rows, StrategyAdaptive, max(1, p.MinTrainWindows))
	}
	return l, nil
}

func warnIfLarge(s *Set, logger *log.Logger) {
	b := s.Bytes()
	if b >= LargeDatasetBytes {
		printf(logger, "warning=large_dataset_in_memory estimated_mb=%.1f size=%s suggestion=reduce_batch_or_sequence_or_enable_chunking",
			float64(b)/(1<<20), humanize.IBytes(b))
	}
}

func printf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
