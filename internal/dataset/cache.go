package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/persistence/snapshot"
)

const (
	cacheKind    = "dataset-cache"
	cacheVersion = 1
)

var ErrStaleCache = errors.New("cache older than dataset")

// CacheKey identifies one preprocessed variant of a dataset.
type CacheKey struct {
	ModelType      string
	SequenceLength int
	Dense          bool
}

func (k CacheKey) mode() string {
	if k.Dense {
		return "dense"
	}
	return "last"
}

type cacheHeader struct {
	snapshot.Header
	EncodingVersion string `json:"encoding_version"`
	Dataset         string `json:"dataset"`
	ModelType       string `json:"model_type"`
	SequenceLength  int    `json:"sequence_length"`
	Dense           bool   `json:"dense"`
	Samples         int    `json:"samples"`
}

// CacheDir is dir when set, else a cache directory next to the dataset.
func CacheDir(dataset, dir string) string {
	if strings.TrimSpace(dir) != "" {
		return dir
	}
	return filepath.Join(filepath.Dir(dataset), "cache")
}

// CachePath names the cache file for dataset under dir.
func CachePath(dir, dataset string, k CacheKey) string {
	base := filepath.Base(dataset)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	name := fmt.Sprintf("%s.model-%s.seq-%d.seqmode-%s.cache.zst", stem, k.ModelType, k.SequenceLength, k.mode())
	return filepath.Join(CacheDir(dataset, dir), name)
}

// ReadCache loads a cache written by WriteCache. It fails with
// fs.ErrNotExist when either file is missing, ErrStaleCache when the dataset
// is newer, and any other error when the file is unreadable or was built for a
// different key or encoding.
func ReadCache(path, dataset string, k CacheKey) (*Set, error) {
	ci, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	di, err := os.Stat(dataset)
	if err != nil {
		return nil, err
	}
	if ci.ModTime().Before(di.ModTime()) {
		return nil, ErrStaleCache
	}

	var h cacheHeader
	var s Set
	if err := snapshot.Read(path, &h, &s); err != nil {
		return nil, err
	}
	if err := h.Check(cacheKind, cacheVersion); err != nil {
		return nil, err
	}
	switch {
	case h.EncodingVersion != features.EncodingVersion:
		return nil, fmt.Errorf("encoding %q, want %q", h.EncodingVersion, features.EncodingVersion)
	case h.ModelType != k.ModelType || h.SequenceLength != k.SequenceLength || h.Dense != k.Dense:
		return nil, fmt.Errorf("cache key mismatch")
	case s.N != h.Samples || len(s.X) != s.N*s.Steps*s.Dim || len(s.Y) != s.N*s.T():
		return nil, fmt.Errorf("corrupt cache arrays")
	}
	return &s, nil
}

func WriteCache(path, dataset string, k CacheKey, s *Set) error {
	h := cacheHeader{
		Header:          snapshot.Header{Kind: cacheKind, Version: cacheVersion},
		EncodingVersion: features.EncodingVersion,
		Dataset:         filepath.Base(dataset),
		ModelType:       k.ModelType,
		SequenceLength:  k.SequenceLength,
		Dense:           k.Dense,
		Samples:         s.N,
	}
	return snapshot.Write(path, h, s)
}
