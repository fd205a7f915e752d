// Package artifact persists trained models: a compressed bundle with the
// weights and full metadata, a human-readable metadata mirror and a
// standalone feature-stats file.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/model/linear"
	"minecraftfriend.ai/internal/normalize"
	"minecraftfriend.ai/internal/persistence/archive"
	"minecraftfriend.ai/internal/persistence/snapshot"
)

const (
	BundleFile = "behavior_model.bundle.zst"
	MetaFile   = "behavior_model.meta.json"
	StatsFile  = "feature_stats.json"

	bundleKind    = "behavior_model"
	bundleVersion = 1
)

var (
	ErrEncodingMismatch = errors.New("artifact: feature encoding mismatch")
	ErrFeatureStats     = errors.New("artifact: feature stats do not match in_features")
)

// Header is readable without decoding the weights.
type Header struct {
	snapshot.Header
	RunID           string `json:"run_id"`
	ModelType       string `json:"model_type"`
	EncodingVersion string `json:"encoding_version"`
	CreatedAt       string `json:"created_at"`
}

type Bundle struct {
	Meta    Meta
	Weights linear.Params
}

// Saved lists what Save wrote.
type Saved struct {
	BundlePath string
	MetaPath   string
	StatsPath  string
	ArchiveDir string
}

func (s Saved) Files() []string {
	return []string{s.BundlePath, s.MetaPath, s.StatsPath}
}

// BundlePath accepts either an artifact directory or a bundle file.
func BundlePath(p string) string {
	if st, err := os.Stat(p); err == nil && st.IsDir() {
		return filepath.Join(p, BundleFile)
	}
	return p
}

// Save writes b into dir. An existing bundle there is first archived under
// archives/<its run id>/.
func Save(dir string, b *Bundle, logger *log.Logger) (Saved, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Saved{}, err
	}
	s := Saved{
		BundlePath: filepath.Join(dir, BundleFile),
		MetaPath:   filepath.Join(dir, MetaFile),
		StatsPath:  filepath.Join(dir, StatsFile),
	}
	if b.Meta.EncodingVersion == "" {
		b.Meta.EncodingVersion = features.EncodingVersion
	}
	if b.Meta.CreatedAt == "" {
		b.Meta.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := b.Meta.CheckStats(); err != nil {
		return s, err
	}

	if prev, err := ReadHeader(s.BundlePath); err == nil {
		runID := prev.RunID
		if runID == "" {
			runID = "unknown-" + time.Now().UTC().Format("20060102T150405Z")
		}
		archived, ok, err := archive.Files(dir, []string{BundleFile, MetaFile, StatsFile}, archive.Meta{RunID: runID})
		if err != nil {
			return s, fmt.Errorf("archive previous bundle: %w", err)
		}
		if ok {
			s.ArchiveDir = archived
			printf(logger, "archived previous bundle run_id=%s dir=%s", runID, archived)
		}
	}

	h := Header{
		Header:          snapshot.Header{Kind: bundleKind, Version: bundleVersion},
		RunID:           b.Meta.RunID,
		ModelType:       b.Meta.ModelType,
		EncodingVersion: b.Meta.EncodingVersion,
		CreatedAt:       b.Meta.CreatedAt,
	}
	if err := snapshot.Write(s.BundlePath, h, b); err != nil {
		return s, fmt.Errorf("write bundle: %w", err)
	}
	if err := writeJSON(s.MetaPath, b.Meta); err != nil {
		return s, fmt.Errorf("write meta: %w", err)
	}
	stats := normalize.Stats{Mean: b.Meta.FeatureMean, Std: b.Meta.FeatureStd}
	if err := writeJSON(s.StatsPath, stats); err != nil {
		return s, fmt.Errorf("write feature stats: %w", err)
	}

	printf(logger, "saved model: %s", s.BundlePath)
	printf(logger, "saved metadata: %s", s.MetaPath)
	printf(logger, "saved feature stats: %s", s.StatsPath)
	return s, nil
}

func ReadHeader(path string) (Header, error) {
	var h Header
	if err := snapshot.ReadHeader(BundlePath(path), &h); err != nil {
		return h, err
	}
	return h, h.Check(bundleKind, bundleVersion)
}

// Load reads a bundle and refuses one built with a different feature
// encoding.
func Load(path string) (*Bundle, error) {
	path = BundlePath(path)
	var h Header
	b := new(Bundle)
	if err := snapshot.Read(path, &h, b); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := h.Check(bundleKind, bundleVersion); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if h.EncodingVersion != features.EncodingVersion {
		return nil, fmt.Errorf("%w: bundle %q, runtime %q", ErrEncodingMismatch, h.EncodingVersion, features.EncodingVersion)
	}
	b.Meta.normalizeLoaded()
	if err := b.Meta.CheckStats(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if b.Weights.Config.InFeatures != 0 && b.Weights.Config.InFeatures != b.Meta.InFeatures {
		return nil, fmt.Errorf("%s: weights expect %d features, metadata says %d", path, b.Weights.Config.InFeatures, b.Meta.InFeatures)
	}
	return b, nil
}

// Model builds the in-process model from the bundled weights.
func (b *Bundle) Model() (*linear.Model, error) {
	if len(b.Weights.Weights) == 0 {
		return nil, fmt.Errorf("bundle %s has no local weights", b.Meta.RunID)
	}
	return linear.FromParams(b.Weights)
}

// ReadStats reads a feature_stats.json file.
func ReadStats(path string) (normalize.Stats, error) {
	var s normalize.Stats
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func printf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
