package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

type Meta struct {
	RunID      string   `json:"run_id"`
	Files      []string `json:"files"`
	SourceDir  string   `json:"source_dir"`
	ArchivedAt string   `json:"archived_at"`
	BestEpoch  int      `json:"best_epoch,omitempty"`
	ValLoss    float64  `json:"best_val_loss,omitempty"`
}

// Dir is where a run's artifacts are archived under an artifact directory.
func Dir(artifactDir, runID string) string {
	return filepath.Join(artifactDir, "archives", runID)
}

// Files copies the named files of artifactDir into `artifactDir/archives/<run_id>/`
// and writes a meta.json next to them. Files that do not exist are skipped.
// It returns archived=false when none of them existed.
func Files(artifactDir string, names []string, meta Meta) (dir string, archived bool, err error) {
	if meta.RunID == "" {
		return "", false, fmt.Errorf("archive: empty run id")
	}
	var present []string
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(artifactDir, name)); err == nil {
			present = append(present, name)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", false, err
		}
	}
	if len(present) == 0 {
		return "", false, nil
	}

	dir = Dir(artifactDir, meta.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}
	for _, name := range present {
		if err := copyFile(filepath.Join(artifactDir, name), filepath.Join(dir, name)); err != nil {
			return "", false, err
		}
	}

	meta.Files = present
	meta.SourceDir = artifactDir
	if meta.ArchivedAt == "" {
		meta.ArchivedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}
	return dir, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
