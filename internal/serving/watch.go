package serving

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"minecraftfriend.ai/internal/artifact"
)

// Watcher reloads the server's policy when the bundle file changes on disk.
// Events are debounced so a bundle that is still being written is loaded
// once, after the writer goes quiet.
type Watcher struct {
	srv      *Server
	dir      string
	file     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the directory that holds the configured bundle,
// creating it when missing.
func NewWatcher(srv *Server) (*Watcher, error) {
	dir, file := watchTarget(srv.cfg.ModelPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{srv: srv, dir: dir, file: file, debounce: 500 * time.Millisecond, watcher: fw}, nil
}

// watchTarget splits a model path into the directory to watch and the
// bundle file name inside it.
func watchTarget(p string) (dir, file string) {
	if st, err := os.Stat(p); err == nil && st.IsDir() {
		return p, artifact.BundleFile
	}
	if strings.HasSuffix(p, ".zst") {
		return filepath.Dir(p), filepath.Base(p)
	}
	return p, artifact.BundleFile
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != w.file {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.srv.printf("artifact watcher error: %v", err)
		case <-timer.C:
			if err := w.srv.Reload(); err != nil {
				w.srv.printf("artifact reload failed dir=%s err=%v", w.dir, err)
			}
		}
	}
}
