package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// LoggerOptions tunes a JSONLZstdWriter.
type LoggerOptions struct {
	// OnClose is called with the path of each finished file, after rotation
	// or Close.
	OnClose func(path string)
}

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	opts    LoggerOptions
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string, opts LoggerOptions) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		opts:    opts,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	if w.curPath != "" && w.opts.OnClose != nil {
		w.opts.OnClose(w.curPath)
	}
	w.curPath = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// PredictionEntry is one served decision.
type PredictionEntry struct {
	Time          time.Time          `json:"time"`
	AgentID       string             `json:"agent_id"`
	RunID         string             `json:"run_id,omitempty"`
	Action        string             `json:"action"`
	Selected      string             `json:"selected_action"`
	Confidence    float64            `json:"confidence"`
	Temperature   float64            `json:"temperature"`
	InertiaHold   bool               `json:"inertia_hold,omitempty"`
	ActiveIntents []string           `json:"active_intents,omitempty"`
	Control       map[string]float64 `json:"continuous_control,omitempty"`
	LatencyMicros int64              `json:"latency_us"`
}

// PredictionLogger writes served predictions to <dir>/predictions-*.jsonl.zst.
type PredictionLogger struct{ w *JSONLZstdWriter }

func NewPredictionLogger(dir string, opts LoggerOptions) *PredictionLogger {
	return &PredictionLogger{w: NewJSONLZstdWriter(dir, "predictions", opts)}
}

func (l *PredictionLogger) WritePrediction(e PredictionEntry) error { return l.w.Write(e) }
func (l *PredictionLogger) Close() error                            { return l.w.Close() }

// CleanRejectLogger records dropped rows of a cleaning run, one line per
// rejection, under <dir>/rejects-*.jsonl.zst.
type CleanRejectLogger struct{ w *JSONLZstdWriter }

// CleanReject names the input line and the counter it was charged to.
type CleanReject struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
	Label  string `json:"label,omitempty"`
}

func NewCleanRejectLogger(dir string, opts LoggerOptions) *CleanRejectLogger {
	return &CleanRejectLogger{w: NewJSONLZstdWriter(dir, "rejects", opts)}
}

func (l *CleanRejectLogger) WriteReject(r CleanReject) error { return l.w.Write(r) }
func (l *CleanRejectLogger) Close() error                     { return l.w.Close() }
