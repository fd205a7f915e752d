// Package indexdb is the secondary read model of clean runs, training runs
// and served predictions. The JSONL logs and artifacts stay the source of
// truth; every writer drops records instead of blocking its caller.
package indexdb

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Run kinds.
const (
	KindClean = "clean"
	KindTrain = "train"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// Run is one invocation of cmd/clean or cmd/train. Recording the same RunID
// again replaces the row.
type Run struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	Records    int64     `json:"records"`
	Error      string    `json:"error,omitempty"`
	ConfigJSON string    `json:"config_json,omitempty"`
}

// Epoch is one line of a training run's history.
type Epoch struct {
	RunID        string  `json:"run_id"`
	Epoch        int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	ValLoss      float64 `json:"val_loss"`
	TrainAcc     float64 `json:"train_acc"`
	ValAcc       float64 `json:"val_acc"`
	LR           float64 `json:"lr"`
	GradNormMean float64 `json:"grad_norm_mean"`
	Skipped      int     `json:"skipped_batches"`
}

// Prediction is one served decision.
type Prediction struct {
	Time          time.Time `json:"time"`
	AgentID       string    `json:"agent_id"`
	RunID         string    `json:"run_id"`
	Action        string    `json:"action"`
	Selected      string    `json:"selected_action"`
	Confidence    float64   `json:"confidence"`
	Temperature   float64   `json:"temperature"`
	InertiaHold   bool      `json:"inertia_hold"`
	LatencyMicros int64     `json:"latency_us"`
}

// QueueStats reports the writer backlog and how much was dropped.
type QueueStats struct {
	QueueDepth          int
	QueueCapacity       int
	DropRunTotal        uint64
	DropCleanStatsTotal uint64
	DropEpochTotal      uint64
	DropPredictionTotal uint64
	FlushFailTotal      uint64
}

// Index is implemented by every backend.
type Index interface {
	RecordRun(r Run)
	RecordCleanStats(runID string, counters map[string]int64)
	RecordEpoch(e Epoch)
	RecordPrediction(p Prediction)
	Stats() QueueStats
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendIngest = "ingest"
	BackendNone   = "none"
)

// Options select and configure a backend. Empty fields are filled from the
// MF_INDEX_* environment by OptionsFromEnv.
type Options struct {
	Backend       string
	SQLitePath    string
	IngestURL     string
	IngestToken   string
	Source        string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *log.Logger
}

// OptionsFromEnv reads MF_INDEX_BACKEND, MF_INDEX_INGEST_URL,
// MF_INDEX_INGEST_TOKEN, MF_INDEX_FLUSH_MS and MF_INDEX_BATCH_SIZE. The
// sqlite database defaults to <dataDir>/index/runs.sqlite.
func OptionsFromEnv(dataDir, source string, logger *log.Logger) Options {
	return Options{
		Backend:       strings.ToLower(strings.TrimSpace(os.Getenv("MF_INDEX_BACKEND"))),
		SQLitePath:    filepath.Join(dataDir, "index", "runs.sqlite"),
		IngestURL:     strings.TrimSpace(os.Getenv("MF_INDEX_INGEST_URL")),
		IngestToken:   strings.TrimSpace(os.Getenv("MF_INDEX_INGEST_TOKEN")),
		Source:        source,
		BatchSize:     envInt("MF_INDEX_BATCH_SIZE", 128),
		FlushInterval: time.Duration(envInt("MF_INDEX_FLUSH_MS", 500)) * time.Millisecond,
		Logger:        logger,
	}
}

// Open returns the configured backend, or nil for "none".
func Open(opts Options) (Index, error) {
	backend := opts.Backend
	if backend == "" {
		backend = BackendSQLite
	}
	switch backend {
	case BackendNone, "off", "disabled":
		return nil, nil
	case BackendSQLite:
		idx, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case BackendIngest:
		if opts.IngestURL == "" {
			return nil, fmt.Errorf("MF_INDEX_BACKEND=ingest but MF_INDEX_INGEST_URL is empty")
		}
		idx, err := OpenIngest(IngestConfig{
			Endpoint:      opts.IngestURL,
			Token:         opts.IngestToken,
			Source:        opts.Source,
			BatchSize:     opts.BatchSize,
			FlushInterval: opts.FlushInterval,
			Logger:        opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported MF_INDEX_BACKEND: %s", backend)
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
