package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is stored under meta.schema_version.
const SchemaVersion = "1"

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropRun        atomic.Uint64
	dropCleanStats atomic.Uint64
	dropEpoch      atomic.Uint64
	dropPrediction atomic.Uint64
	writeFail      atomic.Uint64
}

type reqKind int

const (
	reqRun reqKind = iota + 1
	reqCleanStats
	reqEpoch
	reqPrediction
	reqSync
)

type req struct {
	kind reqKind

	run        Run
	runID      string
	counters   map[string]int64
	epoch      Epoch
	prediction Prediction
	done       chan struct{}
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Prediction bursts from many agents must never stall a request.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			records INTEGER NOT NULL,
			error TEXT,
			config_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_kind_started ON runs(kind, started_at);`,
		`CREATE TABLE IF NOT EXISTS clean_stats (
			run_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			count INTEGER NOT NULL,
			PRIMARY KEY (run_id, reason)
		);`,
		`CREATE TABLE IF NOT EXISTS epochs (
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			train_loss REAL NOT NULL,
			val_loss REAL NOT NULL,
			train_acc REAL NOT NULL,
			val_acc REAL NOT NULL,
			lr REAL NOT NULL,
			grad_norm_mean REAL NOT NULL,
			skipped_batches INTEGER NOT NULL,
			PRIMARY KEY (run_id, epoch)
		);`,
		`CREATE TABLE IF NOT EXISTS predictions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			action TEXT NOT NULL,
			selected_action TEXT NOT NULL,
			confidence REAL NOT NULL,
			temperature REAL NOT NULL,
			inertia_hold INTEGER NOT NULL,
			latency_us INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_agent_ts ON predictions(agent_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_action ON predictions(action);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + SchemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropRunTotal:        s.dropRun.Load(),
		DropCleanStatsTotal: s.dropCleanStats.Load(),
		DropEpochTotal:      s.dropEpoch.Load(),
		DropPredictionTotal: s.dropPrediction.Load(),
		FlushFailTotal:      s.writeFail.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Drop if the indexer falls behind.
		drops.Add(1)
	}
}

func (s *SQLiteIndex) RecordRun(r Run) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqRun, run: r}, &s.dropRun)
}

func (s *SQLiteIndex) RecordCleanStats(runID string, counters map[string]int64) {
	if s == nil || runID == "" || len(counters) == 0 {
		return
	}
	cp := make(map[string]int64, len(counters))
	for k, v := range counters {
		cp[k] = v
	}
	s.enqueue(req{kind: reqCleanStats, runID: runID, counters: cp}, &s.dropCleanStats)
}

func (s *SQLiteIndex) RecordEpoch(e Epoch) {
	if s == nil || e.RunID == "" {
		return
	}
	s.enqueue(req{kind: reqEpoch, epoch: e}, &s.dropEpoch)
}

func (s *SQLiteIndex) RecordPrediction(p Prediction) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqPrediction, prediction: p}, &s.dropPrediction)
}

// Sync blocks until everything queued before it is committed, or ctx ends.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,kind,status,started_at,finished_at,input,output,records,error,config_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertCleanStat, _ := s.db.Prepare(`INSERT OR REPLACE INTO clean_stats(run_id,reason,count) VALUES(?,?,?)`)
	insertEpoch, _ := s.db.Prepare(`INSERT OR REPLACE INTO epochs(run_id,epoch,train_loss,val_loss,train_acc,val_acc,lr,grad_norm_mean,skipped_batches) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertPrediction, _ := s.db.Prepare(`INSERT INTO predictions(ts,agent_id,run_id,action,selected_action,confidence,temperature,inertia_hold,latency_us) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, insertCleanStat, insertEpoch, insertPrediction} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFail.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeFail.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRun:
			run := r.run
			exec(insertRun,
				run.RunID, run.Kind, run.Status,
				formatTime(run.StartedAt), formatTime(run.FinishedAt),
				run.Input, run.Output, run.Records, run.Error, run.ConfigJSON,
			)

		case reqCleanStats:
			reasons := make([]string, 0, len(r.counters))
			for k := range r.counters {
				reasons = append(reasons, k)
			}
			sort.Strings(reasons)
			for _, k := range reasons {
				if !exec(insertCleanStat, r.runID, k, r.counters[k]) {
					break
				}
			}

		case reqEpoch:
			e := r.epoch
			exec(insertEpoch, e.RunID, e.Epoch, e.TrainLoss, e.ValLoss, e.TrainAcc, e.ValAcc, e.LR, e.GradNormMean, e.Skipped)

		case reqPrediction:
			p := r.prediction
			hold := 0
			if p.InertiaHold {
				hold = 1
			}
			exec(insertPrediction,
				formatTime(p.Time), p.AgentID, p.RunID, p.Action, p.Selected,
				p.Confidence, p.Temperature, hold, p.LatencyMicros,
			)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
