package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// IngestConfig points the index at a remote HTTP ingest endpoint that
// accepts {"events":[...]} batches.
type IngestConfig struct {
	Endpoint      string
	Token         string
	Source        string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

// IngestIndex batches records and POSTs them to the ingest endpoint. A batch
// that fails to send is kept and retried on the next flush.
type IngestIndex struct {
	cfg        IngestConfig
	httpClient *http.Client

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropRun        atomic.Uint64
	dropCleanStats atomic.Uint64
	dropEpoch      atomic.Uint64
	dropPrediction atomic.Uint64
	flushFail      atomic.Uint64
}

type ingestEvent struct {
	Kind    string `json:"kind"`
	Source  string `json:"source"`
	Payload any    `json:"payload"`
}

type cleanStatsPayload struct {
	RunID    string           `json:"run_id"`
	Counters map[string]int64 `json:"counters"`
}

// maxRetainedEvents bounds the batch kept across failed flushes.
const maxRetainedEvents = 8192

func OpenIngest(cfg IngestConfig) (*IngestIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Source = strings.TrimSpace(cfg.Source)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("empty source name")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &IngestIndex{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		ch: make(chan ingestEvent, 32768),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()

	return d, nil
}

func (d *IngestIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *IngestIndex) Stats() QueueStats {
	if d == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:          len(d.ch),
		QueueCapacity:       cap(d.ch),
		DropRunTotal:        d.dropRun.Load(),
		DropCleanStatsTotal: d.dropCleanStats.Load(),
		DropEpochTotal:      d.dropEpoch.Load(),
		DropPredictionTotal: d.dropPrediction.Load(),
		FlushFailTotal:      d.flushFail.Load(),
	}
}

func (d *IngestIndex) RecordRun(r Run) {
	d.enqueue(ingestEvent{Kind: "run", Payload: r}, &d.dropRun)
}

func (d *IngestIndex) RecordCleanStats(runID string, counters map[string]int64) {
	if runID == "" || len(counters) == 0 {
		return
	}
	cp := make(map[string]int64, len(counters))
	for k, v := range counters {
		cp[k] = v
	}
	d.enqueue(ingestEvent{Kind: "clean_stats", Payload: cleanStatsPayload{RunID: runID, Counters: cp}}, &d.dropCleanStats)
}

func (d *IngestIndex) RecordEpoch(e Epoch) {
	d.enqueue(ingestEvent{Kind: "epoch", Payload: e}, &d.dropEpoch)
}

func (d *IngestIndex) RecordPrediction(p Prediction) {
	d.enqueue(ingestEvent{Kind: "prediction", Payload: p}, &d.dropPrediction)
}

func (d *IngestIndex) enqueue(ev ingestEvent, drops *atomic.Uint64) {
	if d == nil || d.closed.Load() {
		return
	}
	ev.Source = d.cfg.Source
	select {
	case d.ch <- ev:
	default:
		drops.Add(1)
		d.printf("ingest index queue full; drop kind=%s", ev.Kind)
	}
}

func (d *IngestIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ingestEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.flushFail.Add(1)
			d.printf("ingest index flush failed batch=%d err=%v", len(batch), err)
			if len(batch) > maxRetainedEvents {
				batch = append(batch[:0], batch[len(batch)-maxRetainedEvents:]...)
			}
			return
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *IngestIndex) sendBatch(events []ingestEvent) error {
	if len(events) == 0 {
		return nil
	}

	body := struct {
		Events []ingestEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-mf-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *IngestIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
