package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"minecraftfriend.ai/internal/artifact"
	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/model"
	"minecraftfriend.ai/internal/model/linear"
	"minecraftfriend.ai/internal/persistence/indexdb"
	"minecraftfriend.ai/internal/protocol"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

// scriptedModel returns its outputs in order and records every window.
type scriptedModel struct {
	mu      sync.Mutex
	outputs []model.Output
	windows [][]float32
}

func (m *scriptedModel) Predict(_ context.Context, window []float32) (model.Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = append(m.windows, append([]float32(nil), window...))
	if len(m.outputs) == 0 {
		return nil, errors.New("script exhausted")
	}
	out := m.outputs[0]
	if len(m.outputs) > 1 {
		m.outputs = m.outputs[1:]
	}
	return out, nil
}

// peaked returns action logits whose softmax gives action the probability
// p, with every other action sharing the rest evenly.
func peaked(t *testing.T, action string, p float64) []float32 {
	t.Helper()
	id, ok := vocab.ActionID(action)
	if !ok {
		t.Fatalf("unknown action %s", action)
	}
	logits := make([]float32, vocab.NumActions)
	rest := float64(vocab.NumActions - 1)
	logits[id] = float32(math.Log(p * rest / (1 - p)))
	return logits
}

func testMeta(hybrid bool) artifact.Meta {
	meta := artifact.DefaultMeta()
	meta.RunID = "run-test"
	meta.EncodingVersion = features.EncodingVersion
	meta.InFeatures = features.Dim
	meta.HybridEnabled = hybrid
	meta.ExplicitIntentSupervision = hybrid
	meta.Enabled = false
	return meta
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Defaults()
	cfg.ModelPath = filepath.Join(t.TempDir(), "models")
	cfg.Seed = 7
	s := NewServer(cfg, opts)
	mux := http.NewServeMux()
	s.Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func postPredict(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/predict", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /predict: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, out
}

func TestPredict_NoModelReturnsFallback(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	if err := s.LoadInitial(); err != nil {
		t.Fatalf("LoadInitial without artifact: %v", err)
	}

	status, out := postPredict(t, ts.URL, `{"state":{"health":20},"agent_id":"bot"}`)
	if status != http.StatusOK {
		t.Fatalf("status=%d want 200", status)
	}
	want := map[string]any{
		"ok":              false,
		"error":           "Model not found at " + s.Config().ModelPath,
		"fallback_action": "EXPLORE",
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("fallback (-want +got):\n%s", diff)
	}

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var h map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h["ok"] != true || h["model_loaded"] != false || h["model_type"] != nil || h["sequence_length"] != nil {
		t.Fatalf("health=%v", h)
	}
	if h["action_selection"] != "sampled" || h["default_temperature"] != 0.8 {
		t.Fatalf("health selection=%v temperature=%v", h["action_selection"], h["default_temperature"])
	}
}

func TestPredict_InertiaKeepsPreviousAction(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	fake := &scriptedModel{outputs: []model.Output{
		model.Hybrid{
			Action:  peaked(t, "BUILD", 0.95),
			Intent:  []float32{-4, -4, 4, -4, -4},
			Control: []float32{0.1, 0, 0, 0.1, 0, 0, 0, 0},
		},
		model.Hybrid{
			Action:  peaked(t, "BREAK", 0.4),
			Intent:  []float32{3, -3, -3, 2, -3},
			Control: []float32{0.5, -0.25, 0, 0.6, 0.1, 0.2, -0.1, 0.9},
		},
	}}
	s.SetPolicy(NewPolicy("mem", testMeta(true), fake))

	status, first := postPredict(t, ts.URL, `{"state":{},"agent_id":"bot","temperature":0}`)
	if status != http.StatusOK || first["action"] != "BUILD" {
		t.Fatalf("first status=%d body=%v", status, first)
	}

	var second protocol.PredictResponse
	resp, err := http.Post(ts.URL+"/predict", "application/json", strings.NewReader(`{"state":{},"agent_id":"bot","temperature":0}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&second); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if second.Action != "BUILD" {
		t.Fatalf("action=%s want BUILD (inertia)", second.Action)
	}
	if math.Abs(second.Confidence-0.4) > 1e-5 {
		t.Fatalf("confidence=%v want 0.4", second.Confidence)
	}
	if diff := cmp.Diff([]string{"MOVE", "DEFENSE"}, second.ActiveIntents); diff != "" {
		t.Fatalf("active intents (-want +got):\n%s", diff)
	}
	if second.ContinuousControl["target_vx"] != 0.5 || second.ContinuousControl["target_jump_prob"] != float64(float32(0.9)) {
		t.Fatalf("control=%v", second.ContinuousControl)
	}
	if diff := cmp.Diff([]string{"BUILD", "MOVE", "DEFENSE"}, second.HybridAction); diff != "" {
		t.Fatalf("hybrid action (-want +got):\n%s", diff)
	}
	if !second.OK || second.AgentID != "bot" || !second.HybridEnabled || second.ActionTemperature != 0 {
		t.Fatalf("response=%+v", second)
	}

	// A low-confidence decision must not advance the remembered action.
	sess := s.Sessions().Acquire("bot")
	last := sess.lastAction
	sess.Unlock()
	if want, _ := vocab.ActionID("BUILD"); last != want {
		t.Fatalf("lastAction=%d want BUILD", last)
	}
}

func TestPredict_LegacyModel(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	fake := &scriptedModel{outputs: []model.Output{model.Legacy{Action: peaked(t, "ATTACK_MOB", 0.9)}}}
	s.SetPolicy(NewPolicy("mem", testMeta(false), fake))

	_, out := postPredict(t, ts.URL, `{"state":{}}`)
	want := map[string]any{
		"ok":                          true,
		"action":                      "ATTACK_MOB",
		"agent_id":                    "default",
		"model_type":                  "mlp",
		"hybrid_enabled":              false,
		"action_temperature":          0.8,
		"explicit_intent_supervision": false,
		"intent_scores":               map[string]any{},
		"active_intents":              []any{},
		"continuous_control":          map[string]any{},
		"hybrid_action":               []any{"ATTACK_MOB"},
	}
	delete(out, "confidence")
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("legacy response (-want +got):\n%s", diff)
	}
}

func TestPredict_BadRequests(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	s, ts := newTestServer(t, Options{Validator: v})
	s.SetPolicy(NewPolicy("mem", testMeta(false), &scriptedModel{outputs: []model.Output{model.Legacy{Action: peaked(t, "IDLE", 0.9)}}}))

	if status, out := postPredict(t, ts.URL, `{"state":`); status != http.StatusBadRequest || out["ok"] != false {
		t.Fatalf("truncated json: status=%d out=%v", status, out)
	}
	if status, _ := postPredict(t, ts.URL, `{"state":[1,2]}`); status != http.StatusBadRequest {
		t.Fatalf("schema violation: status=%d", status)
	}
	// A malformed temperature falls back to the default instead of failing.
	status, out := postPredict(t, ts.URL, `{"state":{},"temperature":"warm"}`)
	if status != http.StatusOK || out["action_temperature"] != 0.8 {
		t.Fatalf("bad temperature: status=%d out=%v", status, out)
	}

	resp, err := http.Get(ts.URL + "/predict")
	if err != nil {
		t.Fatalf("GET /predict: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /predict status=%d", resp.StatusCode)
	}
}

func TestPredictor_SequenceWindowAndTemporalContext(t *testing.T) {
	meta := testMeta(false)
	meta.ModelType = "lstm"
	meta.SequenceLength = 3
	meta.TemporalContextFeatures = true
	meta.InFeatures = features.AugmentedDim

	fake := &scriptedModel{outputs: []model.Output{
		model.Legacy{Action: peaked(t, "BREAK", 0.9)},
		model.Legacy{Action: peaked(t, "BREAK", 0.9)},
	}}
	pol := NewPolicy("mem", meta, fake)
	cfg := Defaults()
	p := NewPredictor(cfg, NewSessionStore(cfg.SessionTTL(), cfg.MaxSessions, cfg.SweepEvery))

	ctx := context.Background()
	req := protocol.PredictRequest{AgentID: "a", State: json.RawMessage(`{"health":10}`), Timestamp: json.RawMessage(`1714564800000`), Temperature: json.RawMessage(`0`)}
	if _, err := p.Predict(ctx, pol, req); err != nil {
		t.Fatalf("first: %v", err)
	}
	req.Timestamp = json.RawMessage(`"2024-05-01T12:00:00.500Z"`)
	d, err := p.Predict(ctx, pol, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if d.Response.Action != "BREAK" || d.InertiaHold {
		t.Fatalf("decision=%+v", d)
	}

	dim := features.AugmentedDim
	first, second := fake.windows[0], fake.windows[1]
	if len(first) != 3*dim || len(second) != 3*dim {
		t.Fatalf("window sizes %d %d want %d", len(first), len(second), 3*dim)
	}
	if diff := cmp.Diff(first[:dim], first[2*dim:]); diff != "" {
		t.Fatalf("first window not padded with the current step:\n%s", diff)
	}
	brk, _ := vocab.ActionID("BREAK")
	onehot := second[2*dim+2*features.Dim:]
	for i, v := range onehot {
		if want := float32(0); i == brk {
			if v != 1 {
				t.Fatalf("previous action one-hot[%d]=%v want 1", i, v)
			}
		} else if v != want {
			t.Fatalf("previous action one-hot[%d]=%v want 0", i, v)
		}
	}
	// The first request had no history: zero one-hot.
	for i, v := range first[2*dim+2*features.Dim:] {
		if v != 0 {
			t.Fatalf("first one-hot[%d]=%v want 0", i, v)
		}
	}
}

func TestPredictor_Temperature(t *testing.T) {
	p := NewPredictor(Defaults(), NewSessionStore(0, 0, 0))
	cases := map[string]float64{
		``:        0.8,
		`0`:       0,
		`0.25`:    0.25,
		`"1.5"`:   1.5,
		`"warm"`:  0.8,
		`true`:    0.8,
		`null`:    0.8,
		`{"t":1}`: 0.8,
	}
	for raw, want := range cases {
		if got := p.resolveTemperature(json.RawMessage(raw)); got != want {
			t.Errorf("temperature %q = %v want %v", raw, got, want)
		}
	}
}

func TestPredictor_SamplingIsSeeded(t *testing.T) {
	meta := testMeta(false)
	logits := make([]float32, vocab.NumActions)
	run := func() []string {
		cfg := Defaults()
		cfg.Seed = 99
		cfg.InertiaThreshold = 0
		p := NewPredictor(cfg, NewSessionStore(cfg.SessionTTL(), cfg.MaxSessions, cfg.SweepEvery))
		pol := NewPolicy("mem", meta, &scriptedModel{outputs: []model.Output{model.Legacy{Action: logits}}})
		var got []string
		for i := 0; i < 20; i++ {
			d, err := p.Predict(context.Background(), pol, protocol.PredictRequest{AgentID: "a", Temperature: json.RawMessage(`1`)})
			if err != nil {
				t.Fatalf("predict: %v", err)
			}
			got = append(got, d.Selected)
		}
		return got
	}
	a, b := run(), run()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("same seed produced different samples:\n%s", diff)
	}
	distinct := map[string]bool{}
	for _, s := range a {
		distinct[s] = true
	}
	if len(distinct) < 2 {
		t.Fatalf("uniform logits sampled a single action: %v", a)
	}
}

func TestServer_LoadsBundleAndRecordsPredictions(t *testing.T) {
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()

	s, ts := newTestServer(t, Options{Index: idx})
	meta := testMeta(true)
	m, err := linear.New(linear.Config{
		InFeatures: meta.InFeatures, Steps: 1, Actions: vocab.NumActions,
		Intents: len(vocab.Intents), ControlDim: features.ControlDim, Hybrid: true, Seed: 1,
	})
	if err != nil {
		t.Fatalf("linear: %v", err)
	}
	if _, err := artifact.Save(s.Config().ModelPath, &artifact.Bundle{Meta: meta, Weights: m.Params()}, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.LoadInitial(); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}

	status, out := postPredict(t, ts.URL, `{"state":{"position":{"x":1,"y":64,"z":2}},"agent_id":"bot-7"}`)
	if status != http.StatusOK || out["ok"] != true {
		t.Fatalf("status=%d out=%v", status, out)
	}
	if got := len(out["intent_scores"].(map[string]any)); got != len(vocab.Intents) {
		t.Fatalf("intent scores=%d", got)
	}
	if got := len(out["continuous_control"].(map[string]any)); got != features.ControlDim {
		t.Fatalf("control=%d", got)
	}

	if err := idx.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`minecraftfriend_model_loaded{run_id="run-test"} 1`,
		"minecraftfriend_predict_requests_total 1",
		"minecraftfriend_sessions 1",
		"# TYPE minecraftfriend_index_queue_depth gauge",
	} {
		if !bytes.Contains(body, []byte(want)) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

// failingModel fails every call after the first ok ones.
type failingModel struct {
	scriptedModel
	ok int
}

func (m *failingModel) Predict(ctx context.Context, window []float32) (model.Output, error) {
	m.mu.Lock()
	calls := len(m.windows)
	m.mu.Unlock()
	if calls >= m.ok {
		m.mu.Lock()
		m.windows = append(m.windows, append([]float32(nil), window...))
		m.mu.Unlock()
		return nil, errors.New("inference backend unavailable")
	}
	return m.scriptedModel.Predict(ctx, window)
}

func TestPredict_ModelErrorLeavesSessionUnchanged(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	meta := testMeta(false)
	meta.ModelType = "lstm"
	meta.SequenceLength = 3
	meta.TemporalContextFeatures = true
	meta.InFeatures = features.AugmentedDim
	fake := &failingModel{ok: 1}
	fake.outputs = []model.Output{model.Legacy{Action: peaked(t, "BREAK", 0.9)}}
	s.SetPolicy(NewPolicy("mem", meta, fake))

	if status, out := postPredict(t, ts.URL, `{"state":{"health":20},"agent_id":"a","timestamp":1000,"temperature":0}`); status != http.StatusOK {
		t.Fatalf("first status=%d body=%v", status, out)
	}
	snapshot := func() ([][]float32, []float32, int, float64) {
		sess := s.Sessions().Acquire("a")
		defer sess.Unlock()
		buf := make([][]float32, len(sess.buffer))
		for i, step := range sess.buffer {
			buf[i] = append([]float32(nil), step...)
		}
		return buf, append([]float32(nil), sess.lastBase...), sess.lastAction, sess.lastTimestamp
	}
	buf, base, last, ts0 := snapshot()

	resp, err := http.Post(ts.URL+"/predict", "application/json",
		strings.NewReader(`{"state":{"health":5},"agent_id":"a","timestamp":2000,"temperature":0}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("failing model status=%d want 500", resp.StatusCode)
	}

	buf2, base2, last2, ts2 := snapshot()
	if diff := cmp.Diff(buf, buf2); diff != "" {
		t.Fatalf("buffer advanced on a failed request (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(base, base2); diff != "" {
		t.Fatalf("lastBase changed (-before +after):\n%s", diff)
	}
	if last != last2 || ts0 != ts2 {
		t.Fatalf("lastAction %d->%d lastTimestamp %v->%v", last, last2, ts0, ts2)
	}
}
