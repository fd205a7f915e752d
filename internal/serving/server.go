// Package serving runs trained policies online: per-agent sessions, the
// prediction state machine and the HTTP surface around it.
package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"minecraftfriend.ai/internal/persistence/indexdb"
	persistlog "minecraftfriend.ai/internal/persistence/log"
	"minecraftfriend.ai/internal/persistence/r2s3"
	"minecraftfriend.ai/internal/protocol"
)

// Options wires optional collaborators into a Server. Nil fields are
// skipped.
type Options struct {
	Logger        *log.Logger
	Validator     *protocol.Validator
	PredictionLog *persistlog.PredictionLogger
	Index         indexdb.Index
	Mirror        *r2s3.Mirror
}

type Server struct {
	cfg       Config
	opts      Options
	predictor *Predictor
	policy    atomic.Pointer[Policy]
	extra     []func(io.Writer)

	requests      atomic.Uint64
	fallbacks     atomic.Uint64
	badRequests   atomic.Uint64
	failures      atomic.Uint64
	inertiaHolds  atomic.Uint64
	reloads       atomic.Uint64
	reloadFails   atomic.Uint64
	logWriteFails atomic.Uint64
	latencyMicros atomic.Uint64
}

func NewServer(cfg Config, opts Options) *Server {
	cfg.Normalize()
	return &Server{
		cfg:       cfg,
		opts:      opts,
		predictor: NewPredictor(cfg, NewSessionStore(cfg.SessionTTL(), cfg.MaxSessions, cfg.SweepEvery)),
	}
}

func (s *Server) Config() Config          { return s.cfg }
func (s *Server) Predictor() *Predictor   { return s.predictor }
func (s *Server) Policy() *Policy         { return s.policy.Load() }
func (s *Server) Sessions() *SessionStore { return s.predictor.sessions }

// AppendMetrics adds fn to the /metrics page. Call it before serving.
func (s *Server) AppendMetrics(fn func(io.Writer)) {
	s.extra = append(s.extra, fn)
}

// SetPolicy swaps in p (nil unloads). Sessions are dropped when the model
// changes, since their buffers were built for the old one.
func (s *Server) SetPolicy(p *Policy) {
	old := s.policy.Swap(p)
	if old == nil || old == p {
		return
	}
	s.predictor.sessions.Reset()
	// In-flight requests may still hold the old policy.
	time.AfterFunc(5*time.Second, func() { _ = old.Close() })
}

// Reload loads the configured artifact. On failure the current policy, if
// any, keeps serving.
func (s *Server) Reload() error {
	p, err := LoadPolicy(s.cfg.ModelPath, s.cfg.RemoteModelAddr)
	if err != nil {
		s.reloadFails.Add(1)
		return err
	}
	s.SetPolicy(p)
	s.reloads.Add(1)
	s.printf("model loaded path=%s run_id=%s model_type=%s sequence_length=%d hybrid=%v temporal=%v in_features=%d",
		p.Path, p.Meta.RunID, p.Meta.ModelType, p.Meta.SequenceLength, p.Meta.HybridEnabled, p.Meta.TemporalContextFeatures, p.Meta.InFeatures)
	return nil
}

// LoadInitial loads the artifact at startup. A missing artifact is not an
// error: the server runs degraded until one is deployed.
func (s *Server) LoadInitial() error {
	err := s.Reload()
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		s.printf("model not found at %s; serving fallback action %s", s.cfg.ModelPath, FallbackAction)
		return nil
	}
	return err
}

// Fallback is the ok:false answer given while no model is loaded.
func (s *Server) Fallback() protocol.FallbackResponse {
	return protocol.FallbackResponse{
		OK:             false,
		Error:          "Model not found at " + s.cfg.ModelPath,
		FallbackAction: FallbackAction,
	}
}

// Handle serves one request and records it. ErrNoPolicy means the caller
// should answer with Fallback.
func (s *Server) Handle(ctx context.Context, req protocol.PredictRequest) (Decision, error) {
	s.requests.Add(1)
	pol := s.policy.Load()
	if pol == nil {
		s.fallbacks.Add(1)
		return Decision{}, ErrNoPolicy
	}
	d, err := s.predictor.Predict(ctx, pol, req)
	if err != nil {
		if !IsBadRequest(err) {
			s.failures.Add(1)
		}
		return d, err
	}
	if d.InertiaHold {
		s.inertiaHolds.Add(1)
	}
	s.latencyMicros.Add(uint64(d.Latency.Microseconds()))
	s.record(d)
	return d, nil
}

func (s *Server) record(d Decision) {
	now := time.Now().UTC()
	r := d.Response
	if s.opts.PredictionLog != nil {
		err := s.opts.PredictionLog.WritePrediction(persistlog.PredictionEntry{
			Time:          now,
			AgentID:       r.AgentID,
			RunID:         d.RunID,
			Action:        r.Action,
			Selected:      d.Selected,
			Confidence:    r.Confidence,
			Temperature:   r.ActionTemperature,
			InertiaHold:   d.InertiaHold,
			ActiveIntents: r.ActiveIntents,
			Control:       r.ContinuousControl,
			LatencyMicros: d.Latency.Microseconds(),
		})
		if err != nil && s.logWriteFails.Add(1) == 1 {
			s.printf("prediction log write failed: %v", err)
		}
	}
	if s.opts.Index != nil {
		s.opts.Index.RecordPrediction(indexdb.Prediction{
			Time:          now,
			AgentID:       r.AgentID,
			RunID:         d.RunID,
			Action:        r.Action,
			Selected:      d.Selected,
			Confidence:    r.Confidence,
			Temperature:   r.ActionTemperature,
			InertiaHold:   d.InertiaHold,
			LatencyMicros: d.Latency.Microseconds(),
		})
	}
}

// Routes registers /health, /predict and /metrics on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/metrics", s.handleMetrics)
}

func (s *Server) Health() protocol.HealthResponse {
	h := protocol.HealthResponse{
		OK:                 true,
		ModelPath:          s.cfg.ModelPath,
		ActionSelection:    s.cfg.ActionSelection(),
		DefaultTemperature: s.cfg.DefaultTemperature,
	}
	if p := s.policy.Load(); p != nil {
		modelType, seqLen, hybrid := p.Meta.ModelType, p.Meta.SequenceLength, p.Meta.HybridEnabled
		h.ModelLoaded = true
		h.ModelPath = p.Path
		h.ModelType = &modelType
		h.SequenceLength = &seqLen
		h.HybridEnabled = &hybrid
		h.RunID = p.Meta.RunID
		h.EncodingVersion = p.Meta.EncodingVersion
	}
	return h
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(rw, http.StatusOK, s.Health())
}

func (s *Server) handlePredict(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.badRequest(rw, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", s.cfg.MaxBodyBytes))
			return
		}
		s.badRequest(rw, http.StatusBadRequest, err)
		return
	}
	if s.opts.Validator != nil {
		if err := s.opts.Validator.Validate(protocol.SchemaPredictRequest, body); err != nil {
			s.badRequest(rw, http.StatusBadRequest, err)
			return
		}
	}
	var req protocol.PredictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.badRequest(rw, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	d, err := s.Handle(r.Context(), req)
	switch {
	case errors.Is(err, ErrNoPolicy):
		writeJSON(rw, http.StatusOK, s.Fallback())
	case IsBadRequest(err):
		s.badRequest(rw, http.StatusBadRequest, err)
	case err != nil:
		s.printf("predict agent_id=%q failed: %v", req.AgentID, err)
		writeJSON(rw, http.StatusInternalServerError, protocol.FallbackResponse{
			OK:             false,
			Error:          err.Error(),
			FallbackAction: FallbackAction,
		})
	default:
		writeJSON(rw, http.StatusOK, d.Response)
	}
}

func (s *Server) badRequest(rw http.ResponseWriter, status int, err error) {
	s.badRequests.Add(1)
	writeJSON(rw, status, protocol.FallbackResponse{OK: false, Error: err.Error(), FallbackAction: FallbackAction})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *Server) printf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}
