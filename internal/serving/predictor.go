package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/model"
	"minecraftfriend.ai/internal/protocol"
	"minecraftfriend.ai/internal/telemetry/geom"
	"minecraftfriend.ai/internal/telemetry/state"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

const DefaultAgentID = "default"

var (
	ErrNoPolicy   = errors.New("serving: no model loaded")
	ErrBadRequest = errors.New("serving: bad request")
)

// IsBadRequest reports whether err was caused by the request rather than
// the model.
func IsBadRequest(err error) bool { return errors.Is(err, ErrBadRequest) }

// Decision is a served response plus what the logs need to know about it.
type Decision struct {
	Response    protocol.PredictResponse
	RunID       string
	Selected    string
	InertiaHold bool
	Latency     time.Duration
}

// Predictor turns raw states into decisions, keeping per-agent history in
// its SessionStore.
type Predictor struct {
	cfg      Config
	sessions *SessionStore
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewPredictor(cfg Config, sessions *SessionStore) *Predictor {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Predictor{
		cfg:      cfg,
		sessions: sessions,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (p *Predictor) Sessions() *SessionStore { return p.sessions }

// Predict runs one request for one agent against pol.
func (p *Predictor) Predict(ctx context.Context, pol *Policy, req protocol.PredictRequest) (Decision, error) {
	if pol == nil {
		return Decision{}, ErrNoPolicy
	}
	start := p.now()

	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = DefaultAgentID
	}
	ts := requestTimestamp(req.Timestamp, start)
	temperature := p.resolveTemperature(req.Temperature)

	sess := p.sessions.Acquire(agentID)
	defer sess.Unlock()
	p.sessions.MaybeSweep()

	var raw state.Raw
	if len(req.State) > 0 {
		if err := json.Unmarshal(req.State, &raw); err != nil {
			return Decision{}, fmt.Errorf("%w: state: %v", ErrBadRequest, err)
		}
	}
	meta := pol.Meta
	base := features.Encode(&raw, sess.deltaTime(ts))
	var x []float32
	if meta.TemporalContextFeatures {
		x = features.Augment(base, sess.lastBase, sess.lastAction)
	} else {
		x = append([]float32(nil), base...)
	}
	if meta.InFeatures > 0 && len(x) != meta.InFeatures {
		return Decision{}, fmt.Errorf("model expects %d features, encoder produced %d", meta.InFeatures, len(x))
	}
	if err := pol.Transform.Apply(x); err != nil {
		return Decision{}, err
	}

	window := x
	var steps [][]float32
	if meta.Sequential() {
		steps = sess.next(x, pol.Steps())
		window = make([]float32, 0, len(steps)*len(x))
		for _, s := range steps {
			window = append(window, s...)
		}
	}

	// The session only advances once the model has answered.
	out, err := pol.Model.Predict(ctx, window)
	if err != nil {
		return Decision{}, err
	}
	logits := out.ActionLogits()
	if len(logits) == 0 {
		return Decision{}, fmt.Errorf("model returned no action logits")
	}
	if steps != nil {
		sess.buffer = steps
	}

	probs := model.Softmax(logits, 1)
	id := argmax64(probs)
	if temperature > MinTemperature {
		id = p.sample(model.Softmax(logits, temperature))
	}
	confidence := probs[id]
	selected := vocab.ActionName(id)

	action := selected
	hold := false
	if sess.lastAction != features.NoAction && confidence < p.cfg.InertiaThreshold {
		action = vocab.ActionName(sess.lastAction)
		hold = true
	} else {
		sess.lastAction = id
	}

	resp := protocol.PredictResponse{
		OK:                        true,
		Action:                    action,
		Confidence:                confidence,
		AgentID:                   agentID,
		ModelType:                 meta.ModelType,
		HybridEnabled:             meta.HybridEnabled,
		ActionTemperature:         temperature,
		ExplicitIntentSupervision: meta.ExplicitIntentSupervision,
		IntentScores:              map[string]float64{},
		ActiveIntents:             []string{},
		ContinuousControl:         map[string]float64{},
	}
	if h, ok := out.(model.Hybrid); ok && meta.HybridEnabled {
		p.decodeHeads(&resp, h, meta.IntentVocab, meta.ControlKeys)
	}
	resp.HybridAction = hybridAction(action, resp.ActiveIntents)

	sess.lastBase = base
	sess.lastTimestamp = ts
	sess.hasTimestamp = true

	return Decision{
		Response:    resp,
		RunID:       meta.RunID,
		Selected:    selected,
		InertiaHold: hold,
		Latency:     p.now().Sub(start),
	}, nil
}

func (p *Predictor) decodeHeads(resp *protocol.PredictResponse, h model.Hybrid, intents, controls []string) {
	for i, name := range intents {
		if i >= len(h.Intent) {
			break
		}
		score := model.Sigmoid(float64(h.Intent[i]))
		resp.IntentScores[name] = score
		if score >= p.cfg.IntentThreshold {
			resp.ActiveIntents = append(resp.ActiveIntents, name)
		}
	}
	for i, key := range controls {
		if i >= len(h.Control) {
			break
		}
		resp.ContinuousControl[key] = float64(h.Control[i])
	}
}

// hybridAction is the action followed by each distinct active intent.
func hybridAction(action string, active []string) []string {
	out := []string{action}
	seen := map[string]bool{action: true}
	for _, name := range active {
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// resolveTemperature falls back to the default for a missing, malformed or
// non-finite value.
func (p *Predictor) resolveTemperature(raw json.RawMessage) float64 {
	def := p.cfg.DefaultTemperature
	if len(raw) == 0 {
		return def
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	if _, ok := v.(bool); ok {
		return def
	}
	t := geom.SafeFloat(v, math.NaN())
	if !finite(t) {
		return def
	}
	return t
}

// requestTimestamp reads the request timestamp in seconds, or the wall
// clock when it is absent or unparseable.
func requestTimestamp(raw json.RawMessage, now time.Time) float64 {
	if len(raw) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			if ts := geom.TimestampSeconds(v); ts > 0 {
				return ts
			}
		}
	}
	return float64(now.UnixNano()) / 1e9
}

func (p *Predictor) sample(probs []float64) int {
	p.rngMu.Lock()
	r := p.rng.Float64()
	p.rngMu.Unlock()
	acc := 0.0
	for i, v := range probs {
		acc += v
		if r < acc {
			return i
		}
	}
	return len(probs) - 1
}

func argmax64(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
