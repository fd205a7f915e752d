// Package cleaning implements the single-pass dedup filter that turns raw
// telemetry JSONL into a cleaned training stream.
package cleaning

import (
	"encoding/json"
	"math"
	"strings"

	"minecraftfriend.ai/internal/telemetry/geom"
	"minecraftfriend.ai/internal/telemetry/state"
)

// Reason names the rule that rejected a record. The empty Reason means kept.
type Reason string

const (
	Kept                Reason = ""
	SkipParseError      Reason = "skipped_parse_error"
	SkipNonObserver     Reason = "skipped_non_observer"
	SkipMixedState      Reason = "skipped_mixed_state"
	SkipFallbackSource  Reason = "skipped_fallback_source"
	SkipStateOnlySource Reason = "skipped_state_only_source"
	SkipUnsuccessful    Reason = "skipped_unsuccessful"
	SkipIdle            Reason = "skipped_idle"
	SkipDownsample      Reason = "skipped_downsample"
	SkipNoStateChange   Reason = "skipped_no_state_change"
)

// Stats counts the outcome of every record in a run. A parse failure is not
// counted in Total.
type Stats struct {
	Total                  int64 `json:"total"`
	Kept                   int64 `json:"kept"`
	SkippedNonObserver     int64 `json:"skipped_non_observer"`
	SkippedMixedState      int64 `json:"skipped_mixed_state"`
	SkippedDownsample      int64 `json:"skipped_downsample"`
	SkippedParseError      int64 `json:"skipped_parse_error"`
	SkippedUnsuccessful    int64 `json:"skipped_unsuccessful"`
	SkippedFallbackSource  int64 `json:"skipped_fallback_source"`
	SkippedStateOnlySource int64 `json:"skipped_state_only_source"`
	SkippedIdle            int64 `json:"skipped_idle"`
	SkippedNoStateChange   int64 `json:"skipped_no_state_change"`
}

func (s *Stats) add(r Reason) {
	switch r {
	case Kept:
		s.Kept++
	case SkipParseError:
		s.SkippedParseError++
	case SkipNonObserver:
		s.SkippedNonObserver++
	case SkipMixedState:
		s.SkippedMixedState++
	case SkipFallbackSource:
		s.SkippedFallbackSource++
	case SkipStateOnlySource:
		s.SkippedStateOnlySource++
	case SkipUnsuccessful:
		s.SkippedUnsuccessful++
	case SkipIdle:
		s.SkippedIdle++
	case SkipDownsample:
		s.SkippedDownsample++
	case SkipNoStateChange:
		s.SkippedNoStateChange++
	}
}

// Counters returns the per-reason counts keyed by their wire names.
func (s Stats) Counters() map[string]int64 {
	return map[string]int64{
		string(SkipNonObserver):     s.SkippedNonObserver,
		string(SkipMixedState):      s.SkippedMixedState,
		string(SkipDownsample):      s.SkippedDownsample,
		string(SkipParseError):      s.SkippedParseError,
		string(SkipUnsuccessful):    s.SkippedUnsuccessful,
		string(SkipFallbackSource):  s.SkippedFallbackSource,
		string(SkipStateOnlySource): s.SkippedStateOnlySource,
		string(SkipIdle):            s.SkippedIdle,
		string(SkipNoStateChange):   s.SkippedNoStateChange,
	}
}

var observerRemap = map[string]string{
	"OBSERVER_IDLE":   "IDLE",
	"OBSERVER_LOOK":   "EXPLORE",
	"OBSERVER_MOVE":   "EXPLORE",
	"OBSERVER_SPRINT": "EXPLORE",
	"OBSERVER_JUMP":   "EXPLORE",
}

var (
	coarseLabels = map[string]bool{"IDLE": true, "EXPLORE": true, "OBSERVER_IDLE": true, "OBSERVER_LOOK": true}
	moveLabels   = map[string]bool{"EXPLORE": true, "OBSERVER_MOVE": true, "OBSERVER_SPRINT": true}
)

// Row is one kept record as written to the cleaned stream.
type Row struct {
	Timestamp string      `json:"timestamp"`
	State     state.Clean `json:"state"`
	Action    RowAction   `json:"action"`
}

type RowAction struct {
	Label    string          `json:"label"`
	Success  json.RawMessage `json:"success"`
	Source   json.RawMessage `json:"source"`
	Metadata json.RawMessage `json:"metadata"`
}

// cursor holds the attributes of the last kept record.
type cursor struct {
	kept     bool
	ts       int64
	label    string
	rawLabel string
	pos      geom.Point
	vel      geom.Point
	yaw      float64
	pitch    float64
	onGround bool
	inAir    bool
	state    *state.Clean
}

// Filter is the stateful dedup cascade. It is not safe for concurrent use.
type Filter struct {
	cfg   Config
	stats Stats
	last  cursor
}

func NewFilter(cfg Config) *Filter {
	cfg.Normalize()
	return &Filter{cfg: cfg}
}

func (f *Filter) Stats() Stats { return f.stats }

// Process runs one input line through the cascade. The returned row is
// non-nil exactly when the reason is Kept.
func (f *Filter) Process(line []byte) (*Row, Reason) {
	var rec state.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		f.stats.add(SkipParseError)
		return nil, SkipParseError
	}
	f.stats.Total++
	row, reason := f.decide(&rec)
	f.stats.add(reason)
	return row, reason
}

func (f *Filter) decide(rec *state.Record) (*Row, Reason) {
	cfg := &f.cfg
	raw := &rec.State
	source := rec.Action.SourceName()

	if cfg.ObserverOnly {
		if source != "observer-mode" {
			return nil, SkipNonObserver
		}
		if !raw.Observer.Present || !raw.Observer.Position.Present {
			return nil, SkipMixedState
		}
		if geom.Distance(raw.Position.Point(), raw.Observer.Position.Point()) > cfg.MaxStateObserverDelta {
			return nil, SkipMixedState
		}
	}

	timestamp := rec.TimestampText()
	ts := geom.ParseTimestampMillis(timestamp)
	rawLabel := rec.Action.RawLabel()
	label := rawLabel
	if cfg.RemapObserverActions {
		if mapped, ok := observerRemap[rawLabel]; ok {
			label = mapped
		}
	}

	switch {
	case cfg.DropFallbackSources && strings.HasPrefix(source, "fallback"):
		return nil, SkipFallbackSource
	case cfg.DropStateOnlySources && source == "state-only":
		return nil, SkipStateOnlySource
	case cfg.OnlySuccessfulActions && !rec.Action.Succeeded():
		return nil, SkipUnsuccessful
	case cfg.DropIdleActions && label == "IDLE":
		return nil, SkipIdle
	}

	gap := cfg.MinSampleMS
	if rawLabel == "OBSERVER_IDLE" {
		gap = cfg.MinIdleSampleMS
	}
	if f.last.ts > 0 && ts > 0 && ts-f.last.ts < gap {
		return nil, SkipDownsample
	}

	cleaned := state.CleanState(raw, state.CleanOptions{
		RemoveChat:           cfg.RemoveChat,
		DropAbsolutePosition: cfg.DropAbsolutePosition,
	})
	if cfg.StateChangeOnly && !state.MeaningfulChange(&cleaned, f.last.state,
		cfg.MinStateChangePos, cfg.MinStateChangeVel, cfg.MinStateChangeYawPitch) {
		return nil, SkipNoStateChange
	}

	pos := raw.Position.Point()
	vel := cleaned.Velocity.Point()
	if f.last.kept && f.isNearDuplicate(rawLabel, label, pos, vel, &cleaned) {
		return nil, SkipDownsample
	}

	row := &Row{
		Timestamp: timestamp,
		State:     cleaned,
		Action: RowAction{
			Label:    label,
			Success:  rec.Action.Success,
			Source:   rec.Action.Source,
			Metadata: rec.Action.Metadata,
		},
	}
	if source != "" {
		row.Action.Source, _ = json.Marshal(source)
	}
	if !geom.Truthy(row.Action.Metadata) {
		row.Action.Metadata = json.RawMessage("{}")
	}

	if ts > 0 {
		f.last.ts = ts
	}
	f.last.kept = true
	f.last.label = label
	f.last.rawLabel = rawLabel
	f.last.pos = pos
	f.last.vel = vel
	f.last.yaw = cleaned.Yaw
	f.last.pitch = cleaned.Pitch
	f.last.onGround = cleaned.OnGround
	f.last.inAir = cleaned.InAir
	f.last.state = &row.State
	return row, Kept
}

// isNearDuplicate applies the motion heuristics against the last kept record.
func (f *Filter) isNearDuplicate(rawLabel, label string, pos, vel geom.Point, c *state.Clean) bool {
	last := &f.last
	posDelta := geom.Distance(pos, last.pos)
	hDelta := geom.HorizontalDistance(pos, last.pos)
	velDelta := geom.Distance(vel, last.vel)
	yawDelta := geom.AngleDelta(c.Yaw, last.yaw)
	pitchDelta := geom.AngleDelta(c.Pitch, last.pitch)
	flagsSame := c.OnGround == last.onGround && c.InAir == last.inAir

	if rawLabel == "OBSERVER_IDLE" && last.rawLabel == rawLabel && posDelta < 0.12 {
		return true
	}
	if last.label != label {
		return moveLabels[label] && f.movedTooLittle(hDelta, velDelta, yawDelta)
	}
	if velDelta < 0.035 && posDelta < 0.08 && yawDelta < 0.03 && pitchDelta < 0.02 && flagsSame {
		return true
	}
	if coarseLabels[label] && hDelta < 0.16 && velDelta < 0.06 && yawDelta < 0.06 && pitchDelta < 0.04 && flagsSame {
		return true
	}
	return moveLabels[label] && f.movedTooLittle(hDelta, velDelta, yawDelta)
}

func (f *Filter) movedTooLittle(hDelta, velDelta, yawDelta float64) bool {
	return hDelta < math.Max(0.1, f.cfg.MinMoveDistance) && velDelta < 0.18 && yawDelta < 0.25
}
