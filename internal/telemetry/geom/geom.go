package geom

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const Tau = 2 * math.Pi

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func Distance(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// HorizontalDistance ignores the vertical axis.
func HorizontalDistance(a, b Point) float64 {
	a.Y, b.Y = 0, 0
	return Distance(a, b)
}

// AngleDelta returns the smallest separation of two angles in [0, π].
func AngleDelta(a, b float64) float64 {
	d := reduceAngle(math.Abs(a - b))
	return math.Min(d, Tau-d)
}

// AngleWrap folds a signed delta into [-π, π], keeping its sign at the
// half-turn boundary. Non-finite deltas wrap to 0.
func AngleWrap(d float64) float64 {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	neg := d < 0
	if d = reduceAngle(d); d > math.Pi || (neg && d == math.Pi) {
		d -= Tau
	}
	return d
}

// reduceAngle maps an angle into [0, 2π).
func reduceAngle(a float64) float64 {
	r := math.Mod(a, Tau)
	if r < 0 {
		r += Tau
	}
	if r >= Tau {
		r = 0
	}
	return r
}

func Clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SafeFloat coerces a decoded JSON value to float64, returning def when it
// is missing, not numeric or not finite.
func SafeFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case nil:
		return def
	case float64:
		if !Finite(x) {
			return def
		}
		return x
	case float32:
		if !Finite(float64(x)) {
			return def
		}
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		if f, ok := parseFloatText(string(x)); ok {
			return f
		}
		return def
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		if f, ok := parseFloatText(x); ok {
			return f
		}
		return def
	}
	return def
}

func parseFloatText(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 64)
	if err != nil || !Finite(f) {
		return 0, false
	}
	return f, true
}

var isoLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseISO parses ISO-8601 text. Naive timestamps are taken as UTC.
func ParseISO(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseTimestampMillis returns epoch milliseconds for an ISO-8601 string or 0.
func ParseTimestampMillis(text string) int64 {
	t, ok := ParseISO(text)
	if !ok {
		return 0
	}
	return t.UnixMilli()
}

// TimestampSeconds accepts epoch seconds, epoch milliseconds (> 1e10),
// numeric strings and ISO-8601 strings. Anything else yields 0.
func TimestampSeconds(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		text := strings.TrimSpace(x)
		if text == "" {
			return 0
		}
		if f, ok := parseFloatText(text); ok {
			return epochSeconds(f)
		}
		t, ok := ParseISO(text)
		if !ok {
			return 0
		}
		return float64(t.UnixNano()) / 1e9
	case bool:
		return 0
	}
	return epochSeconds(SafeFloat(v, 0))
}

func epochSeconds(ts float64) float64 {
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return 0
	}
	if ts > 1e10 {
		return ts / 1000
	}
	return ts
}

func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
