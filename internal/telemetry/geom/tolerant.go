package geom

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Tolerant JSON scalars. Telemetry producers emit numbers as strings, nulls and
// the odd nested object where a scalar belongs; none of that may fail a decode.

// Num is a numeric field. Present reports that the key existed (even as null),
// OK that it held a finite number.
type Num struct {
	V       float64
	Present bool
	OK      bool
}

func N(v float64) Num { return Num{V: v, Present: true, OK: true} }

func (n *Num) UnmarshalJSON(b []byte) error {
	*n = Num{Present: true}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case 'n':
		return nil
	case 't':
		n.V, n.OK = 1, true
	case 'f':
		n.V, n.OK = 0, true
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		n.V, n.OK = parseFloatText(s)
	case '{', '[':
		return nil
	default:
		n.V, n.OK = parseFloatText(string(b))
	}
	return nil
}

func (n Num) MarshalJSON() ([]byte, error) {
	if !n.OK {
		return []byte("null"), nil
	}
	return json.Marshal(n.V)
}

// Or returns the value, or def when missing or not numeric.
func (n Num) Or(def float64) float64 {
	if n.OK {
		return n.V
	}
	return def
}

// Flag is a truthy field: non-zero numbers, non-empty strings and non-empty
// containers are true.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	*f = Flag(Truthy(b))
	return nil
}

// Truthy reports whether a raw JSON value is set: false, null, 0, "" and
// empty arrays or objects are not.
func Truthy(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return false
	}
	switch b[0] {
	case 'n', 'f':
		return false
	case 't':
		return true
	case '"':
		return len(b) > 2
	case '{', '[':
		inner := bytes.TrimSpace(b[1 : len(b)-1])
		return len(inner) > 0
	}
	v, err := strconv.ParseFloat(string(b), 64)
	return err != nil || v != 0
}

// Text is a string-ish field. Numbers and booleans keep their textual form.
type Text struct {
	S      string
	Set    bool
	Truthy bool
}

func T(s string) Text { return Text{S: s, Set: true, Truthy: s != ""} }

func (t *Text) UnmarshalJSON(b []byte) error {
	*t = Text{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == 'n' {
		return nil
	}
	t.Set = true
	t.Truthy = Truthy(b)
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			t.S = s
		}
	case 't':
		t.S = "True"
	case 'f':
		t.S = "False"
	default:
		t.S = string(b)
	}
	return nil
}

func (t Text) MarshalJSON() ([]byte, error) {
	if !t.Set {
		return []byte("null"), nil
	}
	return json.Marshal(t.S)
}

// Or returns the raw text, or def when the value is falsy.
func (t Text) Or(def string) string {
	if !t.Truthy {
		return def
	}
	return t.S
}

// Str returns the trimmed text, or def when the value is null or missing.
func (t Text) Str(def string) string {
	if !t.Set {
		return def
	}
	return strings.TrimSpace(t.S)
}

// Vec3 is an {x,y,z} object. Present is false for missing, empty or
// non-object values.
type Vec3 struct {
	X, Y, Z Num
	Present bool
}

func (v *Vec3) UnmarshalJSON(b []byte) error {
	*v = Vec3{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	v.Present = len(m) > 0
	if raw, ok := m["x"]; ok {
		_ = v.X.UnmarshalJSON(raw)
	}
	if raw, ok := m["y"]; ok {
		_ = v.Y.UnmarshalJSON(raw)
	}
	if raw, ok := m["z"]; ok {
		_ = v.Z.UnmarshalJSON(raw)
	}
	return nil
}

func (v Vec3) Point() Point {
	return Point{X: v.X.Or(0), Y: v.Y.Or(0), Z: v.Z.Or(0)}
}

func V3(x, y, z float64) Vec3 {
	return Vec3{X: N(x), Y: N(y), Z: N(z), Present: true}
}
