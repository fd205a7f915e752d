// Package state decodes raw telemetry records and reduces them to the
// canonical cleaned schema.
//
// Decoding never fails on malformed fields: every leaf is a tolerant type
// from package geom, and objects of the wrong JSON kind decode as empty.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"minecraftfriend.ai/internal/telemetry/geom"
)

var ErrNotObject = errors.New("record is not a JSON object")

// Record is one raw JSONL row.
type Record struct {
	Timestamp json.RawMessage `json:"timestamp"`
	State     Raw             `json:"state"`
	Action    Action          `json:"action"`
}

func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	if !isObject(b) {
		return ErrNotObject
	}
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Record(p)
	return nil
}

// TimestampText is the row timestamp as trimmed text, "" when falsy.
func (r *Record) TimestampText() string {
	if !geom.Truthy(r.Timestamp) {
		return ""
	}
	var t geom.Text
	_ = t.UnmarshalJSON(r.Timestamp)
	return strings.TrimSpace(t.S)
}

// TimestampSeconds prefers the row timestamp when the key exists and falls
// back to state.timestamp otherwise.
func (r *Record) TimestampSeconds() float64 {
	raw := r.Timestamp
	if len(raw) == 0 {
		raw = r.State.Timestamp
	}
	return geom.TimestampSeconds(decodeAny(raw))
}

type Action struct {
	Label    geom.Text       `json:"label"`
	Success  json.RawMessage `json:"success"`
	Source   json.RawMessage `json:"source"`
	Metadata json.RawMessage `json:"metadata"`
}

func (a *Action) UnmarshalJSON(b []byte) error {
	type plain Action
	var p plain
	decodeObject(b, &p)
	*a = Action(p)
	return nil
}

// RawLabel is the uppercased, trimmed label, IDLE when absent.
func (a Action) RawLabel() string {
	return strings.ToUpper(strings.TrimSpace(a.Label.Or("IDLE")))
}

// SourceName is the lowercased, trimmed source.
func (a Action) SourceName() string {
	if !geom.Truthy(a.Source) {
		return ""
	}
	var t geom.Text
	_ = t.UnmarshalJSON(a.Source)
	return strings.ToLower(strings.TrimSpace(t.S))
}

// Succeeded is true only for a literal JSON true.
func (a Action) Succeeded() bool {
	return bytes.Equal(bytes.TrimSpace(a.Success), []byte("true"))
}

type Velocity struct {
	VX geom.Num `json:"vx"`
	VY geom.Num `json:"vy"`
	VZ geom.Num `json:"vz"`
}

func (v *Velocity) UnmarshalJSON(b []byte) error {
	type plain Velocity
	var p plain
	decodeObject(b, &p)
	*v = Velocity(p)
	return nil
}

func (v Velocity) Point() geom.Point {
	return geom.Point{X: v.VX.Or(0), Y: v.VY.Or(0), Z: v.VZ.Or(0)}
}

type HeldItem struct {
	Name geom.Text `json:"name"`
	Type geom.Num  `json:"type"`
}

func (h *HeldItem) UnmarshalJSON(b []byte) error {
	type plain HeldItem
	var p plain
	decodeObject(b, &p)
	*h = HeldItem(p)
	return nil
}

// Observer is the human operator's own pose in observer-mode telemetry.
type Observer struct {
	Present  bool      `json:"-"`
	Username geom.Text `json:"username"`
	Distance geom.Num  `json:"distance"`
	Position geom.Vec3 `json:"position"`
	Velocity Velocity  `json:"velocity"`
	Yaw      geom.Num  `json:"yaw"`
	Pitch    geom.Num  `json:"pitch"`
	OnGround geom.Flag `json:"onGround"`
}

func (o *Observer) UnmarshalJSON(b []byte) error {
	type plain Observer
	var p plain
	decodeObject(b, &p)
	p.Present = geom.Truthy(b) && isObject(b)
	*o = Observer(p)
	return nil
}

// Raw is the nested state object of a telemetry row.
type Raw struct {
	Position           geom.Vec3       `json:"position"`
	Velocity           Velocity        `json:"velocity"`
	Yaw                geom.Num        `json:"yaw"`
	Pitch              geom.Num        `json:"pitch"`
	OnGround           geom.Flag       `json:"onGround"`
	InAir              geom.Flag       `json:"inAir"`
	Health             geom.Num        `json:"health"`
	Hunger             geom.Num        `json:"hunger"`
	SelectedHotbarSlot geom.Num        `json:"selectedHotbarSlot"`
	HeldItem           HeldItem        `json:"heldItem"`
	BlockBelow         geom.Text       `json:"blockBelow"`
	BlockFront         geom.Text       `json:"blockFront"`
	NearbyBlocks       RawList         `json:"nearbyBlocks"`
	NearbyBlocksStats  json.RawMessage `json:"nearbyBlocksStats"`
	NearbyEntities     RawList         `json:"nearbyEntities"`
	Inventory          RawList         `json:"inventory"`
	Observer           Observer        `json:"observer"`
	LastChatMessages   RawList         `json:"lastChatMessages"`
	Timestamp          json.RawMessage `json:"timestamp"`
}

func (s *Raw) UnmarshalJSON(b []byte) error {
	type plain Raw
	var p plain
	decodeObject(b, &p)
	*s = Raw(p)
	return nil
}

// ResolvedYaw returns the top-level yaw, or the observer's when it is zero.
func (s *Raw) ResolvedYaw() float64 {
	yaw := s.Yaw.Or(0)
	if yaw == 0 && s.Observer.Present {
		yaw = s.Observer.Yaw.Or(0)
	}
	return yaw
}

// ResolvedPitch returns the top-level pitch, or the observer's when it is zero.
func (s *Raw) ResolvedPitch() float64 {
	pitch := s.Pitch.Or(0)
	if pitch == 0 && s.Observer.Present {
		pitch = s.Observer.Pitch.Or(0)
	}
	return pitch
}

// PlayerPosition is the agent position, else the observer position.
func (s *Raw) PlayerPosition() (geom.Point, bool) {
	if s.Position.Present {
		return s.Position.Point(), true
	}
	if s.Observer.Present && s.Observer.Position.Present {
		return s.Observer.Position.Point(), true
	}
	return geom.Point{}, false
}

// RawList is a JSON array kept element-wise as raw bytes. A non-array value
// decodes as an empty list.
type RawList []json.RawMessage

func (l *RawList) UnmarshalJSON(b []byte) error {
	*l = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '[' {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	*l = items
	return nil
}

func (l RawList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]json.RawMessage(l))
}

// Clone copies the list and each element's bytes.
func (l RawList) Clone() RawList {
	out := make(RawList, len(l))
	for i, item := range l {
		out[i] = append(json.RawMessage(nil), item...)
	}
	return out
}

type Entity struct {
	Name     geom.Text `json:"name"`
	Type     geom.Text `json:"type"`
	Distance geom.Num  `json:"distance"`
	DX       geom.Num  `json:"dx"`
	DY       geom.Num  `json:"dy"`
	DZ       geom.Num  `json:"dz"`
	Position geom.Vec3 `json:"position"`
}

type Item struct {
	Name  geom.Text `json:"name"`
	Count geom.Num  `json:"count"`
}

type Block struct {
	Block geom.Text `json:"block"`
	Count geom.Num  `json:"count"`
	DY    geom.Num  `json:"dy"`
}

// Entities decodes the object elements of the list; other elements are
// skipped.
func (l RawList) Entities() []Entity {
	return decodeElems[Entity](l)
}

func (l RawList) Items() []Item {
	return decodeElems[Item](l)
}

func (l RawList) Blocks() []Block {
	return decodeElems[Block](l)
}

func decodeElems[T any](l RawList) []T {
	out := make([]T, 0, len(l))
	for _, raw := range l {
		if !isObject(raw) {
			continue
		}
		var v T
		_ = json.Unmarshal(raw, &v)
		out = append(out, v)
	}
	return out
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

func decodeObject(b []byte, v any) {
	if !isObject(b) {
		return
	}
	_ = json.Unmarshal(b, v)
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
