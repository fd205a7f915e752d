package state

import (
	"math"
	"strings"

	"minecraftfriend.ai/internal/telemetry/geom"
)

type CleanVelocity struct {
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
	VZ float64 `json:"vz"`
}

func (v CleanVelocity) Point() geom.Point { return geom.Point{X: v.VX, Y: v.VY, Z: v.VZ} }

type CleanHeldItem struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

type CleanObserver struct {
	Username string        `json:"username"`
	Distance float64       `json:"distance"`
	Velocity CleanVelocity `json:"velocity"`
	Yaw      float64       `json:"yaw"`
	Pitch    float64       `json:"pitch"`
	OnGround bool          `json:"onGround"`
	Position *geom.Point   `json:"position,omitempty"`
}

// Clean is the canonical reduced state written to cleaned datasets.
// Field order is the on-disk key order.
type Clean struct {
	Velocity           CleanVelocity  `json:"velocity"`
	Yaw                float64        `json:"yaw"`
	Pitch              float64        `json:"pitch"`
	OnGround           bool           `json:"onGround"`
	InAir              bool           `json:"inAir"`
	Health             float64        `json:"health"`
	Hunger             float64        `json:"hunger"`
	SelectedHotbarSlot int            `json:"selectedHotbarSlot"`
	HeldItem           CleanHeldItem  `json:"heldItem"`
	BlockBelow         string         `json:"blockBelow"`
	BlockFront         string         `json:"blockFront"`
	NearbyBlocks       RawList        `json:"nearbyBlocks"`
	NearbyEntities     RawList        `json:"nearbyEntities"`
	Inventory          RawList        `json:"inventory"`
	Position           *geom.Point    `json:"position,omitempty"`
	Observer           *CleanObserver `json:"observer,omitempty"`
	LastChatMessages   *RawList       `json:"lastChatMessages,omitempty"`
}

// CleanOptions selects which optional fields survive cleaning.
type CleanOptions struct {
	RemoveChat           bool
	DropAbsolutePosition bool
}

// CleanState reduces a raw state to the canonical schema. It never fails;
// missing or malformed values take their documented defaults. The result
// shares no memory with s.
func CleanState(s *Raw, opts CleanOptions) Clean {
	out := Clean{
		Velocity:           cleanVelocity(s.Velocity),
		Yaw:                s.ResolvedYaw(),
		Pitch:              s.ResolvedPitch(),
		OnGround:           bool(s.OnGround),
		InAir:              bool(s.InAir),
		Health:             s.Health.Or(20),
		Hunger:             s.Hunger.Or(20),
		SelectedHotbarSlot: truncInt(s.SelectedHotbarSlot, -1),
		HeldItem: CleanHeldItem{
			Name: heldName(s.HeldItem.Name),
			Type: truncInt(s.HeldItem.Type, -1),
		},
		BlockBelow:     s.BlockBelow.Or("unknown"),
		BlockFront:     s.BlockFront.Or("unknown"),
		NearbyBlocks:   s.NearbyBlocks.Clone(),
		NearbyEntities: s.NearbyEntities.Clone(),
		Inventory:      s.Inventory.Clone(),
	}
	if !opts.DropAbsolutePosition {
		p := s.Position.Point()
		out.Position = &p
	}
	if s.Observer.Present {
		o := &CleanObserver{
			Username: strings.TrimSpace(s.Observer.Username.Or("")),
			Distance: s.Observer.Distance.Or(0),
			Velocity: cleanVelocity(s.Observer.Velocity),
			Yaw:      s.Observer.Yaw.Or(0),
			Pitch:    s.Observer.Pitch.Or(0),
			OnGround: bool(s.Observer.OnGround),
		}
		if !opts.DropAbsolutePosition {
			p := s.Observer.Position.Point()
			o.Position = &p
		}
		out.Observer = o
	}
	if !opts.RemoveChat {
		chat := s.LastChatMessages.Clone()
		out.LastChatMessages = &chat
	}
	return out
}

func cleanVelocity(v Velocity) CleanVelocity {
	return CleanVelocity{VX: v.VX.Or(0), VY: v.VY.Or(0), VZ: v.VZ.Or(0)}
}

func heldName(t geom.Text) string {
	name := strings.TrimSpace(t.Or("none"))
	if name == "" {
		return "none"
	}
	return name
}

func truncInt(n geom.Num, def int) int {
	if !n.OK || math.Abs(n.V) > math.MaxInt32 {
		return def
	}
	return int(n.V)
}

// MeaningfulChange reports whether cur differs from prev by at least one of
// the thresholds or any discrete field. A nil prev is always meaningful.
func MeaningfulChange(cur, prev *Clean, minPos, minVel, minLook float64) bool {
	if prev == nil {
		return true
	}
	if geom.Distance(positionOf(cur), positionOf(prev)) >= math.Max(0.01, minPos) {
		return true
	}
	if geom.Distance(cur.Velocity.Point(), prev.Velocity.Point()) >= math.Max(0.001, minVel) {
		return true
	}
	look := math.Max(geom.AngleDelta(cur.Yaw, prev.Yaw), geom.AngleDelta(cur.Pitch, prev.Pitch))
	if look >= math.Max(0.001, minLook) {
		return true
	}
	switch {
	case cur.OnGround != prev.OnGround, cur.InAir != prev.InAir:
		return true
	case cur.BlockBelow != prev.BlockBelow, cur.BlockFront != prev.BlockFront:
		return true
	case len(cur.NearbyEntities) != len(prev.NearbyEntities):
		return true
	case cur.SelectedHotbarSlot != prev.SelectedHotbarSlot:
		return true
	case strings.TrimSpace(cur.HeldItem.Name) != strings.TrimSpace(prev.HeldItem.Name):
		return true
	}
	return false
}

func positionOf(c *Clean) geom.Point {
	if c.Position == nil {
		return geom.Point{}
	}
	return *c.Position
}
