package features

import (
	"math"

	"minecraftfriend.ai/internal/telemetry/geom"
	"minecraftfriend.ai/internal/telemetry/state"
)

// ControlKeys names the continuous control channels in head order.
var ControlKeys = []string{
	"target_vx",
	"target_vz",
	"target_vy",
	"target_speed",
	"target_accel",
	"target_delta_yaw",
	"target_delta_pitch",
	"target_jump_prob",
}

const ControlDim = 8

// ControlTarget derives the control regression target for cur from the
// state that follows it.
func ControlTarget(cur, next *state.Raw) []float32 {
	nv := next.Velocity.Point()
	cv := cur.Velocity.Point()
	curSpeed := math.Hypot(cv.X, cv.Z)
	nextSpeed := math.Hypot(nv.X, nv.Z)

	dyaw := geom.AngleWrap(next.ResolvedYaw() - cur.ResolvedYaw())
	dpitch := geom.AngleWrap(next.ResolvedPitch() - cur.ResolvedPitch())
	var jump float64
	if nv.Y > 0.08 || bool(next.InAir) {
		jump = 1
	}

	out := []float64{
		geom.Clip(nv.X, -1.5, 1.5),
		geom.Clip(nv.Z, -1.5, 1.5),
		geom.Clip(nv.Y, -1.5, 1.5),
		geom.Clip(nextSpeed, 0, 2),
		geom.Clip(nextSpeed-curSpeed, -1, 1),
		geom.Clip(dyaw, -math.Pi, math.Pi),
		geom.Clip(dpitch, -1.6, 1.6),
		jump,
	}
	v := make([]float32, ControlDim)
	for i, x := range out {
		if geom.Finite(x) {
			v[i] = float32(x)
		}
	}
	return v
}
