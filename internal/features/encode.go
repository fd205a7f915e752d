// Package features turns telemetry states into fixed-length float32 vectors.
//
// The layout is the model's input contract. Any change to block order or
// width must bump EncodingVersion so bundles and caches built against the old
// layout are refused.
package features

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"minecraftfriend.ai/internal/telemetry/buckets"
	"minecraftfriend.ai/internal/telemetry/geom"
	"minecraftfriend.ai/internal/telemetry/state"
)

const EncodingVersion = "v2"

// Block widths, in encode order.
const (
	kinematicsDim = 4 + 1 + 4 + 2 + 4
	inventoryDim  = 4 + buckets.NumInventory
	entitySlotDim = 3 + buckets.NumEntity + 3
	topEntities   = 3
	nearbyDim     = buckets.NumBlock + 3 + 2
	threatDim     = 5

	Dim = kinematicsDim + inventoryDim + buckets.NumItem + topEntities*entitySlotDim +
		2*buckets.NumBlock + nearbyDim + threatDim
)

const (
	maxDeltaTime    = 5.0
	defaultDistance = 99.0
)

// Encode returns the Dim-length feature vector of s. deltaTime is seconds
// since the agent's previous frame and is clipped to [0,5].
func Encode(s *state.Raw, deltaTime float64) []float32 {
	v := make(vec, 0, Dim)
	entities := s.NearbyEntities.Entities()
	entityCount := float64(len(s.NearbyEntities))

	vel := s.Velocity.Point()
	yaw, pitch := s.ResolvedYaw(), s.ResolvedPitch()
	if !geom.Finite(deltaTime) {
		deltaTime = 0
	}
	v.push(
		vel.X, vel.Y, vel.Z, math.Hypot(vel.X, vel.Z),
		geom.Clip(deltaTime, 0, maxDeltaTime),
		math.Sin(yaw), math.Cos(yaw), math.Sin(pitch), math.Cos(pitch),
		b2f(bool(s.OnGround)), b2f(bool(s.InAir)),
		s.Health.Or(20), s.Hunger.Or(20), s.SelectedHotbarSlot.Or(-1),
		entityCount,
	)

	v = appendInventory(v, s.Inventory.Items())
	v = append(v, buckets.OneHotItem(buckets.ClassifyItem(s.HeldItem.Name.Str("none")))...)
	v = appendEntities(v, s, entities)
	v = append(v, buckets.OneHotBlock(buckets.ClassifyBlock(s.BlockBelow.Str("unknown")))...)
	v = append(v, buckets.OneHotBlock(buckets.ClassifyBlock(s.BlockFront.Str("unknown")))...)
	v = appendNearbyBlocks(v, s.NearbyBlocks.Blocks(), s.NearbyBlocksStats)
	v = appendThreat(v, entities, entityCount)

	for i, x := range v {
		if !geom.Finite(float64(x)) {
			v[i] = 0
		}
	}
	return v
}

type vec []float32

func (v *vec) push(xs ...float64) {
	for _, x := range xs {
		*v = append(*v, float32(x))
	}
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func appendInventory(v vec, items []state.Item) vec {
	var slots, total, maxStack float64
	var sums [buckets.NumInventory]float64
	unique := make(map[string]struct{}, len(items))
	for _, it := range items {
		name := strings.ToLower(it.Name.Str("none"))
		count := math.Max(0, it.Count.Or(0))
		if name != "" && name != "none" {
			slots++
			unique[name] = struct{}{}
		}
		total += count
		maxStack = math.Max(maxStack, count)
		sums[buckets.ClassifyInventory(name)] += count
	}
	v.push(slots, total, float64(len(unique)), maxStack)
	v.push(sums[:]...)
	return v
}

func entityDistance(e *state.Entity) float64 {
	return e.Distance.Or(defaultDistance)
}

func appendEntities(v vec, s *state.Raw, entities []state.Entity) vec {
	sorted := append([]state.Entity(nil), entities...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return entityDistance(&sorted[i]) < entityDistance(&sorted[j])
	})
	for i := 0; i < topEntities; i++ {
		if i >= len(sorted) {
			v.push(0, defaultDistance, 0)
			v = append(v, make([]float32, buckets.NumEntity+3)...)
			continue
		}
		e := &sorted[i]
		dist := math.Max(0, entityDistance(e))
		v.push(1, dist, 1/(1+dist))
		var onehot [buckets.NumEntity]float64
		onehot[buckets.EntityIndex(e.Type.Str("other"))] = 1
		v.push(onehot[:]...)
		dir := relativeDirection(e, s)
		v.push(dir.X, dir.Y, dir.Z)
	}
	return v
}

// relativeDirection is the unit vector toward e, from its dx/dy/dz offsets
// when any is non-zero, else from absolute positions.
func relativeDirection(e *state.Entity, s *state.Raw) geom.Point {
	d := geom.Point{X: e.DX.Or(0), Y: e.DY.Or(0), Z: e.DZ.Or(0)}
	if d == (geom.Point{}) {
		player, ok := s.PlayerPosition()
		if !ok || !e.Position.Present {
			return geom.Point{}
		}
		p := e.Position.Point()
		d = geom.Point{X: p.X - player.X, Y: p.Y - player.Y, Z: p.Z - player.Z}
	}
	norm := math.Max(1e-6, geom.Distance(d, geom.Point{}))
	return geom.Point{X: d.X / norm, Y: d.Y / norm, Z: d.Z / norm}
}

// blockStats is the optional producer-side summary of nearbyBlocks. Each
// present field overrides the value computed from the list.
type blockStats struct {
	BucketCounts json.RawMessage `json:"bucketCounts"`
	LayerTotals  json.RawMessage `json:"layerTotals"`
	LayerNonAir  json.RawMessage `json:"layerNonAir"`
	NonAirCount  geom.Num        `json:"nonAirCount"`
	MeanNonAirDy geom.Num        `json:"meanNonAirDy"`
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

func numMap(raw json.RawMessage) (map[string]geom.Num, bool) {
	if !isObject(raw) {
		return nil, false
	}
	var m map[string]geom.Num
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

var layerKeys = [3]string{"-1", "0", "1"}

func appendNearbyBlocks(v vec, blocks []state.Block, statsRaw json.RawMessage) vec {
	var counts [buckets.NumBlock]float64
	var layerTotal, layerNonAir [3]float64
	var weightedDy, nonAir float64

	for _, b := range blocks {
		count := math.Max(1, b.Count.Or(1))
		bucket := buckets.ClassifyBlock(b.Block.Str("unknown"))
		counts[bucket] += count
		dy := math.Trunc(b.DY.Or(0))
		if b.DY.Present && dy >= -1 && dy <= 1 {
			layerTotal[int(dy)+1] += count
			if bucket != buckets.BlockAir {
				layerNonAir[int(dy)+1] += count
			}
		}
		if bucket != buckets.BlockAir {
			weightedDy += dy * count
			nonAir += count
		}
	}

	if isObject(statsRaw) {
		var st blockStats
		if err := json.Unmarshal(statsRaw, &st); err == nil {
			if m, ok := numMap(st.BucketCounts); ok {
				for i, name := range buckets.BlockNames {
					counts[i] = math.Max(0, m[name].Or(counts[i]))
				}
			}
			if m, ok := numMap(st.LayerTotals); ok {
				for i, k := range layerKeys {
					layerTotal[i] = math.Max(0, m[k].Or(layerTotal[i]))
				}
			}
			if m, ok := numMap(st.LayerNonAir); ok {
				for i, k := range layerKeys {
					layerNonAir[i] = math.Max(0, m[k].Or(layerNonAir[i]))
				}
			}
			nonAir = math.Max(0, st.NonAirCount.Or(nonAir))
			if nonAir > 0 {
				mean := st.MeanNonAirDy.Or(weightedDy / math.Max(1, nonAir))
				weightedDy = mean * nonAir
			}
		}
	}

	var total float64
	for _, c := range counts {
		total += c
	}
	total = math.Max(1, total)
	for _, c := range counts {
		v.push(c / total)
	}
	for i := range layerTotal {
		v.push(layerNonAir[i] / math.Max(1, layerTotal[i]))
	}
	v.push(nonAir/total, weightedDy/math.Max(1, nonAir))
	return v
}

func appendThreat(v vec, entities []state.Entity, entityCount float64) vec {
	var mobs, hostiles, players float64
	nearest := defaultDistance
	for i := range entities {
		e := &entities[i]
		kind := strings.ToLower(e.Type.Str("other"))
		name := strings.ToLower(e.Name.Str(""))
		switch kind {
		case "mob":
			mobs++
		case "player":
			players++
		}
		if buckets.IsHostile(kind, name) {
			hostiles++
			nearest = math.Min(nearest, math.Max(0, entityDistance(e)))
		}
	}
	v.push(mobs, hostiles, players, nearest, hostiles/math.Max(1, entityCount))
	return v
}
