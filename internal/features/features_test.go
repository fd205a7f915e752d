package features

import (
	"encoding/json"
	"math"
	"testing"

	"minecraftfriend.ai/internal/telemetry/state"
)

// Offsets of the blocks inside an encoded vector.
const (
	offInventory = 15
	offHeld      = 25
	offEntities  = 31
	offBelow     = 64
	offFront     = 71
	offNearby    = 78
	offThreat    = 90
)

func mustState(t *testing.T, js string) *state.Raw {
	t.Helper()
	var s state.Raw
	if err := json.Unmarshal([]byte(js), &s); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return &s
}

func near(a float32, b float64) bool { return math.Abs(float64(a)-b) < 1e-5 }

func TestDims(t *testing.T) {
	if Dim != 95 {
		t.Fatalf("Dim=%d want 95", Dim)
	}
	if AugmentedDim != 215 {
		t.Fatalf("AugmentedDim=%d want 215", AugmentedDim)
	}
	if len(ControlKeys) != ControlDim {
		t.Fatalf("control keys=%d want %d", len(ControlKeys), ControlDim)
	}
}

func TestEncode_FixedLengthForAnyShape(t *testing.T) {
	for _, js := range []string{
		`{}`,
		`{"health":"abc","velocity":"fast","nearbyEntities":{"a":1},"inventory":null,"observer":7}`,
		`{"nearbyBlocksStats":{"bucketCounts":[1,2]},"nearbyBlocks":[1,"x",{"block":"stone"}]}`,
		`{"nearbyEntities":[{"name":"zombie","dx":1},{"type":"player","position":{"x":1}}],"position":{"x":0}}`,
	} {
		v := Encode(mustState(t, js), math.Inf(1))
		if len(v) != Dim {
			t.Fatalf("%s: len=%d want %d", js, len(v), Dim)
		}
		for i, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				t.Fatalf("%s: v[%d]=%v not finite", js, i, x)
			}
		}
	}
}

func TestEncode_EmptyStateDefaults(t *testing.T) {
	v := Encode(mustState(t, `{}`), 9)
	checks := []struct {
		idx  int
		want float64
	}{
		{4, 5},   // delta time clipped
		{6, 1},   // cos(0)
		{11, 20}, // health
		{12, 20}, // hunger
		{13, -1}, // hotbar
		{14, 0},  // entity count
		{offHeld, 1},
		{offEntities, 0},
		{offEntities + 1, 99},
		{offBelow, 1},
		{offFront, 1},
		{offThreat + 3, 99},
	}
	for _, c := range checks {
		if !near(v[c.idx], c.want) {
			t.Fatalf("v[%d]=%v want %v", c.idx, v[c.idx], c.want)
		}
	}
}

func TestEncode_YawFallsBackToObserver(t *testing.T) {
	v := Encode(mustState(t, `{"yaw":0,"observer":{"yaw":1.5707963,"pitch":0}}`), 0)
	if !near(v[5], 1) {
		t.Fatalf("sin(yaw)=%v want 1", v[5])
	}
}

func TestEncode_Entities(t *testing.T) {
	s := mustState(t, `{
		"position":{"x":0,"y":64,"z":0},
		"nearbyEntities":[
			{"name":"cow","type":"object","distance":10,"position":{"x":0,"y":64,"z":-2}},
			{"name":"zombie","type":"mob","distance":"2","dx":3,"dy":0,"dz":4},
			"not an entity"
		]}`)
	v := Encode(s, 0)
	if !near(v[14], 3) {
		t.Fatalf("entity count=%v want 3", v[14])
	}
	slot0 := v[offEntities : offEntities+11]
	want0 := []float64{1, 2, 1.0 / 3, 0, 1, 0, 0, 0, 0.6, 0, 0.8}
	for i, w := range want0 {
		if !near(slot0[i], w) {
			t.Fatalf("slot0[%d]=%v want %v (slot=%v)", i, slot0[i], w, slot0)
		}
	}
	slot1 := v[offEntities+11 : offEntities+22]
	if !near(slot1[1], 10) || !near(slot1[5], 1) || !near(slot1[10], -1) {
		t.Fatalf("slot1=%v", slot1)
	}
	if !near(v[offEntities+22], 0) || !near(v[offEntities+23], 99) {
		t.Fatalf("empty slot=%v", v[offEntities+22:offEntities+33])
	}
	threat := v[offThreat:]
	want := []float64{1, 1, 0, 2, 1.0 / 3}
	for i, w := range want {
		if !near(threat[i], w) {
			t.Fatalf("threat=%v want %v", threat, want)
		}
	}
}

func TestEncode_Inventory(t *testing.T) {
	s := mustState(t, `{"inventory":[
		{"name":"diamond_sword","count":1},
		{"name":"oak_planks","count":32},
		{"name":"oak_planks","count":"16"},
		"garbage",
		{"name":"none","count":0}
	],"heldItem":{"name":"bread"}}`)
	v := Encode(s, 0)
	want := []float64{3, 49, 2, 32, 0, 0, 48, 1, 0, 0}
	for i, w := range want {
		if !near(v[offInventory+i], w) {
			t.Fatalf("inventory=%v want %v", v[offInventory:offInventory+10], want)
		}
	}
	if !near(v[offHeld+3], 1) {
		t.Fatalf("held item one-hot=%v want FOOD", v[offHeld:offHeld+6])
	}
}

func TestEncode_NearbyBlocksStatsOverridePerField(t *testing.T) {
	blocks := `"nearbyBlocks":[{"block":"stone","count":3,"dy":-1},{"block":"air","count":1,"dy":0},{"block":"dirt"}]`
	v := Encode(mustState(t, `{`+blocks+`}`), 0)
	// SOLID 4 of 5, AIR 1 of 5; layer -1 fully solid, layer 0 air only.
	want := []float64{0, 0.2, 0, 0, 0, 0, 0.8, 1, 0, 0, 0.8, -0.75}
	for i, w := range want {
		if !near(v[offNearby+i], w) {
			t.Fatalf("nearby=%v want %v", v[offNearby:offNearby+12], want)
		}
	}

	v = Encode(mustState(t, `{`+blocks+`,"nearbyBlocksStats":{"bucketCounts":{"SOLID":1},"layerNonAir":{"0":1},"nonAirCount":1,"meanNonAirDy":0.5}}`), 0)
	want = []float64{0, 0.5, 0, 0, 0, 0, 0.5, 1, 1, 0, 0.5, 0.5}
	for i, w := range want {
		if !near(v[offNearby+i], w) {
			t.Fatalf("nearby with stats=%v want %v", v[offNearby:offNearby+12], want)
		}
	}
}

func TestAugment(t *testing.T) {
	cur := []float32{10, -10, 1}
	got := Augment(cur, nil, NoAction)
	if len(got) != 3+3+25 {
		t.Fatalf("len=%d", len(got))
	}
	for i := 3; i < len(got); i++ {
		if got[i] != 0 {
			t.Fatalf("got[%d]=%v want 0", i, got[i])
		}
	}

	got = Augment(cur, []float32{0, 0, 0.5}, 3)
	if got[3] != 5 || got[4] != -5 || got[5] != 0.5 {
		t.Fatalf("delta=%v want [5 -5 0.5]", got[3:6])
	}
	if got[6+3] != 1 {
		t.Fatalf("one-hot=%v want id 3 set", got[6:])
	}

	got = Augment(cur, cur, 25)
	for _, x := range got[6:] {
		if x != 0 {
			t.Fatalf("out-of-range action should leave one-hot empty: %v", got[6:])
		}
	}
}

func TestAugmentStream(t *testing.T) {
	frames := [][]float32{{1}, {3}, {2}}
	out := AugmentStream(frames, []int{7, 8, 9})
	if out[0][1] != 0 || out[1][1] != 2 || out[2][1] != -1 {
		t.Fatalf("deltas=%v %v %v", out[0][1], out[1][1], out[2][1])
	}
	if out[0][2+7] != 0 || out[1][2+7] != 1 || out[2][2+8] != 1 {
		t.Fatalf("previous-action one-hots wrong")
	}
}

func TestControlTarget(t *testing.T) {
	cur := mustState(t, `{"velocity":{"vx":0.3,"vz":0.4},"yaw":3.0,"pitch":0.1}`)
	next := mustState(t, `{"velocity":{"vx":2,"vy":0.1,"vz":0},"yaw":-3.0,"observer":{"pitch":0.3}}`)
	got := ControlTarget(cur, next)
	want := []float64{1.5, 0, 0.1, 2, 1, 2*math.Pi - 6, 0.2, 1}
	for i, w := range want {
		if !near(got[i], w) {
			t.Fatalf("%s=%v want %v (all=%v)", ControlKeys[i], got[i], w, got)
		}
	}
}
