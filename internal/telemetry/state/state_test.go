package state

import (
	"encoding/json"
	"strings"
	"testing"

	"minecraftfriend.ai/internal/telemetry/geom"
)

func decodeRecord(t *testing.T, line string) Record {
	t.Helper()
	var r Record
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		t.Fatalf("unmarshal %s: %v", line, err)
	}
	return r
}

func TestCleanState_GarbageFieldsGetDefaults(t *testing.T) {
	lines := []string{
		`{"state":{"velocity":"fast","yaw":"x","health":null,"hunger":[1],"selectedHotbarSlot":"abc","heldItem":7,"blockBelow":"","nearbyEntities":{"a":1},"inventory":"none","observer":"bob"}}`,
		`{"state":null,"action":5}`,
		`{"state":{"position":{"x":"1e400"},"heldItem":{"name":"  ","type":"2.9"}}}`,
		`{}`,
	}
	for _, line := range lines {
		r := decodeRecord(t, line)
		c := CleanState(&r.State, CleanOptions{})
		if c.Health != 20 || c.Hunger != 20 {
			t.Fatalf("%s: health=%v hunger=%v want 20/20", line, c.Health, c.Hunger)
		}
		if c.BlockBelow != "unknown" || c.BlockFront != "unknown" {
			t.Fatalf("%s: blocks=%q/%q", line, c.BlockBelow, c.BlockFront)
		}
		if c.HeldItem.Name != "none" {
			t.Fatalf("%s: held=%q want none", line, c.HeldItem.Name)
		}
		if c.Position == nil || c.LastChatMessages == nil {
			t.Fatalf("%s: expected position and chat kept", line)
		}
		if c.Observer != nil {
			t.Fatalf("%s: unexpected observer %+v", line, c.Observer)
		}
		b, err := json.Marshal(c)
		if err != nil {
			t.Fatalf("%s: marshal: %v", line, err)
		}
		for _, key := range []string{`"velocity"`, `"yaw"`, `"pitch"`, `"onGround"`, `"inAir"`, `"selectedHotbarSlot"`, `"heldItem"`, `"nearbyBlocks":[]`, `"nearbyEntities":[]`, `"inventory":[]`} {
			if !strings.Contains(string(b), key) {
				t.Fatalf("%s: cleaned %s missing %s", line, b, key)
			}
		}
	}
	r := decodeRecord(t, lines[2])
	if c := CleanState(&r.State, CleanOptions{}); c.HeldItem.Type != 2 || c.SelectedHotbarSlot != -1 {
		t.Fatalf("held type=%d slot=%d", c.HeldItem.Type, c.SelectedHotbarSlot)
	}
}

func TestCleanState_ObserverFallbackAndDrops(t *testing.T) {
	r := decodeRecord(t, `{"state":{"yaw":0,"pitch":0.2,"position":{"x":1,"y":2,"z":3},
		"observer":{"username":" alex ","yaw":1.5,"pitch":0.9,"position":{"x":1,"y":2,"z":3},"onGround":1},
		"lastChatMessages":["hi"],"nearbyEntities":[{"name":"zombie","distance":3}]}}`)
	c := CleanState(&r.State, CleanOptions{RemoveChat: true, DropAbsolutePosition: true})
	if c.Yaw != 1.5 {
		t.Fatalf("yaw=%v want observer fallback 1.5", c.Yaw)
	}
	if c.Pitch != 0.2 {
		t.Fatalf("pitch=%v want 0.2", c.Pitch)
	}
	if c.Position != nil || c.LastChatMessages != nil {
		t.Fatalf("expected position and chat dropped")
	}
	if c.Observer == nil || c.Observer.Username != "alex" || !c.Observer.OnGround || c.Observer.Position != nil {
		t.Fatalf("observer=%+v", c.Observer)
	}
	if len(c.NearbyEntities) != 1 {
		t.Fatalf("entities=%d want 1", len(c.NearbyEntities))
	}
	// The cleaned lists own their bytes.
	c.NearbyEntities[0][2] = 'X'
	if string(r.State.NearbyEntities[0]) == string(c.NearbyEntities[0]) {
		t.Fatalf("cleaned list aliases raw input")
	}
}

func TestRecordAccessors(t *testing.T) {
	r := decodeRecord(t, `{"timestamp":" 2024-01-01T00:00:00Z ","action":{"label":" observer_move ","source":" Observer-Mode ","success":1}}`)
	if r.TimestampText() != "2024-01-01T00:00:00Z" {
		t.Fatalf("timestamp=%q", r.TimestampText())
	}
	if r.Action.RawLabel() != "OBSERVER_MOVE" || r.Action.SourceName() != "observer-mode" {
		t.Fatalf("label=%q source=%q", r.Action.RawLabel(), r.Action.SourceName())
	}
	if r.Action.Succeeded() {
		t.Fatalf("success=1 is not literal true")
	}
	r = decodeRecord(t, `{"state":{"timestamp":1704067200000}}`)
	if got := r.TimestampSeconds(); got != 1704067200 {
		t.Fatalf("state timestamp=%v", got)
	}
	r = decodeRecord(t, `{"timestamp":null,"state":{"timestamp":1704067200000}}`)
	if got := r.TimestampSeconds(); got != 0 {
		t.Fatalf("explicit null row timestamp=%v want 0", got)
	}
	var bad Record
	if err := json.Unmarshal([]byte(`[1,2]`), &bad); err == nil {
		t.Fatalf("expected error for non-object row")
	}
}

func TestMeaningfulChange(t *testing.T) {
	base := Clean{Yaw: 1, BlockBelow: "stone", BlockFront: "air", HeldItem: CleanHeldItem{Name: "none"}}
	if !MeaningfulChange(&base, nil, 0.18, 0.07, 0.08) {
		t.Fatalf("first record must be meaningful")
	}
	same := base
	if MeaningfulChange(&same, &base, 0.18, 0.07, 0.08) {
		t.Fatalf("identical states must not be meaningful")
	}
	moved := base
	moved.Position = &geom.Point{X: 0.5}
	if !MeaningfulChange(&moved, &base, 0.18, 0.07, 0.08) {
		t.Fatalf("0.5 move must be meaningful")
	}
	slot := base
	slot.SelectedHotbarSlot = 3
	if !MeaningfulChange(&slot, &base, 0.18, 0.07, 0.08) {
		t.Fatalf("hotbar change must be meaningful")
	}
}
