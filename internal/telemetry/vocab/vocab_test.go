package vocab

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVocabSizes(t *testing.T) {
	if len(Actions) != NumActions {
		t.Fatalf("actions=%d want %d", len(Actions), NumActions)
	}
	if len(Intents) != NumIntents {
		t.Fatalf("intents=%d want %d", len(Intents), NumIntents)
	}
	if id, ok := ActionID("EXPLORE"); !ok || ActionName(id) != "EXPLORE" {
		t.Fatalf("EXPLORE id=%d ok=%v", id, ok)
	}
	if ActionName(-1) != "IDLE" || ActionName(NumActions) != "IDLE" {
		t.Fatalf("out of range names should be IDLE")
	}
}

func TestNormalizeLabel(t *testing.T) {
	cases := []struct {
		label string
		meta  string
		want  string
	}{
		{"", "", "IDLE"},
		{" build ", "", "BUILD"},
		{"OBSERVER_SPRINT", "", "EXPLORE"},
		{"OBSERVER_LOOK", "", "SOCIAL"},
		{"OBSERVER_ATTACK", "", "ATTACK_MOB"},
		{"OBSERVER_INTERACT", `{"likelyActions":["chat","break","nope"]}`, "BREAK"},
		{"OBSERVER_INTERACT", `{"likelyActions":["FLY","IDLE"]}`, "FLY"},
		{"OBSERVER_INTERACT", `{"likelyActions":"BREAK"}`, "EXPLORE"},
		{"OBSERVER_INTERACT", ``, "EXPLORE"},
		{"DANCE", "", "DANCE"},
	}
	for _, c := range cases {
		var meta json.RawMessage
		if c.meta != "" {
			meta = json.RawMessage(c.meta)
		}
		if got := NormalizeLabel(c.label, meta); got != c.want {
			t.Fatalf("NormalizeLabel(%q, %s)=%q want %q", c.label, c.meta, got, c.want)
		}
	}
}

func TestIntentVector(t *testing.T) {
	got := IntentVector("HELP_PLAYER")
	want := []float32{1, 0, 1, 0, 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("HELP_PLAYER intents (-want +got):\n%s", diff)
	}
	got = IntentVector("not_an_action")
	want = []float32{0, 0, 0, 1, 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unknown intents (-want +got):\n%s", diff)
	}
}
