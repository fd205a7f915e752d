// Package vocab holds the fixed action and intent vocabularies and the label
// normalization shared by dataset construction and serving.
package vocab

import (
	"encoding/json"
	"strings"
)

var Actions = []string{
	"IDLE",
	"DEFEND",
	"ATTACK_MOB",
	"ATTACK_PLAYER",
	"EAT",
	"EQUIP",
	"FLY",
	"GET_ITEMS",
	"USE_ITEM",
	"USE_TRIDENT",
	"ENCHANT",
	"USE_ANVIL",
	"BUILD",
	"BREAK",
	"SLEEP",
	"USE_FURNACE",
	"CRAFT",
	"COLLECT",
	"HELP_PLAYER",
	"SOCIAL",
	"TOGGLE_OFFHAND",
	"EXPLORE",
	"RECOVER",
	"COMMAND",
	"CHAT",
}

var Intents = []string{"MOVE", "COMBAT", "INTERACT", "DEFENSE", "SOCIAL"}

const (
	NumActions = 25
	NumIntents = 5

	FallbackAction = "EXPLORE"
)

var (
	actionIDs = indexOf(Actions)
	intentIDs = indexOf(Intents)
)

func indexOf(names []string) map[string]int {
	m := make(map[string]int, len(names))
	for i, n := range names {
		m[n] = i
	}
	return m
}

// ActionID returns the vocabulary index of an already-normalized label.
func ActionID(label string) (int, bool) {
	id, ok := actionIDs[label]
	return id, ok
}

// ActionName returns the label for id, or IDLE when id is out of range.
func ActionName(id int) string {
	if id < 0 || id >= len(Actions) {
		return "IDLE"
	}
	return Actions[id]
}

func IntentID(name string) (int, bool) {
	id, ok := intentIDs[name]
	return id, ok
}

var actionIntents = map[string][]string{
	"IDLE":           {"DEFENSE"},
	"DEFEND":         {"DEFENSE"},
	"ATTACK_MOB":     {"COMBAT", "MOVE"},
	"ATTACK_PLAYER":  {"COMBAT", "MOVE"},
	"EAT":            {"INTERACT", "DEFENSE"},
	"EQUIP":          {"INTERACT", "DEFENSE"},
	"FLY":            {"MOVE"},
	"GET_ITEMS":      {"MOVE", "INTERACT"},
	"USE_ITEM":       {"INTERACT"},
	"USE_TRIDENT":    {"COMBAT", "INTERACT"},
	"ENCHANT":        {"INTERACT"},
	"USE_ANVIL":      {"INTERACT"},
	"BUILD":          {"INTERACT", "MOVE"},
	"BREAK":          {"INTERACT", "MOVE"},
	"SLEEP":          {"DEFENSE"},
	"USE_FURNACE":    {"INTERACT"},
	"CRAFT":          {"INTERACT"},
	"COLLECT":        {"MOVE", "INTERACT"},
	"HELP_PLAYER":    {"SOCIAL", "MOVE", "INTERACT"},
	"SOCIAL":         {"SOCIAL"},
	"TOGGLE_OFFHAND": {"INTERACT"},
	"EXPLORE":        {"MOVE"},
	"RECOVER":        {"DEFENSE", "MOVE"},
	"COMMAND":        {"SOCIAL", "INTERACT"},
	"CHAT":           {"SOCIAL"},
}

// IntentVector returns the multi-hot intent target for an action label.
// Unknown labels map to DEFENSE.
func IntentVector(label string) []float32 {
	v := make([]float32, NumIntents)
	names, ok := actionIntents[strings.ToUpper(strings.TrimSpace(label))]
	if !ok {
		names = []string{"DEFENSE"}
	}
	for _, n := range names {
		if id, ok := intentIDs[n]; ok {
			v[id] = 1
		}
	}
	return v
}

// observerSuffix maps OBSERVER_<suffix> labels to vocabulary actions.
var observerSuffix = map[string]string{
	"IDLE":        "IDLE",
	"MOVE":        "EXPLORE",
	"SPRINT":      "EXPLORE",
	"JUMP":        "EXPLORE",
	"LOOK":        "SOCIAL",
	"CHAT":        "CHAT",
	"BREAK":       "BREAK",
	"BUILD":       "BUILD",
	"COLLECT":     "COLLECT",
	"ATTACK":      "ATTACK_MOB",
	"CRAFT":       "CRAFT",
	"USE_FURNACE": "USE_FURNACE",
	"ENCHANT":     "ENCHANT",
	"USE_ANVIL":   "USE_ANVIL",
	"EAT":         "EAT",
	"DEFEND":      "DEFEND",
}

// likelyWeights ranks metadata.likelyActions candidates. Unlisted
// vocabulary actions score 0.4.
var likelyWeights = map[string]float64{
	"BREAK":         1.0,
	"BUILD":         0.95,
	"COLLECT":       0.9,
	"ATTACK_MOB":    0.9,
	"ATTACK_PLAYER": 0.85,
	"HELP_PLAYER":   0.85,
	"USE_ITEM":      0.8,
	"CRAFT":         0.8,
	"USE_FURNACE":   0.8,
	"ENCHANT":       0.75,
	"USE_ANVIL":     0.75,
	"SOCIAL":        0.7,
	"CHAT":          0.65,
	"EXPLORE":       0.55,
	"RECOVER":       0.5,
	"DEFEND":        0.45,
	"IDLE":          0.1,
}

const defaultLikelyWeight = 0.4

// NormalizeLabel maps a raw action label to a vocabulary action.
//
// Vocabulary labels pass through. OBSERVER_* labels use the suffix table,
// then the best-weighted metadata.likelyActions candidate, then EXPLORE.
// Other labels are returned uppercased and may be outside the vocabulary;
// callers check with ActionID.
func NormalizeLabel(label string, metadata json.RawMessage) string {
	l := strings.ToUpper(strings.TrimSpace(label))
	if l == "" {
		l = "IDLE"
	}
	if _, ok := actionIDs[l]; ok {
		return l
	}
	suffix, isObserver := strings.CutPrefix(l, "OBSERVER_")
	if !isObserver {
		return l
	}
	if mapped, ok := observerSuffix[suffix]; ok {
		return mapped
	}
	if best := bestLikelyAction(metadata); best != "" {
		return best
	}
	return FallbackAction
}

func bestLikelyAction(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var meta struct {
		LikelyActions []json.RawMessage `json:"likelyActions"`
	}
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return ""
	}
	best, bestScore := "", -1.0
	for _, raw := range meta.LikelyActions {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		cand := strings.ToUpper(strings.TrimSpace(s))
		if _, ok := actionIDs[cand]; !ok {
			continue
		}
		score, ok := likelyWeights[cand]
		if !ok {
			score = defaultLikelyWeight
		}
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}
