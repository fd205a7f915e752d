package protocol

import "encoding/json"

// PredictRequest is the POST /predict body. Timestamp may be a number or a
// string; Temperature is kept raw so a malformed value can fall back to the
// default instead of failing the request.
type PredictRequest struct {
	State       json.RawMessage `json:"state"`
	AgentID     string          `json:"agent_id,omitempty"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
	Temperature json.RawMessage `json:"temperature,omitempty"`
}

// PredictResponse is a served decision.
type PredictResponse struct {
	OK                        bool               `json:"ok"`
	Action                    string             `json:"action"`
	Confidence                float64            `json:"confidence"`
	AgentID                   string             `json:"agent_id"`
	ModelType                 string             `json:"model_type"`
	HybridEnabled             bool               `json:"hybrid_enabled"`
	ActionTemperature         float64            `json:"action_temperature"`
	ExplicitIntentSupervision bool               `json:"explicit_intent_supervision"`
	IntentScores              map[string]float64 `json:"intent_scores"`
	ActiveIntents             []string           `json:"active_intents"`
	ContinuousControl         map[string]float64 `json:"continuous_control"`
	HybridAction              []string           `json:"hybrid_action"`
}

// FallbackResponse is returned instead of a decision when no model is
// loaded.
type FallbackResponse struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error"`
	FallbackAction string `json:"fallback_action"`
}

type HealthResponse struct {
	OK                 bool    `json:"ok"`
	ModelLoaded        bool    `json:"model_loaded"`
	ModelPath          string  `json:"model_path"`
	ModelType          *string `json:"model_type"`
	SequenceLength     *int    `json:"sequence_length"`
	HybridEnabled      *bool   `json:"hybrid_enabled"`
	ActionSelection    string  `json:"action_selection"`
	DefaultTemperature float64 `json:"default_temperature"`
	RunID              string  `json:"run_id,omitempty"`
	EncodingVersion    string  `json:"encoding_version,omitempty"`
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	AgentID         string            `json:"agent_id,omitempty"`
	AgentName       string            `json:"agent_name,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	MaxQueue int  `json:"max_queue,omitempty"`
	Batch    bool `json:"batch,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	SessionID       string    `json:"session_id"`
	AgentID         string    `json:"agent_id"`
	Model           ModelInfo `json:"model"`
}

type ModelInfo struct {
	Loaded          bool   `json:"loaded"`
	RunID           string `json:"run_id,omitempty"`
	ModelType       string `json:"model_type,omitempty"`
	SequenceLength  int    `json:"sequence_length,omitempty"`
	HybridEnabled   bool   `json:"hybrid_enabled,omitempty"`
	EncodingVersion string `json:"encoding_version,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	FallbackAction  string `json:"fallback_action,omitempty"`
}
