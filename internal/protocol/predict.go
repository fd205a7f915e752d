package protocol

import "encoding/json"

// PREDICT (client -> server). The agent is the one named in HELLO.
type PredictMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Seq             uint64          `json:"seq"`
	State           json.RawMessage `json:"state"`
	Timestamp       json.RawMessage `json:"timestamp,omitempty"`
	Temperature     json.RawMessage `json:"temperature,omitempty"`
}

// Request converts the message to the HTTP request shape.
func (m PredictMsg) Request(agentID string) PredictRequest {
	return PredictRequest{State: m.State, AgentID: agentID, Timestamp: m.Timestamp, Temperature: m.Temperature}
}

// PREDICTION (server -> client)
type PredictionMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Seq             uint64           `json:"seq"`
	Result          *PredictResponse `json:"result"`
}
