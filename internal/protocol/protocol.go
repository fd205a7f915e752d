// Package protocol defines the JSON wire format of the policy server: the
// HTTP /predict and /health bodies and the /v1/ws message stream.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello           = "HELLO"
	TypeWelcome         = "WELCOME"
	TypePredict         = "PREDICT"
	TypePrediction      = "PREDICTION"
	TypePredictBatch    = "PREDICT_BATCH"
	TypePredictionBatch = "PREDICTION_BATCH"
	TypeError           = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
