package protocol

// MaxBatchItems bounds a PREDICT_BATCH.
const MaxBatchItems = 256

// PREDICT_BATCH (client -> server): consecutive states of the session's
// agent, applied in order.
type PredictBatchMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ReqID           string       `json:"req_id"`
	Items           []PredictMsg `json:"items"`
}

// PREDICTION_BATCH (server -> client)
type PredictionBatchMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ReqID           string            `json:"req_id"`
	Results         []PredictResponse `json:"results"`
}
