package statesync

// StateRequest is the body of a state_request message.
type StateRequest struct {
	RequestID string `json:"request_id"`
	SwarmID   string `json:"swarm_id"`
	Key       string `json:"key"`
	Requester string `json:"requester"`
}

// StateResponse is the body of a state_response message. State is nil when the
// responder holds no version of the key.
type StateResponse struct {
	RequestID string        `json:"request_id"`
	SwarmID   string        `json:"swarm_id"`
	Key       string        `json:"key"`
	Responder string        `json:"responder"`
	State     *StateVersion `json:"state,omitempty"`
}

// StateUpdate is the body of a state_update message.
type StateUpdate struct {
	SwarmID string       `json:"swarm_id"`
	State   StateVersion `json:"state"`
}
