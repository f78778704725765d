package consensus

// RequestPayload is the body of a consensus_request message.
type RequestPayload struct {
	ProposalID   string   `json:"proposal_id"`
	SwarmID      string   `json:"swarm_id"`
	Algorithm    string   `json:"algorithm"`
	Payload      []byte   `json:"payload,omitempty"`
	Participants []string `json:"participants"`
	Rounds       int      `json:"rounds"`
	Requester    string   `json:"requester"`
}

// VotePayload is the body of a consensus_vote message.
type VotePayload struct {
	Vote Vote `json:"vote"`
}
