package consensus

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Choice is a participant's stance on a proposal.
type Choice string

const (
	For     Choice = "for"
	Against Choice = "against"
	Abstain Choice = "abstain"
)

// Valid reports whether c is one of the known choices.
func (c Choice) Valid() bool {
	switch c {
	case For, Against, Abstain:
		return true
	}
	return false
}

// Vote is one participant's stance on a proposal in a given round. Rounds start at 0.
type Vote struct {
	ParticipantID string    `json:"participant_id"`
	ProposalID    string    `json:"proposal_id"`
	Choice        Choice    `json:"choice"`
	Round         int       `json:"round"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewVote creates a vote stamped with the current time.
func NewVote(participantID, proposalID string, choice Choice, round int) Vote {
	return Vote{
		ParticipantID: participantID,
		ProposalID:    proposalID,
		Choice:        choice,
		Round:         round,
		Timestamp:     time.Now(),
	}
}

// Validate checks the fields that do not depend on a proposal.
func (v Vote) Validate() error {
	if v.ParticipantID == "" {
		return errors.Wrap(ErrInvalidVote, "missing participant id")
	}
	if v.ProposalID == "" {
		return errors.Wrap(ErrInvalidVote, "missing proposal id")
	}
	if !v.Choice.Valid() {
		return errors.Wrapf(ErrInvalidVote, "unknown choice %q", v.Choice)
	}
	if v.Round < 0 {
		return errors.Wrapf(ErrInvalidVote, "negative round %d", v.Round)
	}
	return nil
}

// Proposal is a unit of work submitted for agreement. Rounds is the number of votes
// expected from each participant.
type Proposal struct {
	ID           string    `json:"id"`
	SwarmID      string    `json:"swarm_id,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	Participants []string  `json:"participants"`
	Rounds       int       `json:"rounds"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant reports whether id takes part in the proposal.
func (p *Proposal) HasParticipant(id string) bool {
	for _, pid := range p.Participants {
		if pid == id {
			return true
		}
	}
	return false
}

// RoundCount is the number of voting rounds, at least one.
func (p *Proposal) RoundCount() int {
	if p.Rounds < 1 {
		return 1
	}
	return p.Rounds
}

// ExpectedVotes is the number of votes after which the round can be decided.
func (p *Proposal) ExpectedVotes() int {
	return len(p.Participants) * p.RoundCount()
}

// Decision is the outcome of a consensus round.
type Decision string

const (
	Approved Decision = "approved"
	Rejected Decision = "rejected"
	Timeout  Decision = "timeout"
)

func (d Decision) String() string {
	return string(d)
}

// Result is the final record of a consensus round.
type Result struct {
	ProposalID   string                 `json:"proposal_id"`
	Decision     Decision               `json:"decision"`
	VotesFor     int                    `json:"votes_for"`
	VotesAgainst int                    `json:"votes_against"`
	VotesAbstain int                    `json:"votes_abstain"`
	Participants int                    `json:"participants"`
	Duration     time.Duration          `json:"duration"`
	Algorithm    string                 `json:"algorithm"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Approved reports whether the proposal was approved.
func (r *Result) Approved() bool {
	return r.Decision == Approved
}
