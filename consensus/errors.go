package consensus

import "github.com/cockroachdb/errors"

// Common errors for consensus operations
var (
	ErrInvalidParticipantCount = errors.New("invalid participant count")
	ErrUnknownAlgorithm        = errors.New("unknown consensus algorithm")
	ErrInvalidVote             = errors.New("invalid vote")
	ErrInvalidThreshold        = errors.New("threshold must be in (0, 1]")
	ErrInvalidConfig           = errors.New("invalid consensus configuration")
	ErrAlgorithmExists         = errors.New("algorithm already registered")
)
