package statesync

import "github.com/cockroachdb/errors"

// Common errors for state synchronization
var (
	ErrUnsupportedCRDTType = errors.New("unsupported CRDT type")
	ErrNoCandidates        = errors.New("no candidate versions")
	ErrUnknownRequest      = errors.New("unknown state request")
	ErrInvalidResponse     = errors.New("invalid state response")
	ErrInvalidValue        = errors.New("state value is not valid JSON")
)
