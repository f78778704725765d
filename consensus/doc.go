// Package consensus implements pluggable agreement over a swarm of agents.
//
// This package implements:
//   - Quorum: fraction of For votes over all participants, strict threshold
//   - Weighted: the same over per-participant weights
//   - Byzantine: multi-round voting that excludes inconsistent voters
//   - Gossip: epidemic majority adoption with a convergence check
//   - Manager: broadcast, vote collection with timeout, statistics
//
// Rejected and Timeout are decisions, not errors.
package consensus
