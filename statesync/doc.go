// Package statesync keeps replicated key/value state consistent across a swarm.
//
// A Synchronizer asks every participant for its version of a key, resolves
// disagreement with a ConflictResolver (LastWriteWins or CRDTMerge), writes the
// result one version above everything it saw and broadcasts it. Versions of a
// (swarm, key) pair never decrease. DeltaSync serves reconnecting participants
// from the retained history without touching the network.
package statesync
