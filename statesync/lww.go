package statesync

import (
	"sort"
	"strconv"
)

// LastWriteWins keeps the candidate with the latest timestamp. Ties go to the highest
// version, then to the lexicographically greatest owner id.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return ResolverLWW }

func (LastWriteWins) Resolve(key string, candidates []StateVersion) (StateVersion, error) {
	if err := checkCandidates(key, candidates); err != nil {
		return StateVersion{}, err
	}

	ordered := append([]StateVersion(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.Version != b.Version {
			return a.Version > b.Version
		}
		return a.OwnerID > b.OwnerID
	})

	winner := ordered[0].Clone()
	winner.Key = key
	winner.Version = maxVersion(candidates) + 1
	if winner.Metadata == nil {
		winner.Metadata = make(map[string]string)
	}
	winner.Metadata[MetaResolver] = ResolverLWW
	winner.Metadata[MetaDiscardedVersions] = strconv.Itoa(len(candidates) - 1)
	return winner, nil
}
