package statesync

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// ConflictResolver reduces conflicting versions of one key to a single version.
// The returned version is one above the highest candidate version.
type ConflictResolver interface {
	Name() string
	Resolve(key string, candidates []StateVersion) (StateVersion, error)
}

// Resolver names.
const (
	ResolverLWW  = "lww"
	ResolverCRDT = "crdt"
)

// NewResolver returns the resolver registered under name.
func NewResolver(name string) (ConflictResolver, error) {
	switch name {
	case "", ResolverLWW:
		return LastWriteWins{}, nil
	case ResolverCRDT:
		return CRDTMerge{}, nil
	default:
		return nil, errors.Newf("unknown conflict resolver %q", name)
	}
}

// DetectConflicts returns, sorted, every key reported with more than one distinct value.
func DetectConflicts(statesByOwner map[string][]StateVersion) []string {
	values := make(map[string]map[string]bool)
	for _, states := range statesByOwner {
		for _, sv := range states {
			if values[sv.Key] == nil {
				values[sv.Key] = make(map[string]bool)
			}
			values[sv.Key][sv.canonicalValue()] = true
		}
	}

	conflicts := make([]string, 0)
	for key, distinct := range values {
		if len(distinct) > 1 {
			conflicts = append(conflicts, key)
		}
	}
	sort.Strings(conflicts)
	return conflicts
}

func maxVersion(candidates []StateVersion) int64 {
	var max int64
	for _, c := range candidates {
		if c.Version > max {
			max = c.Version
		}
	}
	return max
}

func checkCandidates(key string, candidates []StateVersion) error {
	if len(candidates) == 0 {
		return errors.Wrapf(ErrNoCandidates, "key %s", key)
	}
	return nil
}
