package statesync

import (
	"encoding/json"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(owner string, version int64, value string, ts time.Time, meta map[string]string) StateVersion {
	return StateVersion{
		Key:       "k",
		Value:     json.RawMessage(value),
		Version:   version,
		Timestamp: ts,
		OwnerID:   owner,
		Metadata:  meta,
	}
}

func counter() map[string]string { return map[string]string{MetaCRDTType: "Counter"} }

func TestCRDTCounterMerge(t *testing.T) {
	now := time.Now()
	out, err := CRDTMerge{}.Resolve("task_count", []StateVersion{
		candidate("a", 3, "10", now, counter()),
		candidate("b", 7, "15", now.Add(time.Second), counter()),
		candidate("c", 5, "7", now, counter()),
	})
	require.NoError(t, err)

	assert.Equal(t, "32", string(out.Value))
	assert.Equal(t, int64(8), out.Version)
	assert.Equal(t, "task_count", out.Key)
	assert.Equal(t, "c", out.OwnerID)
	assert.True(t, out.Timestamp.Equal(now.Add(time.Second)))
	assert.Equal(t, CRDTCounter, out.Metadata[MetaCRDTType])
	assert.Equal(t, "3", out.Metadata[MetaMergedCandidates])
}

func TestCRDTCounterFloat(t *testing.T) {
	out, err := CRDTMerge{}.Resolve("k", []StateVersion{
		candidate("a", 1, "1.5", time.Now(), counter()),
		candidate("b", 1, "2", time.Now(), counter()),
	})
	require.NoError(t, err)
	assert.Equal(t, "3.5", string(out.Value))
}

func TestCRDTCounterOverflow(t *testing.T) {
	out, err := CRDTMerge{}.Resolve("k", []StateVersion{
		candidate("a", 1, strconv.FormatInt(math.MaxInt64, 10), time.Now(), counter()),
		candidate("b", 1, "1", time.Now(), counter()),
	})
	require.NoError(t, err)

	var sum float64
	require.NoError(t, json.Unmarshal(out.Value, &sum))
	if sum <= 0 {
		t.Errorf("Expected a positive sum, got %s", out.Value)
	}
	assert.InEpsilon(t, float64(math.MaxInt64)+1, sum, 1e-9)
}

func TestCRDTSetMerge(t *testing.T) {
	set := map[string]string{MetaCRDTType: CRDTSet}
	out, err := CRDTMerge{}.Resolve("k", []StateVersion{
		candidate("a", 1, `["x", "y"]`, time.Now(), set),
		candidate("b", 2, `["y","z"]`, time.Now(), set),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `["x","y","z"]`, string(out.Value))
	assert.Equal(t, int64(3), out.Version)
}

func TestCRDTMaxMerge(t *testing.T) {
	max := map[string]string{MetaCRDTType: CRDTMax}
	out, err := CRDTMerge{}.Resolve("k", []StateVersion{
		candidate("a", 1, "4", time.Now(), max),
		candidate("b", 1, "42", time.Now(), max),
		candidate("c", 1, "-3", time.Now(), max),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", string(out.Value))
}

func TestCRDTUnsupported(t *testing.T) {
	tests := []struct {
		name       string
		candidates []StateVersion
	}{
		{"unknown type", []StateVersion{
			candidate("a", 1, "1", time.Now(), map[string]string{MetaCRDTType: "graph"}),
		}},
		{"missing type", []StateVersion{
			candidate("a", 1, "1", time.Now(), nil),
		}},
		{"mixed types", []StateVersion{
			candidate("a", 1, "1", time.Now(), counter()),
			candidate("b", 1, "[1]", time.Now(), map[string]string{MetaCRDTType: CRDTSet}),
		}},
		{"non-numeric counter", []StateVersion{
			candidate("a", 1, `"ten"`, time.Now(), counter()),
		}},
		{"quoted number", []StateVersion{
			candidate("a", 1, `"10"`, time.Now(), counter()),
		}},
		{"trailing data", []StateVersion{
			candidate("a", 1, `10 20`, time.Now(), counter()),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CRDTMerge{}.Resolve("k", tt.candidates)
			assert.ErrorIs(t, err, ErrUnsupportedCRDTType)
		})
	}
}

func TestResolveNoCandidates(t *testing.T) {
	_, err := LastWriteWins{}.Resolve("k", nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
	_, err = CRDTMerge{}.Resolve("k", nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestLastWriteWins(t *testing.T) {
	now := time.Now()
	out, err := LastWriteWins{}.Resolve("k", []StateVersion{
		candidate("a", 9, `"old"`, now, nil),
		candidate("b", 2, `"new"`, now.Add(time.Minute), nil),
		candidate("c", 4, `"mid"`, now.Add(time.Second), nil),
	})
	require.NoError(t, err)

	assert.Equal(t, `"new"`, string(out.Value))
	assert.Equal(t, "b", out.OwnerID)
	assert.Equal(t, int64(10), out.Version)
	assert.Equal(t, "2", out.Metadata[MetaDiscardedVersions])
	assert.Equal(t, ResolverLWW, out.Metadata[MetaResolver])
}

func TestLastWriteWinsTies(t *testing.T) {
	now := time.Now()
	candidates := []StateVersion{
		candidate("a", 3, `"a3"`, now, nil),
		candidate("c", 2, `"c2"`, now, nil),
		candidate("b", 3, `"b3"`, now, nil),
	}

	first, err := LastWriteWins{}.Resolve("k", candidates)
	require.NoError(t, err)
	assert.Equal(t, `"b3"`, string(first.Value), "equal timestamps go to the highest version, then the greatest owner")

	for i := 0; i < 20; i++ {
		reversed := []StateVersion{candidates[2], candidates[1], candidates[0]}
		out, err := LastWriteWins{}.Resolve("k", reversed)
		require.NoError(t, err)
		assert.Equal(t, first.Value, out.Value)
		assert.Equal(t, first.OwnerID, out.OwnerID)
	}
}

func TestLastWriteWinsDoesNotMutateInput(t *testing.T) {
	meta := map[string]string{"origin": "edge"}
	in := []StateVersion{candidate("a", 1, "1", time.Now(), meta)}

	_, err := LastWriteWins{}.Resolve("k", in)
	require.NoError(t, err)
	assert.Len(t, meta, 1)
}

func TestDetectConflicts(t *testing.T) {
	now := time.Now()
	byOwner := map[string][]StateVersion{
		"a": {
			{Key: "x", Value: json.RawMessage(`{"n": 1}`), Timestamp: now},
			{Key: "y", Value: json.RawMessage(`1`)},
		},
		"b": {
			{Key: "x", Value: json.RawMessage(`{"n":1}`)},
			{Key: "y", Value: json.RawMessage(`2`)},
			{Key: "z", Value: json.RawMessage(`3`)},
		},
	}

	assert.Equal(t, []string{"y"}, DetectConflicts(byOwner))
	assert.Empty(t, DetectConflicts(nil))
	assert.NotNil(t, DetectConflicts(nil))
}

func TestNewResolver(t *testing.T) {
	r, err := NewResolver("")
	require.NoError(t, err)
	assert.Equal(t, ResolverLWW, r.Name())

	r, err = NewResolver("crdt")
	require.NoError(t, err)
	assert.Equal(t, ResolverCRDT, r.Name())

	_, err = NewResolver("random")
	assert.Error(t, err)
}
