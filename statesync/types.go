package statesync

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Store namespaces used by the synchronizer.
const (
	NamespaceState   = "state_sync"
	NamespaceHistory = "state_sync_history"
)

// Metadata keys.
const (
	MetaCRDTType          = "crdt_type"
	MetaDiscardedVersions = "discarded_versions"
	MetaResolver          = "resolver"
	MetaMergedCandidates  = "merged_candidates"
)

// StateVersion is one version of a replicated value.
type StateVersion struct {
	Key       string            `json:"key"`
	Value     json.RawMessage   `json:"value"`
	Version   int64             `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	OwnerID   string            `json:"owner_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (sv StateVersion) Clone() StateVersion {
	c := sv
	if sv.Value != nil {
		c.Value = append(json.RawMessage(nil), sv.Value...)
	}
	if sv.Metadata != nil {
		c.Metadata = make(map[string]string, len(sv.Metadata))
		for k, v := range sv.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// canonicalValue compacts the JSON value so equal values compare equal.
func (sv StateVersion) canonicalValue() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, sv.Value); err != nil {
		return string(sv.Value)
	}
	return buf.String()
}

// record is the stored form of a StateVersion; the key lives in the store key.
type record struct {
	Value     json.RawMessage   `json:"value"`
	Version   int64             `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	OwnerID   string            `json:"owner_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func encodeRecord(sv StateVersion) ([]byte, error) {
	data, err := json.Marshal(record{
		Value:     sv.Value,
		Version:   sv.Version,
		Timestamp: sv.Timestamp,
		OwnerID:   sv.OwnerID,
		Metadata:  sv.Metadata,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s", sv.Key)
	}
	return data, nil
}

func decodeRecord(key string, data []byte) (StateVersion, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return StateVersion{}, errors.Wrapf(err, "decoding %s", key)
	}
	return StateVersion{
		Key:       key,
		Value:     r.Value,
		Version:   r.Version,
		Timestamp: r.Timestamp,
		OwnerID:   r.OwnerID,
		Metadata:  r.Metadata,
	}, nil
}
