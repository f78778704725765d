package statesync

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// CRDT types understood by CRDTMerge.
const (
	CRDTCounter = "counter"
	CRDTSet     = "set"
	CRDTMax     = "max"
)

// CRDTMerge merges candidates according to their crdt_type metadata: counter sums,
// set unions JSON arrays and max keeps the largest number. All candidates must
// declare the same type.
type CRDTMerge struct{}

func (CRDTMerge) Name() string { return ResolverCRDT }

func (CRDTMerge) Resolve(key string, candidates []StateVersion) (StateVersion, error) {
	if err := checkCandidates(key, candidates); err != nil {
		return StateVersion{}, err
	}

	crdtType := strings.ToLower(candidates[0].Metadata[MetaCRDTType])
	for _, c := range candidates[1:] {
		if t := strings.ToLower(c.Metadata[MetaCRDTType]); t != crdtType {
			return StateVersion{}, errors.Wrapf(ErrUnsupportedCRDTType, "key %s mixes %q and %q", key, crdtType, t)
		}
	}

	var (
		value json.RawMessage
		err   error
	)
	switch crdtType {
	case CRDTCounter:
		value, err = mergeCounter(candidates)
	case CRDTSet:
		value, err = mergeSet(candidates)
	case CRDTMax:
		value, err = mergeMax(candidates)
	default:
		return StateVersion{}, errors.Wrapf(ErrUnsupportedCRDTType, "key %s has type %q", key, crdtType)
	}
	if err != nil {
		return StateVersion{}, errors.Wrapf(err, "merging %s", key)
	}

	var latest time.Time
	owner := ""
	for _, c := range candidates {
		if c.Timestamp.After(latest) {
			latest = c.Timestamp
		}
		if c.OwnerID > owner {
			owner = c.OwnerID
		}
	}

	return StateVersion{
		Key:       key,
		Value:     value,
		Version:   maxVersion(candidates) + 1,
		Timestamp: latest,
		OwnerID:   owner,
		Metadata: map[string]string{
			MetaCRDTType:         crdtType,
			MetaResolver:         ResolverCRDT,
			MetaMergedCandidates: strconv.Itoa(len(candidates)),
		},
	}, nil
}

func parseNumber(raw json.RawMessage) (json.Number, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '"' {
		return "", errors.Wrapf(ErrUnsupportedCRDTType, "value %s is not a number", string(raw))
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return "", errors.Wrapf(ErrUnsupportedCRDTType, "value %s is not a number", string(raw))
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", errors.Wrapf(ErrUnsupportedCRDTType, "value %s has trailing data", string(raw))
	}
	return n, nil
}

// addInt64 reports whether a+b fits in an int64.
func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// mergeCounter sums integers exactly and switches to a float sum once a value is
// fractional or the integer sum would overflow.
func mergeCounter(candidates []StateVersion) (json.RawMessage, error) {
	var intSum int64
	var floatSum float64
	integral := true

	for _, c := range candidates {
		n, err := parseNumber(c.Value)
		if err != nil {
			return nil, err
		}
		if i, err := n.Int64(); err == nil {
			floatSum += float64(i)
			if integral {
				intSum, integral = addInt64(intSum, i)
			}
			continue
		}
		f, err := n.Float64()
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedCRDTType, "value %s is not a number", n)
		}
		integral = false
		floatSum += f
	}

	if integral {
		return json.RawMessage(strconv.FormatInt(intSum, 10)), nil
	}
	return json.Marshal(floatSum)
}

func mergeMax(candidates []StateVersion) (json.RawMessage, error) {
	best := math.Inf(-1)
	var bestRaw json.Number
	for _, c := range candidates {
		n, err := parseNumber(c.Value)
		if err != nil {
			return nil, err
		}
		f, err := n.Float64()
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedCRDTType, "value %s is not a number", n)
		}
		if f > best {
			best, bestRaw = f, n
		}
	}
	return json.RawMessage(bestRaw.String()), nil
}

func mergeSet(candidates []StateVersion) (json.RawMessage, error) {
	union := make(map[string]json.RawMessage)
	for _, c := range candidates {
		var elems []json.RawMessage
		if err := json.Unmarshal(c.Value, &elems); err != nil {
			return nil, errors.Wrapf(ErrUnsupportedCRDTType, "set value %s is not an array", string(c.Value))
		}
		for _, e := range elems {
			var buf bytes.Buffer
			if err := json.Compact(&buf, e); err != nil {
				return nil, errors.Wrap(err, "compacting set element")
			}
			union[buf.String()] = json.RawMessage(buf.Bytes())
		}
	}

	keys := make([]string, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, union[k])
	}
	return json.Marshal(out)
}
