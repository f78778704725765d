package data

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"

	"github.com/VanDung-dev/HieraChain-Swarm/statesync"
)

// Converter turns state versions into Arrow records and back.
type Converter struct {
	allocator memory.Allocator
	schema    *arrow.Schema
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return NewConverterWithAllocator(memory.DefaultAllocator)
}

// NewConverterWithAllocator creates a Converter using alloc, e.g. a checked allocator in tests.
func NewConverterWithAllocator(alloc memory.Allocator) *Converter {
	return &Converter{
		allocator: alloc,
		schema:    StateVersionSchema(),
	}
}

// StatesToRecord converts states to a single Arrow record. An empty slice yields an
// empty record so a delta with no changes still carries the schema.
func (c *Converter) StatesToRecord(states []statesync.StateVersion) arrow.Record {
	builder := array.NewRecordBuilder(c.allocator, c.schema)
	defer builder.Release()

	keyBuilder := builder.Field(0).(*array.StringBuilder)
	valueBuilder := builder.Field(1).(*array.BinaryBuilder)
	versionBuilder := builder.Field(2).(*array.Int64Builder)
	timestampBuilder := builder.Field(3).(*array.TimestampBuilder)
	ownerBuilder := builder.Field(4).(*array.StringBuilder)
	metaBuilder := builder.Field(5).(*array.MapBuilder)

	metaKeys := metaBuilder.KeyBuilder().(*array.StringBuilder)
	metaValues := metaBuilder.ItemBuilder().(*array.StringBuilder)

	for _, sv := range states {
		keyBuilder.Append(sv.Key)
		valueBuilder.Append(sv.Value)
		versionBuilder.Append(sv.Version)
		timestampBuilder.Append(arrow.Timestamp(sv.Timestamp.UnixNano()))
		ownerBuilder.Append(sv.OwnerID)

		if len(sv.Metadata) == 0 {
			metaBuilder.AppendNull()
			continue
		}
		metaBuilder.Append(true)
		keys := make([]string, 0, len(sv.Metadata))
		for k := range sv.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			metaKeys.Append(k)
			metaValues.Append(sv.Metadata[k])
		}
	}

	return builder.NewRecord()
}

// RecordToStates converts a record built with StateVersionSchema back to states.
func (c *Converter) RecordToStates(record arrow.Record) ([]statesync.StateVersion, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}
	if err := ValidateSchema(record.Schema(), c.schema); err != nil {
		return nil, errors.Wrap(err, "invalid state record")
	}

	keyCol, ok := record.Column(0).(*array.String)
	if !ok {
		return nil, errors.New("column 0 (key) is not a String array")
	}
	valueCol, ok := record.Column(1).(*array.Binary)
	if !ok {
		return nil, errors.New("column 1 (value) is not a Binary array")
	}
	versionCol, ok := record.Column(2).(*array.Int64)
	if !ok {
		return nil, errors.New("column 2 (version) is not an Int64 array")
	}
	timestampCol, ok := record.Column(3).(*array.Timestamp)
	if !ok {
		return nil, errors.New("column 3 (timestamp) is not a Timestamp array")
	}
	ownerCol, ok := record.Column(4).(*array.String)
	if !ok {
		return nil, errors.New("column 4 (owner_id) is not a String array")
	}
	metaCol, ok := record.Column(5).(*array.Map)
	if !ok {
		return nil, errors.New("column 5 (metadata) is not a Map array")
	}

	states := make([]statesync.StateVersion, record.NumRows())
	for i := range states {
		value := valueCol.Value(i)
		states[i] = statesync.StateVersion{
			Key:       keyCol.Value(i),
			Value:     append(json.RawMessage(nil), value...),
			Version:   versionCol.Value(i),
			Timestamp: time.Unix(0, int64(timestampCol.Value(i))).UTC(),
			OwnerID:   ownerCol.Value(i),
		}
		if !metaCol.IsNull(i) {
			states[i].Metadata = extractMapValues(metaCol, i)
		}
	}
	return states, nil
}

// extractMapValues extracts key-value pairs from a Map column at the given index.
func extractMapValues(mapCol *array.Map, idx int) map[string]string {
	result := make(map[string]string)

	offsets := mapCol.Offsets()
	start := offsets[idx]
	end := offsets[idx+1]

	keys := mapCol.Keys().(*array.String)
	values := mapCol.Items().(*array.String)

	for j := start; j < end; j++ {
		result[keys.Value(int(j))] = values.Value(int(j))
	}
	return result
}

// StatesToIPC encodes states as an Arrow IPC stream.
func (c *Converter) StatesToIPC(states []statesync.StateVersion) ([]byte, error) {
	record := c.StatesToRecord(states)
	defer record.Release()
	return SerializeToIPC(record)
}

// IPCToStates decodes an Arrow IPC stream of state records.
func (c *Converter) IPCToStates(payload []byte) ([]statesync.StateVersion, error) {
	records, err := DeserializeAllFromIPC(payload, c.allocator)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()

	out := make([]statesync.StateVersion, 0)
	for i, r := range records {
		states, err := c.RecordToStates(r)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		out = append(out, states...)
	}
	return out, nil
}
