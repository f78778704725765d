package data

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-Swarm/statesync"
)

func sampleStates() []statesync.StateVersion {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	return []statesync.StateVersion{
		{
			Key:       "task_count",
			Value:     json.RawMessage("32"),
			Version:   8,
			Timestamp: ts,
			OwnerID:   "agent-a",
			Metadata:  map[string]string{"crdt_type": "counter", "resolver": "crdt"},
		},
		{
			Key:       "leader",
			Value:     json.RawMessage(`"agent-b"`),
			Version:   2,
			Timestamp: ts.Add(time.Second),
			OwnerID:   "agent-b",
		},
	}
}

func TestStateVersionSchema(t *testing.T) {
	schema := StateVersionSchema()

	expected := []string{"key", "value", "version", "timestamp", "owner_id", "metadata"}
	if schema.NumFields() != len(expected) {
		t.Fatalf("Expected %d fields, got %d", len(expected), schema.NumFields())
	}
	for i, name := range expected {
		if schema.Field(i).Name != name {
			t.Errorf("Field %d: expected name %s, got %s", i, name, schema.Field(i).Name)
		}
	}
	if !schema.Field(5).Nullable {
		t.Error("Expected metadata to be nullable")
	}
}

func TestValidateSchema(t *testing.T) {
	if err := ValidateSchema(StateVersionSchema(), StateVersionSchema()); err != nil {
		t.Errorf("Expected identical schemas to validate, got %v", err)
	}

	other := arrow.NewSchema([]arrow.Field{{Name: "key", Type: arrow.BinaryTypes.String}}, nil)
	if err := ValidateSchema(other, StateVersionSchema()); err == nil {
		t.Error("Expected field count mismatch")
	}
}

func TestStatesRecordRoundTrip(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	c := NewConverterWithAllocator(alloc)
	in := sampleStates()

	record := c.StatesToRecord(in)
	defer record.Release()
	require.Equal(t, int64(2), record.NumRows())

	out, err := c.RecordToStates(record)
	require.NoError(t, err)
	require.Len(t, out, 2)

	for i := range in {
		assert.Equal(t, in[i].Key, out[i].Key)
		assert.Equal(t, string(in[i].Value), string(out[i].Value))
		assert.Equal(t, in[i].Version, out[i].Version)
		assert.True(t, in[i].Timestamp.Equal(out[i].Timestamp))
		assert.Equal(t, in[i].OwnerID, out[i].OwnerID)
		assert.Equal(t, in[i].Metadata, out[i].Metadata)
	}
}

func TestStatesIPCRoundTrip(t *testing.T) {
	c := NewConverter()

	payload, err := c.StatesToIPC(sampleStates())
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	out, err := c.IPCToStates(payload)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "leader", out[1].Key)
	assert.Nil(t, out[1].Metadata)
}

func TestEmptyStatesIPC(t *testing.T) {
	c := NewConverter()

	payload, err := c.StatesToIPC(nil)
	require.NoError(t, err)

	out, err := c.IPCToStates(payload)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestIPCToStatesGarbage(t *testing.T) {
	_, err := NewConverter().IPCToStates([]byte("not arrow"))
	assert.Error(t, err)
}

func TestRecordToStatesNil(t *testing.T) {
	_, err := NewConverter().RecordToStates(nil)
	assert.Error(t, err)
}
