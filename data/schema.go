// Package data provides the Apache Arrow representation of replicated state.
// Delta sync responses travel as Arrow IPC streams using StateVersionSchema.
package data

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// StateVersionSchema returns the Arrow schema for a batch of state versions.
//
// Fields:
//   - key: string - State key
//   - value: binary - JSON encoded value
//   - version: int64 - Monotonic version of the key
//   - timestamp: timestamp[ns, UTC] - Write time
//   - owner_id: string - Agent that wrote the version
//   - metadata: map<string, string> (nullable) - Resolver and CRDT annotations
func StateVersionSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "key", Type: arrow.BinaryTypes.String},
			{Name: "value", Type: arrow.BinaryTypes.Binary},
			{Name: "version", Type: arrow.PrimitiveTypes.Int64},
			{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ns},
			{Name: "owner_id", Type: arrow.BinaryTypes.String},
			{
				Name: "metadata",
				Type: arrow.MapOf(
					arrow.BinaryTypes.String,
					arrow.BinaryTypes.String,
				),
				Nullable: true,
			},
		},
		nil,
	)
}

// ValidateSchema checks if actual matches expected field by field.
func ValidateSchema(actual, expected *arrow.Schema) error {
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}
