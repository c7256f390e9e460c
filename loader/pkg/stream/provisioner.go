package stream

import "context"

// Provisioner manages the delivery stream that feeds one staging table.
type Provisioner interface {
	// CreateStream creates a stream named name delivering into stagingTable.
	// Creating a stream that already exists is not an error.
	CreateStream(ctx context.Context, name, stagingTable string) error
	// StreamIsActive reports whether the stream exists and accepts records.
	StreamIsActive(ctx context.Context, name string) (bool, error)
	// DeleteStream removes the stream. Deleting a missing stream is not an error.
	DeleteStream(ctx context.Context, name string) error
}
