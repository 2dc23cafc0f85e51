package spill

import (
	"fmt"
)

// Location addresses one block previously written to a Store.
type Location struct {
	Key     string // Buffer key the block belongs to
	Segment int    // Segment file index (FileStore) or 0
	Offset  int64  // Byte offset (FileStore) or row sequence (SQLiteStore)
	Length  int64  // Stored length in bytes
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%d@%d+%d", l.Key, l.Segment, l.Offset, l.Length)
}

// Store is secondary storage for serialized batches.
//
// Implementations must be safe for concurrent use and must not hold an
// internal lock while performing I/O, so one slow or failing write never
// blocks unrelated keys.
type Store interface {
	// Write persists data under key and returns where it was stored.
	// Fails with a ResourceExhausted failure when the capacity ceiling
	// would be exceeded and with IOFailure on storage errors.
	Write(key string, data []byte) (Location, error)

	// Read returns exactly the bytes written at loc.
	Read(loc Location) ([]byte, error)

	// Drop discards everything stored under key. Dropping an unknown key
	// is not an error.
	Drop(key string) error

	// Used reports the bytes currently held.
	Used() int64

	// Close releases all resources and discards stored data.
	Close() error
}
