package serverbox

import "context"

// MetadataStore is the durable key -> Record mapping. The reference
// implementation lives in store/sqlite; any implementation must be
// crash-safe at per-operation granularity and must return records in
// createdAt-descending order from List.
type MetadataStore interface {
	// Get returns the record for id, or (Record{}, false, nil) if absent.
	Get(ctx context.Context, id string) (Record, bool, error)
	// Set upserts a record.
	Set(ctx context.Context, rec Record) error
	// List returns all records ordered by CreatedAt descending.
	List(ctx context.Context) ([]Record, error)
	// Delete removes a record. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error
	// Close releases underlying resources.
	Close() error
}
