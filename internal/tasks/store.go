package tasks

import "time"

// Store defines the persistence contract for tasks. The store exclusively
// owns the authoritative task records and their on-disk layout; collaborators
// receive directory paths and immutable snapshots.
type Store interface {
	// Create allocates an id, initializes the task directory tree, persists
	// the record, and returns a snapshot.
	Create(files []string, opts Options) (*Task, error)
	// Get returns a snapshot, falling back to the durable record on disk
	// when the task is not cached (recovery path).
	Get(id string) (*Task, error)
	// Update applies mutate to the record under the store lock and
	// re-persists synchronously before returning the updated snapshot.
	// Transition legality is the caller's responsibility.
	Update(id string, mutate func(*Task)) (*Task, error)
	// List returns the requested 1-indexed page sorted by CreatedAt
	// descending, plus the total task count. Out-of-range pages yield an
	// empty slice.
	List(page, size int) ([]*Task, int, error)
	// Delete removes the record and its directory tree. Idempotent: a
	// missing task is treated as already deleted.
	Delete(id string) error
	// CleanupExpired deletes tasks whose CreatedAt precedes now-maxAge.
	// Corrupt metadata is logged and skipped. Returns the number deleted.
	CleanupExpired(maxAge time.Duration) int

	// Directory layout accessors.
	Dir(id string) string
	UploadDir(id string) string
	NpmDir(id string) string
	PypiDir(id string) string
	ArchivePath(id string) string
}
