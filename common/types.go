package common

// Engine is the narrow surface the typed document store above this engine
// consumes (spec.md §4.5, §6). The engine speaks bytes in, bytes out; it
// neither parses nor validates value bytes.
type Engine interface {
	// Put inserts or updates a single (key, value) pair.
	Put(key, value []byte) error

	// Get returns the bytes stored at key, or common.ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Delete removes the key if present. Deleting an absent key is a no-op.
	Delete(key []byte) error

	// Scan produces an ordered iterator over every live (key, value) pair.
	Scan() (Iterator, error)

	// Range produces an ordered iterator over [start, end], inclusive.
	Range(start, end []byte) (Iterator, error)

	// Count returns the current live entry count.
	Count() int64

	// Checkpoint truncates the write-ahead log once its records are known
	// to be reflected in the data file.
	Checkpoint() error

	// Close flushes pending work and releases resources.
	Close() error
}

// Iterator walks an ordered sequence of (key, value) pairs. Copy Key/Value
// before calling Next again if the slice must outlive the call.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// KVPair is a materialized (key, value) pair, used where a caller wants a
// slice rather than an iterator (e.g. test fixtures).
type KVPair struct {
	Key   []byte
	Value []byte
}

// Stats reports point-in-time engine statistics (SPEC_FULL.md §4).
type Stats struct {
	NumKeys     int64
	NumPages    uint64
	Generation  int64
	CacheHits   int64
	CacheMisses int64
	Evictions   int64
	WALBytes    int64
}
