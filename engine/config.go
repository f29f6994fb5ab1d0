package engine

import (
	"github.com/aplsdb/apls/common"
	"github.com/rs/zerolog"
)

// dataFileName and walFileName are fixed, per spec.md §6 ("Both filenames
// are engine-defined"). Both live in the caller-provided directory.
const (
	dataFileName = "apls.db"
	walFileName  = "apls.wal"
)

// minPageSize is the floor spec.md §6 pins ("must be a power of two >=
// 4096").
const minPageSize = 4096

// Config holds every option spec.md §6 enumerates at Open, plus the
// ambient logger (SPEC_FULL.md §2.2/§2.3).
type Config struct {
	// PageSize must be a power of two >= 4096. Written into the superblock
	// on create; must match on open.
	PageSize uint32

	// MaxCachedPages is the size of the buffer pool, in frames.
	MaxCachedPages int

	// ValidateChecksumsOnRead, when true, validates every page's CRC on
	// read. Disable only for benchmarks.
	ValidateChecksumsOnRead bool

	// FsyncOnCommit, when true (default), flushes the WAL to disk on every
	// commit. When false, durability is weakened but interface semantics
	// are unchanged.
	FsyncOnCommit bool

	// CheckpointThreshold is the number of committed page images since the
	// last checkpoint that triggers an automatic checkpoint.
	CheckpointThreshold int

	// Logger receives structural diagnostic events (engine opened, WAL tail
	// discarded during recovery, background checkpoint failed). Defaults to
	// a no-op logger; never used on per-operation hot paths (SPEC_FULL.md
	// §2.2).
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults for a new or existing engine
// directory.
func DefaultConfig() Config {
	return Config{
		PageSize:                minPageSize,
		MaxCachedPages:          2048,
		ValidateChecksumsOnRead: true,
		FsyncOnCommit:           true,
		CheckpointThreshold:     1000,
		Logger:                  zerolog.Nop(),
	}
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

func (c Config) validate() error {
	if c.PageSize < minPageSize || !isPowerOfTwo(c.PageSize) {
		return common.NewErrorf(common.KindConfig, "engine", nil, "page size %d must be a power of two >= %d", c.PageSize, minPageSize)
	}
	if c.MaxCachedPages <= 0 {
		return common.NewErrorf(common.KindConfig, "engine", nil, "max cached pages must be positive, got %d", c.MaxCachedPages)
	}
	if c.CheckpointThreshold <= 0 {
		return common.NewErrorf(common.KindConfig, "engine", nil, "checkpoint threshold must be positive, got %d", c.CheckpointThreshold)
	}
	return nil
}
