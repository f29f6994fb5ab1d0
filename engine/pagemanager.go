package engine

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/aplsdb/apls/common"
	"golang.org/x/sys/unix"
)

// pageManager owns the single backing data file: superblock management,
// raw page I/O, and crash-consistent allocation (spec.md §4.1).
type pageManager struct {
	file           *os.File
	pageSize       uint32
	numPages       uint64 // allocated pages, including page 0
	validateOnRead bool
	locked         bool

	mu sync.Mutex // guards numPages: allocation and file extension
}

// openPageManager opens or creates the data file in dir. A new file is
// initialized with a zero-root superblock; an existing file is validated
// per spec.md §4.1 ("Open").
func openPageManager(dir string, cfg Config) (*pageManager, error) {
	path := filepath.Join(dir, dataFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.NewErrorf(common.KindIO, "pagemanager", err, "open data file %s", path)
	}

	// Advisory exclusive lock enforcing the single-writer-instance
	// discipline of spec.md §5: two Engine instances must not share a data
	// file (SPEC_FULL.md §3, grounded on sirgallo-mari's use of
	// golang.org/x/sys for low-level file operations).
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, common.NewErrorf(common.KindIO, "pagemanager", err, "data file %s is already locked by another engine instance", path)
	}

	pm := &pageManager{file: f, pageSize: cfg.PageSize, validateOnRead: cfg.ValidateChecksumsOnRead, locked: true}

	info, err := f.Stat()
	if err != nil {
		pm.Close()
		return nil, common.NewErrorf(common.KindIO, "pagemanager", err, "stat data file")
	}

	if info.Size() == 0 {
		if err := pm.initNewFile(); err != nil {
			pm.Close()
			return nil, err
		}
		return pm, nil
	}

	if err := pm.validateExistingFile(info.Size()); err != nil {
		pm.Close()
		return nil, err
	}
	return pm, nil
}

func (pm *pageManager) initNewFile() error {
	if err := pm.file.Truncate(int64(pm.pageSize)); err != nil {
		return common.NewErrorf(common.KindIO, "pagemanager", err, "truncate new data file")
	}
	pm.numPages = 1
	sb := &superblock{magic: superblockMagic, formatVersion: superblockFormatV1, pageSize: uint16(pm.pageSize)}
	if err := pm.writeSuperblockRaw(sb); err != nil {
		return err
	}
	return pm.Flush()
}

func (pm *pageManager) validateExistingFile(size int64) error {
	if size < int64(pm.pageSize) {
		return common.NewErrorf(common.KindValidation, "pagemanager", nil, "data file shorter than one page")
	}
	if size%int64(pm.pageSize) != 0 {
		return common.NewErrorf(common.KindValidation, "pagemanager", nil, "data file length %d not a multiple of page size %d", size, pm.pageSize)
	}
	buf := make([]byte, pm.pageSize)
	if _, err := pm.file.ReadAt(buf, 0); err != nil {
		return common.NewErrorf(common.KindIO, "pagemanager", err, "read superblock")
	}
	sb, err := decodeSuperblock(buf)
	if err != nil {
		return err
	}
	if uint32(sb.pageSize) != pm.pageSize {
		return common.NewErrorf(common.KindValidation, "pagemanager", nil, "superblock page size %d does not match configured %d", sb.pageSize, pm.pageSize)
	}
	pm.numPages = uint64(size) / uint64(pm.pageSize)
	return nil
}

// ReadPage copies page id's bytes into a fresh page object. id 0 (the
// superblock) is not readable through this path; use ReadSuperblock.
func (pm *pageManager) ReadPage(id uint64) (*page, error) {
	if id < 1 {
		return nil, common.NewError(common.KindValidation, "pagemanager", int64(id), "page id must be >= 1", nil)
	}
	pm.mu.Lock()
	numPages := pm.numPages
	pm.mu.Unlock()
	if id >= numPages {
		return nil, common.NewError(common.KindValidation, "pagemanager", int64(id), "page id beyond allocated range", nil)
	}

	buf := make([]byte, pm.pageSize)
	if _, err := pm.file.ReadAt(buf, int64(id)*int64(pm.pageSize)); err != nil {
		return nil, common.NewError(common.KindIO, "pagemanager", int64(id), "read page", err)
	}
	p := loadPage(id, buf)
	if pm.validateOnRead && !p.VerifyCRC() {
		return nil, common.NewError(common.KindCorruption, "pagemanager", int64(id), "page CRC mismatch", nil)
	}
	return p, nil
}

// WritePage writes p's bytes at its file offset, extending the file (and
// raising the allocation watermark) if the page lies beyond current
// allocation — the path WAL replay uses to restore pages a crash never
// flushed through normal allocation.
func (pm *pageManager) WritePage(p *page) error {
	if p.ID() < 1 {
		return common.NewError(common.KindValidation, "pagemanager", int64(p.ID()), "page id must be >= 1", nil)
	}
	pm.mu.Lock()
	if p.ID() >= pm.numPages {
		if err := pm.file.Truncate(int64(p.ID()+1) * int64(pm.pageSize)); err != nil {
			pm.mu.Unlock()
			return common.NewError(common.KindIO, "pagemanager", int64(p.ID()), "extend data file", err)
		}
		pm.numPages = p.ID() + 1
	}
	pm.mu.Unlock()

	if _, err := pm.file.WriteAt(p.Bytes(), int64(p.ID())*int64(pm.pageSize)); err != nil {
		return common.NewError(common.KindIO, "pagemanager", int64(p.ID()), "write page", err)
	}
	return nil
}

// AllocatePage returns a fresh, zero-initialized page id and extends the
// file to cover it. Thread-safe against concurrent allocation.
func (pm *pageManager) AllocatePage() (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	id := pm.numPages
	if err := pm.file.Truncate(int64(id+1) * int64(pm.pageSize)); err != nil {
		return 0, common.NewError(common.KindIO, "pagemanager", int64(id), "extend data file for allocation", err)
	}
	pm.numPages = id + 1
	return id, nil
}

// ReadSuperblock reads and validates page 0.
func (pm *pageManager) ReadSuperblock() (*superblock, error) {
	buf := make([]byte, pm.pageSize)
	if _, err := pm.file.ReadAt(buf, 0); err != nil {
		return nil, common.NewErrorf(common.KindIO, "pagemanager", err, "read superblock")
	}
	return decodeSuperblock(buf)
}

func (pm *pageManager) writeSuperblockRaw(sb *superblock) error {
	buf := encodeSuperblock(sb, pm.pageSize)
	_, err := pm.file.WriteAt(buf, 0)
	if err != nil {
		return common.NewErrorf(common.KindIO, "pagemanager", err, "write superblock")
	}
	return nil
}

// WriteSuperblock persists root/generation/entryCount and flushes the data
// file to stable storage (spec.md §4.1: "atomic in the sense that the
// write is followed by a flush-to-disk").
func (pm *pageManager) WriteSuperblock(root, generation, entryCount int64) error {
	sb := &superblock{
		magic:         superblockMagic,
		formatVersion: superblockFormatV1,
		pageSize:      uint16(pm.pageSize),
		rootPageID:    root,
		generation:    generation,
		entryCount:    entryCount,
	}
	if err := pm.writeSuperblockRaw(sb); err != nil {
		return err
	}
	return pm.Flush()
}

// Flush flushes the data file to stable storage.
func (pm *pageManager) Flush() error {
	if err := pm.file.Sync(); err != nil {
		return common.NewErrorf(common.KindIO, "pagemanager", err, "flush data file")
	}
	return nil
}

func (pm *pageManager) Close() error {
	if pm.locked {
		_ = unix.Flock(int(pm.file.Fd()), unix.LOCK_UN)
	}
	if err := pm.file.Close(); err != nil {
		return common.NewErrorf(common.KindIO, "pagemanager", err, "close data file")
	}
	return nil
}
