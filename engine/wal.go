package engine

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/aplsdb/apls/common"
	"github.com/rs/zerolog"
)

const (
	walRecPageImage = 1
	walRecCommit    = 2

	// Page-image record: type(1) + page_id(8) + data_len(4) + data(pageSize) + crc(4)
	walPageImageFixedSize = 1 + 8 + 4 + 4 // everything but the page payload
	// Commit record: type(1) + root(8) + generation(8) + entry_count(8) + crc(4), crc over preceding 25 bytes
	walCommitSize = 1 + 8 + 8 + 8 + 4
)

// pageImage is one recovered or pending WAL page-image record.
type pageImage struct {
	pageID uint64
	data   []byte
}

// commitRecord is a recovered WAL commit record.
type commitRecord struct {
	root       int64
	generation int64
	entryCount int64
}

// walManager appends page-image and commit records ahead of data-file
// writes, and replays them on Open to recover from a crash (spec.md §4.4).
type walManager struct {
	file     *os.File
	pageSize uint32
	fsync    bool

	mu sync.Mutex
}

func openWALManager(dir string, cfg Config) (*walManager, error) {
	path := filepath.Join(dir, walFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.NewErrorf(common.KindIO, "wal", err, "open WAL file %s", path)
	}
	return &walManager{file: f, pageSize: cfg.PageSize, fsync: cfg.FsyncOnCommit}, nil
}

// WritePageImage appends a page-image record. Not flushed; durability is
// established only by the following Commit.
func (w *walManager) WritePageImage(id uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := make([]byte, walPageImageFixedSize-4+len(data)+4)
	rec[0] = walRecPageImage
	binary.LittleEndian.PutUint64(rec[1:], id)
	binary.LittleEndian.PutUint32(rec[9:], uint32(len(data)))
	copy(rec[13:], data)
	crc := crcChecksum(rec[:13+len(data)])
	binary.LittleEndian.PutUint32(rec[13+len(data):], crc)

	if _, err := w.file.Write(rec); err != nil {
		return common.NewError(common.KindIO, "wal", int64(id), "append page-image record", err)
	}
	return nil
}

// Commit appends the commit record and, when configured, flushes the WAL to
// stable storage. Only after this returns is the logical operation durable.
func (w *walManager) Commit(root, generation, entryCount int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := make([]byte, walCommitSize)
	rec[0] = walRecCommit
	binary.LittleEndian.PutUint64(rec[1:], uint64(root))
	binary.LittleEndian.PutUint64(rec[9:], uint64(generation))
	binary.LittleEndian.PutUint64(rec[17:], uint64(entryCount))
	crc := crcChecksum(rec[:25])
	binary.LittleEndian.PutUint32(rec[25:], crc)

	if _, err := w.file.Write(rec); err != nil {
		return common.NewErrorf(common.KindIO, "wal", err, "append commit record")
	}
	if w.fsync {
		if err := w.file.Sync(); err != nil {
			return common.NewErrorf(common.KindIO, "wal", err, "flush WAL on commit")
		}
	}
	return nil
}

// Checkpoint truncates the WAL to zero length and flushes it. Safe because
// normal writes always reach the data file before the next commit returns.
func (w *walManager) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return common.NewErrorf(common.KindIO, "wal", err, "truncate WAL")
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return common.NewErrorf(common.KindIO, "wal", err, "seek WAL to start")
	}
	if err := w.file.Sync(); err != nil {
		return common.NewErrorf(common.KindIO, "wal", err, "flush WAL after checkpoint")
	}
	return nil
}

func (w *walManager) Close() error {
	if err := w.file.Close(); err != nil {
		return common.NewErrorf(common.KindIO, "wal", err, "close WAL file")
	}
	return nil
}

// recoverWAL scans the WAL from the start, accumulating page images and
// applying them to the data file on each well-formed commit record. It
// stops at the first corrupt or truncated record (spec.md §4.4 "Recovery"),
// discarding everything from that point on as an uncommitted tail. After the
// scan it truncates the WAL, matching the "WAL is advisory after commit"
// rule: whatever was durably committed is now also in the data file.
func recoverWAL(w *walManager, pm *pageManager, logger zerolog.Logger) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return common.NewErrorf(common.KindIO, "wal", err, "seek WAL for recovery")
	}
	r := io.Reader(w.file)

	var pending []pageImage
	var committed int

	for {
		typeBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, typeBuf); err != nil {
			break // clean EOF or short read: stop, tail absent or discarded
		}
		switch typeBuf[0] {
		case walRecPageImage:
			img, ok := readPageImageBody(r)
			if !ok {
				goto doneScanning
			}
			pending = append(pending, img)
		case walRecCommit:
			cr, ok := readCommitBody(r)
			if !ok {
				goto doneScanning
			}
			if err := applyRecoveredCommit(pm, pending, cr); err != nil {
				return err
			}
			committed++
			pending = nil
		default:
			goto doneScanning
		}
	}
doneScanning:
	if len(pending) > 0 {
		logger.Warn().Int("discarded_page_images", len(pending)).Msg("WAL tail discarded during recovery")
	}

	if err := w.file.Truncate(0); err != nil {
		return common.NewErrorf(common.KindIO, "wal", err, "truncate WAL after recovery")
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return common.NewErrorf(common.KindIO, "wal", err, "seek WAL to start after recovery")
	}
	return w.file.Sync()
}

func readPageImageBody(r io.Reader) (pageImage, bool) {
	head := make([]byte, 8+4)
	if _, err := io.ReadFull(r, head); err != nil {
		return pageImage{}, false
	}
	id := binary.LittleEndian.Uint64(head[0:])
	dataLen := binary.LittleEndian.Uint32(head[8:])
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return pageImage{}, false
	}
	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		return pageImage{}, false
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf)

	full := make([]byte, 1+len(head)+len(data))
	full[0] = walRecPageImage
	copy(full[1:], head)
	copy(full[1+len(head):], data)
	if crcChecksum(full) != wantCRC {
		return pageImage{}, false
	}
	return pageImage{pageID: id, data: data}, true
}

func readCommitBody(r io.Reader) (*commitRecord, bool) {
	body := make([]byte, 8+8+8)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, false
	}
	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		return nil, false
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf)

	full := make([]byte, 1+len(body))
	full[0] = walRecCommit
	copy(full[1:], body)
	if crcChecksum(full) != wantCRC {
		return nil, false
	}
	return &commitRecord{
		root:       int64(binary.LittleEndian.Uint64(body[0:])),
		generation: int64(binary.LittleEndian.Uint64(body[8:])),
		entryCount: int64(binary.LittleEndian.Uint64(body[16:])),
	}, true
}

// applyRecoveredCommit writes every accumulated page image to the data
// file, flushes it, and writes the superblock with the commit's state.
func applyRecoveredCommit(pm *pageManager, images []pageImage, cr *commitRecord) error {
	for _, img := range images {
		p := loadPage(img.pageID, append([]byte(nil), img.data...))
		if err := pm.WritePage(p); err != nil {
			return err
		}
	}
	if err := pm.Flush(); err != nil {
		return err
	}
	return pm.WriteSuperblock(cr.root, cr.generation, cr.entryCount)
}
