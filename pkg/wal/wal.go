package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const (
	fileName = "replog.wal"
	magic    = "GCWAL1"

	flagTombstone uint64 = 1 << 0

	// seq, meta, counter, wall hint, expires at
	fixedSize = 8 * 5
)

var (
	ErrCorruptHeader = errors.New("wal: corrupt header")
	ErrChecksum      = errors.New("wal: checksum mismatch")
	errClosed        = errors.New("wal: closed")
)

// Entry is one journaled mutation record.
type Entry struct {
	SeqNum    uint64
	Meta      uint64
	Counter   uint64
	WallHint  int64
	ExpiresAt int64
	Region    []byte
	Key       []byte
	Type      []byte
	Value     []byte
}

func (e Entry) Tombstone() bool {
	return e.Meta&flagTombstone != 0
}

func (e *Entry) SetTombstone(v bool) {
	if v {
		e.Meta |= flagTombstone
	} else {
		e.Meta &^= flagTombstone
	}
}

// WAL is an append-only journal of replication records.
// File layout: magic | incarnation (16 bytes) | records.
// Record layout: body length (4) | crc32 of body (4) | body.
type WAL struct {
	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	filePath    string
	incarnation uuid.UUID
}

// New opens the journal in dir, creating it with a fresh incarnation if it does not exist.
func New(dir string) (*WAL, error) {
	// Ensure directory is a clean path and create with restrictive permissions
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{file: file, filePath: filePath}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}
	if info.Size() == 0 {
		w.incarnation = uuid.New()
		if err := writeHeader(file, w.incarnation); err != nil {
			_ = file.Close()
			return nil, err
		}
	} else {
		if w.incarnation, err = readHeader(file); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}
	w.writer = bufio.NewWriter(file)

	return w, nil
}

func (w *WAL) Incarnation() uuid.UUID {
	return w.incarnation
}

// Append writes the entry and syncs it to disk before returning.
func (w *WAL) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errClosed
	}
	if err := writeEntry(w.writer, entry); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Replay calls callback for every entry with SeqNum >= start. A torn record at the tail
// (crash in the middle of a write) ends the replay and is cut off the file.
func (w *WAL) Replay(start uint64, callback func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before replay: %w", err)
	}

	// Open file for reading
	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	if _, err := readHeader(file); err != nil {
		return err
	}

	reader := bufio.NewReader(file)
	offset := int64(len(magic) + 16)

	for {
		entry, n, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrChecksum) {
				slog.Warn("truncating torn WAL tail", "offset", offset, "error", err)
				if terr := w.file.Truncate(offset); terr != nil {
					return fmt.Errorf("failed to truncate WAL: %w", terr)
				}
				if _, serr := w.file.Seek(offset, io.SeekStart); serr != nil {
					return fmt.Errorf("failed to seek WAL: %w", serr)
				}
				w.writer.Reset(w.file)
				break
			}
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}
		offset += n

		if entry.SeqNum < start {
			continue
		}
		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}

	return nil
}

// Rewrite replaces the journal content with entries, keeping the incarnation.
// It is used to drop the prefix every peer has acknowledged.
func (w *WAL) Rewrite(entries []Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errClosed
	}

	tmpPath := w.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create WAL rewrite file: %w", err)
	}

	if err := writeHeader(tmp, w.incarnation); err != nil {
		_ = tmp.Close()
		return err
	}
	bw := bufio.NewWriter(tmp)
	for _, e := range entries {
		if err := writeEntry(bw, e); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write WAL entry: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush WAL rewrite: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync WAL rewrite: %w", err)
	}
	if err := os.Rename(tmpPath, w.filePath); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to replace WAL: %w", err)
	}

	if err := w.file.Close(); err != nil {
		slog.Warn("failed to close old WAL file", "error", err)
	}
	if _, err := tmp.Seek(0, io.SeekEnd); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to seek WAL: %w", err)
	}
	w.file = tmp
	w.writer = bufio.NewWriter(tmp)

	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

func writeHeader(f *os.File, id uuid.UUID) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAL: %w", err)
	}
	buf := append([]byte(magic), id[:]...)
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write WAL header: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL header: %w", err)
	}
	return nil
}

func readHeader(r io.ReadSeeker) (uuid.UUID, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return uuid.Nil, fmt.Errorf("failed to seek WAL: %w", err)
	}
	buf := make([]byte, len(magic)+16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	if string(buf[:len(magic)]) != magic {
		return uuid.Nil, ErrCorruptHeader
	}
	id, err := uuid.FromBytes(buf[len(magic):])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	return id, nil
}

// writeEntry writes a single entry to the WAL
func writeEntry(w io.Writer, entry Entry) error {
	var body bytes.Buffer

	for _, v := range []uint64{entry.SeqNum, entry.Meta, entry.Counter, uint64(entry.WallHint), uint64(entry.ExpiresAt)} {
		if err := binary.Write(&body, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, field := range [][]byte{entry.Region, entry.Key, entry.Type, entry.Value} {
		// ensure the length fits into uint32
		if len(field) > math.MaxUint32 {
			return fmt.Errorf("field too large: %d", len(field))
		}
		if err := binary.Write(&body, binary.LittleEndian, uint32(len(field))); err != nil {
			return err
		}
		body.Write(field)
	}

	if body.Len() > math.MaxUint32 {
		return fmt.Errorf("entry too large: %d", body.Len())
	}
	head := make([]byte, 8)
	binary.LittleEndian.PutUint32(head[:4], uint32(body.Len()))
	binary.LittleEndian.PutUint32(head[4:], crc32.ChecksumIEEE(body.Bytes()))

	if _, err := w.Write(head); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// readEntry reads a single entry from the WAL and returns its size on disk.
func readEntry(reader *bufio.Reader) (Entry, int64, error) {
	var entry Entry

	head := make([]byte, 8)
	if _, err := io.ReadFull(reader, head); err != nil {
		return entry, 0, err
	}
	size := binary.LittleEndian.Uint32(head[:4])
	sum := binary.LittleEndian.Uint32(head[4:])

	body := make([]byte, size)
	if _, err := io.ReadFull(reader, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return entry, 0, err
	}
	if crc32.ChecksumIEEE(body) != sum {
		return entry, 0, ErrChecksum
	}
	if len(body) < fixedSize {
		return entry, 0, ErrChecksum
	}

	entry.SeqNum = binary.LittleEndian.Uint64(body[0:])
	entry.Meta = binary.LittleEndian.Uint64(body[8:])
	entry.Counter = binary.LittleEndian.Uint64(body[16:])
	entry.WallHint = int64(binary.LittleEndian.Uint64(body[24:]))
	entry.ExpiresAt = int64(binary.LittleEndian.Uint64(body[32:]))

	rest := body[fixedSize:]
	fields := make([][]byte, 4)
	for i := range fields {
		if len(rest) < 4 {
			return entry, 0, ErrChecksum
		}
		n := binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
		if uint64(len(rest)) < uint64(n) {
			return entry, 0, ErrChecksum
		}
		fields[i] = append([]byte(nil), rest[:n]...)
		rest = rest[n:]
	}
	entry.Region, entry.Key, entry.Type, entry.Value = fields[0], fields[1], fields[2], fields[3]

	return entry, int64(len(head)) + int64(size), nil
}
