package clock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrCounterOverflow = errors.New("clock: counter overflow")
	ErrClockRegression = errors.New("clock: counter regression")
)

const stateFile = "clock.state"

// Source provides the starting counter of a clock and persists reservations.
type Source interface {
	// Load returns the counter the clock must start from.
	Load() (uint64, error)
	// Reserve records that counters up to ceiling may be issued.
	Reserve(ceiling uint64) error
}

// FileSource persists the reserved ceiling in dir/clock.state.
// File layout: ceiling (8 bytes LE) | crc32 of ceiling (4 bytes LE).
type FileSource struct {
	mu   sync.Mutex
	path string
	last uint64
}

func NewFileSource(dir string) (*FileSource, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty clock dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create clock directory: %w", err)
	}
	return &FileSource{path: filepath.Join(dir, stateFile)}, nil
}

func (fs *FileSource) Load() (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read clock state: %w", err)
	}
	if len(data) != 12 {
		return 0, fmt.Errorf("%w: clock state has %d bytes", ErrClockRegression, len(data))
	}

	ceiling := binary.LittleEndian.Uint64(data[:8])
	if crc32.ChecksumIEEE(data[:8]) != binary.LittleEndian.Uint32(data[8:]) {
		return 0, fmt.Errorf("%w: clock state checksum mismatch", ErrClockRegression)
	}
	fs.last = ceiling

	return ceiling, nil
}

func (fs *FileSource) Reserve(ceiling uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if ceiling < fs.last {
		return fmt.Errorf("%w: reserve %d below %d", ErrClockRegression, ceiling, fs.last)
	}

	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[:8], ceiling)
	binary.LittleEndian.PutUint32(buf[8:], crc32.ChecksumIEEE(buf[:8]))

	tmp := fs.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open clock state: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("write clock state: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync clock state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close clock state: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("rename clock state: %w", err)
	}
	fs.last = ceiling

	return nil
}

// WallSource seeds the counter from wall-clock microseconds. Nothing is persisted, so
// counters observed from peers ahead of the host clock are lost on restart; it is only
// fit for a node without peers.
type WallSource struct {
	tp iTimeProvider
}

func NewWallSource() *WallSource {
	return &WallSource{tp: wallTime{}}
}

func (ws *WallSource) Load() (uint64, error) {
	us := ws.tp.Now().UnixMicro()
	if us <= 0 {
		return 0, fmt.Errorf("%w: wall clock before epoch", ErrClockRegression)
	}
	return uint64(us), nil
}

func (ws *WallSource) Reserve(uint64) error { return nil }

// MemorySource starts at a fixed counter and keeps reservations in memory.
type MemorySource struct {
	mu      sync.Mutex
	Start   uint64
	Ceiling uint64
}

func (ms *MemorySource) Load() (uint64, error) {
	return ms.Start, nil
}

func (ms *MemorySource) Reserve(ceiling uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.Ceiling = ceiling
	return nil
}

// Frozen is a time provider pinned to one instant; handy for hints in tests and tools.
type Frozen time.Time

func (f Frozen) Now() time.Time { return time.Time(f) }
