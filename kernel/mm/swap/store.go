package swap

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

var (
	errRecordTooLarge = &kernel.Error{Module: "swap", Message: "record does not fit in a swap slot", Kind: kernel.KindInvalid}
	errBadSlot        = &kernel.Error{Module: "swap", Message: "swap slot out of range", Kind: kernel.KindInvalid}
	errEmptySlot      = &kernel.Error{Module: "swap", Message: "swap slot holds no record", Kind: kernel.KindIO}
	errReadTimeout    = &kernel.Error{Module: "swap", Message: "timed out reading swap slot", Kind: kernel.KindIO}
	errStoreIO        = &kernel.Error{Module: "swap", Message: "backing store I/O failed", Kind: kernel.KindIO}
)

// Backing is the storage that holds evicted page records. Slots are
// numbered from 0 to Slots()-1; the engine allocates them.
type Backing interface {
	// Slots returns the number of records the store can hold.
	Slots() int

	// SlotSize returns the largest record a slot can hold.
	SlotSize() int

	// Write stores record in slot.
	Write(slot int, record []byte) error

	// Read returns the record stored in slot.
	Read(slot int) ([]byte, error)

	// Discard forgets the record stored in slot.
	Discard(slot int)
}

// MemStore keeps records in memory.
type MemStore struct {
	lock     sync.Spinlock
	slotSize int
	records  [][]byte
}

// NewMemStore returns an in-memory store with the given number of slots.
func NewMemStore(slots, slotSize int) *MemStore {
	return &MemStore{slotSize: slotSize, records: make([][]byte, slots)}
}

// Slots implements Backing.
func (s *MemStore) Slots() int { return len(s.records) }

// SlotSize implements Backing.
func (s *MemStore) SlotSize() int { return s.slotSize }

// Write implements Backing.
func (s *MemStore) Write(slot int, record []byte) error {
	if err := checkSlot(s, slot, record); err != nil {
		return err
	}

	s.lock.Acquire()
	s.records[slot] = append([]byte(nil), record...)
	s.lock.Release()
	return nil
}

// Read implements Backing.
func (s *MemStore) Read(slot int) ([]byte, error) {
	if slot < 0 || slot >= len(s.records) {
		return nil, errBadSlot
	}

	s.lock.Acquire()
	defer s.lock.Release()

	if s.records[slot] == nil {
		return nil, errors.Wrapf(errEmptySlot, "slot %d", slot)
	}
	return s.records[slot], nil
}

// Discard implements Backing.
func (s *MemStore) Discard(slot int) {
	if slot < 0 || slot >= len(s.records) {
		return
	}

	s.lock.Acquire()
	s.records[slot] = nil
	s.lock.Release()
}

func checkSlot(b Backing, slot int, record []byte) error {
	switch {
	case slot < 0 || slot >= b.Slots():
		return errBadSlot
	case len(record) > b.SlotSize():
		return errors.Wrapf(errRecordTooLarge, "%d bytes", len(record))
	}
	return nil
}

// slotHeaderSize is the size of the length prefix of a file slot.
const slotHeaderSize = 4

// FileStore keeps records in fixed-size slots of a file. Each slot starts
// with the little-endian length of its record; a zero length marks an empty
// slot.
type FileStore struct {
	f           *os.File
	slots       int
	slotSize    int
	readTimeout time.Duration

	// read performs the slot read that readTimeout bounds.
	read func(slot int) ([]byte, error)
}

// NewFileStore creates (or truncates) the file at path and sizes it to hold
// the given number of slots. Reads that take longer than readTimeout fail
// with a KindIO error; a zero timeout waits forever.
func NewFileStore(path string, slots, slotSize int, readTimeout time.Duration) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(errStoreIO, "open %s: %v", path, err)
	}

	if err = f.Truncate(int64(slots) * int64(slotHeaderSize+slotSize)); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(errStoreIO, "size %s: %v", path, err)
	}

	s := &FileStore{f: f, slots: slots, slotSize: slotSize, readTimeout: readTimeout}
	s.read = s.readSlot
	return s, nil
}

// Slots implements Backing.
func (s *FileStore) Slots() int { return s.slots }

// SlotSize implements Backing.
func (s *FileStore) SlotSize() int { return s.slotSize }

func (s *FileStore) offset(slot int) int64 {
	return int64(slot) * int64(slotHeaderSize+s.slotSize)
}

// Write implements Backing.
func (s *FileStore) Write(slot int, record []byte) error {
	if err := checkSlot(s, slot, record); err != nil {
		return err
	}

	buf := make([]byte, slotHeaderSize+len(record))
	binary.LittleEndian.PutUint32(buf, uint32(len(record)))
	copy(buf[slotHeaderSize:], record)

	if _, err := s.f.WriteAt(buf, s.offset(slot)); err != nil {
		return errors.Wrapf(errStoreIO, "write slot %d: %v", slot, err)
	}
	return nil
}

type readResult struct {
	record []byte
	err    error
}

// Read implements Backing.
func (s *FileStore) Read(slot int) ([]byte, error) {
	if slot < 0 || slot >= s.slots {
		return nil, errBadSlot
	}

	if s.readTimeout <= 0 {
		return s.read(slot)
	}

	done := make(chan readResult, 1)
	go func() {
		record, err := s.read(slot)
		done <- readResult{record: record, err: err}
	}()

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.record, res.err
	case <-timer.C:
		return nil, errors.Wrapf(errReadTimeout, "slot %d after %s", slot, s.readTimeout)
	}
}

func (s *FileStore) readSlot(slot int) ([]byte, error) {
	var header [slotHeaderSize]byte
	if _, err := s.f.ReadAt(header[:], s.offset(slot)); err != nil {
		return nil, errors.Wrapf(errStoreIO, "read slot %d: %v", slot, err)
	}

	n := int(binary.LittleEndian.Uint32(header[:]))
	switch {
	case n == 0:
		return nil, errors.Wrapf(errEmptySlot, "slot %d", slot)
	case n > s.slotSize:
		return nil, errors.Wrapf(errCorruptRecord, "slot %d length %d", slot, n)
	}

	record := make([]byte, n)
	if _, err := s.f.ReadAt(record, s.offset(slot)+slotHeaderSize); err != nil {
		return nil, errors.Wrapf(errStoreIO, "read slot %d: %v", slot, err)
	}
	return record, nil
}

// Discard implements Backing.
func (s *FileStore) Discard(slot int) {
	if slot < 0 || slot >= s.slots {
		return
	}

	var header [slotHeaderSize]byte
	if _, err := s.f.WriteAt(header[:], s.offset(slot)); err != nil {
		log.Warnf("unable to discard swap slot %d: %v", slot, err)
	}
}

// Close closes the backing file.
func (s *FileStore) Close() error {
	return s.f.Close()
}
