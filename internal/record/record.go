// Package record implements the sender's record source and the
// receiver's record sink: the file I/O collaborators the core engines
// consume through a narrow indexed interface, per the base spec's
// "out of scope, treated as external collaborators" boundary. Both
// implementations keep the whole file in memory (T*R bytes), the
// deliberate simplification the base spec calls out; the interfaces
// exist so a disk-backed store could replace them without touching
// the engines.
package record

import (
	"fmt"
	"os"
)

// Source is an indexed record reader plus the total file size it was
// built from.
type Source interface {
	FileSize() uint64
	RecordSize() int
	RecordCount() uint32
	// Record returns the exact RecordSize() bytes for record index i
	// (1-indexed), zero-padded for the final, possibly short, record.
	Record(i uint32) ([]byte, error)
}

// Sink is an indexed record writer with a final flush.
type Sink interface {
	FileSize() uint64
	RecordSize() int
	RecordCount() uint32
	// Write stores data (exactly RecordSize() bytes) at record index i
	// (1-indexed). A second write to an already-written index
	// overwrites the stored payload.
	Write(i uint32, data []byte) error
	// Received reports whether record i has been written at least
	// once.
	Received(i uint32) bool
	// Flush writes records 1..RecordCount() to path in order,
	// truncating the final record to its true length. It fails with
	// ErrIncomplete if any record has not been received.
	Flush(path string) error
}

// ErrIncomplete is returned by Sink.Flush when not every record has
// been received.
var ErrIncomplete = fmt.Errorf("record: transfer incomplete")

// RecordCount computes T = ceil(fileSize / recordSize), the shared
// formula both the source and the sink use to size their buffers.
func RecordCount(fileSize uint64, recordSize int) uint32 {
	return uint32((fileSize + uint64(recordSize) - 1) / uint64(recordSize))
}

// LastRecordLen returns the number of real file bytes in the final
// record (the remainder after full records, or the full record size
// when fileSize is an exact multiple).
func LastRecordLen(fileSize uint64, recordSize int) int {
	remainder := fileSize % uint64(recordSize)
	if remainder == 0 {
		if fileSize == 0 {
			return 0
		}
		return recordSize
	}
	return int(remainder)
}

// FileSource loads an entire file into memory as fixed-size,
// zero-padded records, mirroring original_source/sender.cpp's
// load_file.
type FileSource struct {
	fileSize   uint64
	recordSize int
	records    [][]byte
}

// NewFileSource reads path fully into memory and slices it into
// recordSize-byte records.
func NewFileSource(path string, recordSize int) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	total := RecordCount(uint64(len(data)), recordSize)
	records := make([][]byte, total)
	for i := uint32(0); i < total; i++ {
		rec := make([]byte, recordSize)
		start := int(i) * recordSize
		end := start + recordSize
		if end > len(data) {
			end = len(data)
		}
		copy(rec, data[start:end])
		records[i] = rec
	}
	return &FileSource{fileSize: uint64(len(data)), recordSize: recordSize, records: records}, nil
}

// FileSize implements Source.
func (s *FileSource) FileSize() uint64 { return s.fileSize }

// RecordSize implements Source.
func (s *FileSource) RecordSize() int { return s.recordSize }

// RecordCount implements Source.
func (s *FileSource) RecordCount() uint32 { return uint32(len(s.records)) }

// Record implements Source.
func (s *FileSource) Record(i uint32) ([]byte, error) {
	if i < 1 || i > uint32(len(s.records)) {
		return nil, fmt.Errorf("record: index %d out of range [1,%d]", i, len(s.records))
	}
	return s.records[i-1], nil
}

// MemorySink accumulates received records in memory and flushes them
// to disk once the transfer completes, mirroring
// original_source/receiver.cpp's received_records/record_buffer pair.
type MemorySink struct {
	fileSize   uint64
	recordSize int
	received   []bool
	payload    [][]byte
}

// NewMemorySink allocates a sink sized for a transfer of fileSize
// bytes at recordSize bytes per record.
func NewMemorySink(fileSize uint64, recordSize int) *MemorySink {
	total := RecordCount(fileSize, recordSize)
	return &MemorySink{
		fileSize:   fileSize,
		recordSize: recordSize,
		received:   make([]bool, total+1),
		payload:    make([][]byte, total+1),
	}
}

// FileSize implements Sink.
func (s *MemorySink) FileSize() uint64 { return s.fileSize }

// RecordSize implements Sink.
func (s *MemorySink) RecordSize() int { return s.recordSize }

// RecordCount implements Sink.
func (s *MemorySink) RecordCount() uint32 { return uint32(len(s.received) - 1) }

// Write implements Sink.
func (s *MemorySink) Write(i uint32, data []byte) error {
	if i < 1 || i >= uint32(len(s.received)) {
		return nil // out-of-range indices are silently discarded, per base spec §4.5
	}
	if len(data) != s.recordSize {
		return fmt.Errorf("record: write to index %d has length %d, want %d", i, len(data), s.recordSize)
	}
	buf := make([]byte, s.recordSize)
	copy(buf, data)
	s.payload[i] = buf
	s.received[i] = true
	return nil
}

// Received implements Sink.
func (s *MemorySink) Received(i uint32) bool {
	if i < 1 || i >= uint32(len(s.received)) {
		return false
	}
	return s.received[i]
}

// Flush implements Sink.
func (s *MemorySink) Flush(path string) error {
	total := s.RecordCount()
	for i := uint32(1); i <= total; i++ {
		if !s.received[i] {
			return ErrIncomplete
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for i := uint32(1); i <= total; i++ {
		n := s.recordSize
		if i == total {
			n = LastRecordLen(s.fileSize, s.recordSize)
		}
		if _, err := f.Write(s.payload[i][:n]); err != nil {
			return err
		}
	}
	return nil
}
