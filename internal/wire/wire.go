// Package wire implements the six-variant frame codec for the blast
// transfer protocol: pure encode/decode functions over byte buffers,
// no I/O. All multi-byte integers are little-endian on the wire
// regardless of host byte order.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies which of the six packet variants a frame carries.
type Tag byte

const (
	TagFileHdr    Tag = 1
	TagFileHdrAck Tag = 2
	TagData       Tag = 3
	TagBlastOver  Tag = 4
	TagRecMiss    Tag = 5
	TagDisconnect Tag = 6
)

const (
	MaxSegmentsPerData = 16
	MaxMissingSegments = 1000
	MaxFrameSize       = 65000
	FilenameFieldSize  = 256
)

// Segment is an inclusive record-index range.
type Segment struct {
	Start uint32
	End   uint32
}

// Len reports the number of record indices covered by the segment.
func (s Segment) Len() uint32 {
	return s.End - s.Start + 1
}

// ErrKind classifies a frame that failed to decode.
type ErrKind int

const (
	ErrTruncated ErrKind = iota
	ErrUnknownTag
	ErrMisaligned
)

func (k ErrKind) String() string {
	switch k {
	case ErrTruncated:
		return "truncated"
	case ErrUnknownTag:
		return "unknown tag"
	case ErrMisaligned:
		return "misaligned payload"
	default:
		return "unknown decode error"
	}
}

// DecodeError reports why a frame was rejected; the caller drops the
// offending datagram and keeps its state machine running.
type DecodeError struct {
	Kind ErrKind
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s", e.Kind)
}

func newDecodeErr(kind ErrKind) error {
	return &DecodeError{Kind: kind}
}

// FileHeader is the FILE_HDR variant.
type FileHeader struct {
	FileSize   uint64
	RecordSize uint16
	BlastSize  uint32
	Filename   string
}

// EncodeFileHeader serializes a FILE_HDR frame. Filenames longer than
// 255 bytes are truncated; the last field byte is always the null
// terminator.
func EncodeFileHeader(h FileHeader) []byte {
	buf := make([]byte, 1+8+2+4+FilenameFieldSize)
	buf[0] = byte(TagFileHdr)
	binary.LittleEndian.PutUint64(buf[1:9], h.FileSize)
	binary.LittleEndian.PutUint16(buf[9:11], h.RecordSize)
	binary.LittleEndian.PutUint32(buf[11:15], h.BlastSize)
	name := h.Filename
	if len(name) > FilenameFieldSize-1 {
		name = name[:FilenameFieldSize-1]
	}
	copy(buf[15:15+FilenameFieldSize-1], name)
	// Last byte of the field stays zero: the guaranteed terminator.
	return buf
}

// DecodeFileHeader parses a FILE_HDR frame.
func DecodeFileHeader(buf []byte) (FileHeader, error) {
	const want = 1 + 8 + 2 + 4 + FilenameFieldSize
	if len(buf) < want {
		return FileHeader{}, newDecodeErr(ErrTruncated)
	}
	if Tag(buf[0]) != TagFileHdr {
		return FileHeader{}, newDecodeErr(ErrUnknownTag)
	}
	h := FileHeader{
		FileSize:   binary.LittleEndian.Uint64(buf[1:9]),
		RecordSize: binary.LittleEndian.Uint16(buf[9:11]),
		BlastSize:  binary.LittleEndian.Uint32(buf[11:15]),
	}
	nameField := buf[15 : 15+FilenameFieldSize]
	end := FilenameFieldSize
	for i, b := range nameField {
		if b == 0 {
			end = i
			break
		}
	}
	h.Filename = string(nameField[:end])
	return h, nil
}

// EncodeFileHeaderAck serializes a FILE_HDR_ACK frame.
func EncodeFileHeaderAck() []byte {
	return []byte{byte(TagFileHdrAck)}
}

// DecodeFileHeaderAck validates a FILE_HDR_ACK frame.
func DecodeFileHeaderAck(buf []byte) error {
	if len(buf) < 1 {
		return newDecodeErr(ErrTruncated)
	}
	if Tag(buf[0]) != TagFileHdrAck {
		return newDecodeErr(ErrUnknownTag)
	}
	return nil
}

// Data is the DATA variant: an ordered, non-overlapping list of
// segments followed by their concatenated record bytes (RecordSize
// bytes per record, in segment-then-index order).
type Data struct {
	Segments []Segment
	Payload  []byte
}

// EncodeData serializes a DATA frame. The caller guarantees len(payload)
// equals recordSize times the total record count covered by segments,
// and len(segments) <= MaxSegmentsPerData.
func EncodeData(segments []Segment, payload []byte) ([]byte, error) {
	if len(segments) == 0 || len(segments) > MaxSegmentsPerData {
		return nil, fmt.Errorf("wire: data frame segment count %d out of range", len(segments))
	}
	size := 1 + 1 + len(segments)*8 + len(payload)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("wire: data frame size %d exceeds %d byte limit", size, MaxFrameSize)
	}
	buf := make([]byte, size)
	buf[0] = byte(TagData)
	buf[1] = byte(len(segments))
	off := 2
	for _, s := range segments {
		binary.LittleEndian.PutUint32(buf[off:off+4], s.Start)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], s.End)
		off += 8
	}
	copy(buf[off:], payload)
	return buf, nil
}

// DecodeData parses a DATA frame. recordSize is the negotiated record
// size from the FILE_HDR handshake; it is used only to validate that
// the trailing payload holds exactly recordSize bytes for every record
// the segments cover (a recordSize of 0 skips that check).
func DecodeData(buf []byte, recordSize int) (Data, error) {
	if len(buf) < 2 {
		return Data{}, newDecodeErr(ErrTruncated)
	}
	if Tag(buf[0]) != TagData {
		return Data{}, newDecodeErr(ErrUnknownTag)
	}
	numSegments := int(buf[1])
	if numSegments == 0 || numSegments > MaxSegmentsPerData {
		return Data{}, newDecodeErr(ErrTruncated)
	}
	need := 2 + numSegments*8
	if len(buf) < need {
		return Data{}, newDecodeErr(ErrTruncated)
	}
	segments := make([]Segment, numSegments)
	off := 2
	var totalRecords uint64
	for i := 0; i < numSegments; i++ {
		s := Segment{
			Start: binary.LittleEndian.Uint32(buf[off : off+4]),
			End:   binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		}
		if s.End < s.Start {
			return Data{}, newDecodeErr(ErrTruncated)
		}
		segments[i] = s
		totalRecords += uint64(s.Len())
		off += 8
	}
	payload := buf[off:]
	if recordSize > 0 && uint64(len(payload)) != totalRecords*uint64(recordSize) {
		return Data{}, newDecodeErr(ErrMisaligned)
	}
	return Data{Segments: segments, Payload: payload}, nil
}

// BlastOver is the IS_BLAST_OVER variant.
type BlastOver struct {
	Start uint32
	End   uint32
}

// EncodeBlastOver serializes an IS_BLAST_OVER frame.
func EncodeBlastOver(b BlastOver) []byte {
	buf := make([]byte, 1+4+4)
	buf[0] = byte(TagBlastOver)
	binary.LittleEndian.PutUint32(buf[1:5], b.Start)
	binary.LittleEndian.PutUint32(buf[5:9], b.End)
	return buf
}

// DecodeBlastOver parses an IS_BLAST_OVER frame.
func DecodeBlastOver(buf []byte) (BlastOver, error) {
	if len(buf) < 9 {
		return BlastOver{}, newDecodeErr(ErrTruncated)
	}
	if Tag(buf[0]) != TagBlastOver {
		return BlastOver{}, newDecodeErr(ErrUnknownTag)
	}
	return BlastOver{
		Start: binary.LittleEndian.Uint32(buf[1:5]),
		End:   binary.LittleEndian.Uint32(buf[5:9]),
	}, nil
}

// RecMiss is the REC_MISS variant: the receiver's negative ack.
type RecMiss struct {
	Missing []Segment
}

// EncodeRecMiss serializes a REC_MISS frame. Missing lists longer than
// MaxMissingSegments are truncated by the caller (internal/missing
// already enforces this); Encode itself rejects an over-long list to
// surface programmer errors early.
func EncodeRecMiss(missing []Segment) ([]byte, error) {
	if len(missing) > MaxMissingSegments {
		return nil, fmt.Errorf("wire: rec_miss segment count %d exceeds %d", len(missing), MaxMissingSegments)
	}
	buf := make([]byte, 1+2+len(missing)*8)
	buf[0] = byte(TagRecMiss)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(missing)))
	off := 3
	for _, s := range missing {
		binary.LittleEndian.PutUint32(buf[off:off+4], s.Start)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], s.End)
		off += 8
	}
	return buf, nil
}

// DecodeRecMiss parses a REC_MISS frame.
func DecodeRecMiss(buf []byte) (RecMiss, error) {
	if len(buf) < 3 {
		return RecMiss{}, newDecodeErr(ErrTruncated)
	}
	if Tag(buf[0]) != TagRecMiss {
		return RecMiss{}, newDecodeErr(ErrUnknownTag)
	}
	numMissing := int(binary.LittleEndian.Uint16(buf[1:3]))
	if numMissing > MaxMissingSegments {
		return RecMiss{}, newDecodeErr(ErrTruncated)
	}
	need := 3 + numMissing*8
	if len(buf) < need {
		return RecMiss{}, newDecodeErr(ErrTruncated)
	}
	missing := make([]Segment, numMissing)
	off := 3
	for i := 0; i < numMissing; i++ {
		missing[i] = Segment{
			Start: binary.LittleEndian.Uint32(buf[off : off+4]),
			End:   binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		}
		off += 8
	}
	return RecMiss{Missing: missing}, nil
}

// EncodeDisconnect serializes a DISCONNECT frame.
func EncodeDisconnect() []byte {
	return []byte{byte(TagDisconnect)}
}

// DecodeDisconnect validates a DISCONNECT frame.
func DecodeDisconnect(buf []byte) error {
	if len(buf) < 1 {
		return newDecodeErr(ErrTruncated)
	}
	if Tag(buf[0]) != TagDisconnect {
		return newDecodeErr(ErrUnknownTag)
	}
	return nil
}

// PeekTag returns the leading type-tag byte of a frame, or an error if
// the buffer is empty.
func PeekTag(buf []byte) (Tag, error) {
	if len(buf) < 1 {
		return 0, newDecodeErr(ErrTruncated)
	}
	return Tag(buf[0]), nil
}
