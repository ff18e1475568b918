// Package receiver drives the receiver side of the blast transfer
// protocol: handshake, data absorption, negative-ack replies,
// completion detection, a post-transfer linger, and the final write
// to disk, per the base spec's §4.5.
package receiver

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"blastxfer/internal/clock"
	"blastxfer/internal/missing"
	"blastxfer/internal/record"
	"blastxfer/internal/telemetry"
	"blastxfer/internal/transport"
	"blastxfer/internal/wire"
)

// State names the receiver's position in its state machine, reported
// through Snapshot, mirroring original_source/receiver.cpp's
// ReceiverState enum.
type State int

const (
	StateWaitFileHdr State = iota
	StateConnectionEstablished
	StateWaitBlast
	StateWaitIsBlastOver
	StateLinger
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateWaitFileHdr:
		return "WAIT_FILE_HDR"
	case StateConnectionEstablished:
		return "CONNECTION_ESTABLISHED"
	case StateWaitBlast:
		return "WAIT_BLAST"
	case StateWaitIsBlastOver:
		return "WAIT_IS_BLAST_OVER"
	case StateLinger:
		return "LINGER"
	case StateDisconnected:
		return "RECEIVER_DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Code classifies a fatal receiver error for CLI exit-code mapping.
type Code string

const (
	CodeSocketError     Code = "socket_error"
	CodeInvalidFilename Code = "invalid_filename"
	CodeIncomplete      Code = "incomplete_transfer"
)

// FatalError terminates the receiver's state machine.
type FatalError struct {
	Code Code
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("receiver: fatal %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("receiver: fatal %s", e.Code)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Stats mirrors the base spec's receiver-side counters.
type Stats struct {
	BlastsReceived    int
	RecMissSent       int
	DatagramsReceived int
	Elapsed           time.Duration
}

// Config holds the receiver's retry/timeout/output knobs.
type Config struct {
	BlastTimeout time.Duration
	LingerTime   time.Duration
	// OutputDir is the parent directory a timestamped subdirectory is
	// created under (default "received_files").
	OutputDir string
}

// DefaultConfig fills in the base spec's 10s blast-wait timeout and
// 5s linger for any zero-valued fields.
func DefaultConfig(cfg Config) Config {
	if cfg.BlastTimeout <= 0 {
		cfg.BlastTimeout = 10 * time.Second
	}
	if cfg.LingerTime <= 0 {
		cfg.LingerTime = 5 * time.Second
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "received_files"
	}
	return cfg
}

// NewSink constructs the record.Sink for a negotiated header. It is the
// default for Engine.NewSink; callers (and tests) can swap in their own
// Sink implementation by replacing that field before Run.
func NewSink(h wire.FileHeader) *record.MemorySink {
	return record.NewMemorySink(h.FileSize, int(h.RecordSize))
}

// Engine is the receiver's state machine.
type Engine struct {
	Transport transport.Transport
	Clock     clock.Clock
	Telemetry telemetry.Publisher
	Logger    *log.Logger
	Config    Config

	// NewSink builds the record sink once the FILE_HDR is known. It
	// defaults to NewSink; tests substitute a smaller or instrumented
	// sink.
	NewSink func(wire.FileHeader) record.Sink

	// TimestampDir names the per-transfer output subdirectory; it
	// defaults to the current time formatted as original_source's
	// write_file_to_disk does. Tests substitute a fixed name.
	TimestampDir func(time.Time) string

	mu           sync.Mutex
	state        State
	stats        Stats
	header       wire.FileHeader
	sink         record.Sink
	lastBlastEnd uint32
}

// Status is a point-in-time view of the transfer, safe to read from a
// goroutine other than the one running Run (e.g. a status HTTP
// handler).
type Status struct {
	State             string
	Filename          string
	TotalRecords      uint32
	RecordsReceived   uint32
	BlastsReceived    int
	DatagramsReceived int
}

// Snapshot returns the current Status under lock.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		State:             e.state.String(),
		BlastsReceived:    e.stats.BlastsReceived,
		DatagramsReceived: e.stats.DatagramsReceived,
	}
	if e.sink != nil {
		s.Filename = e.header.Filename
		s.TotalRecords = e.sink.RecordCount()
		for i := uint32(1); i <= s.TotalRecords; i++ {
			if e.sink.Received(i) {
				s.RecordsReceived++
			}
		}
	}
	return s
}

// New builds a receiver Engine with base-spec defaults.
func New(t transport.Transport, cfg Config) *Engine {
	return &Engine{
		Transport:    t,
		Clock:        clock.Real{},
		Telemetry:    telemetry.NoOp{},
		Logger:       log.Default(),
		Config:       DefaultConfig(cfg),
		NewSink:      func(h wire.FileHeader) record.Sink { return NewSink(h) },
		TimestampDir: defaultTimestampDir,
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// defaultTimestampDir formats "YYYYMMDD-H:MM-AM/PM", matching
// original_source/receiver.cpp's write_file_to_disk timestamp.
func defaultTimestampDir(t time.Time) string {
	hour := t.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	ampm := "AM"
	if t.Hour() >= 12 {
		ampm = "PM"
	}
	return fmt.Sprintf("%s-%d:%02d-%s", t.Format("20060102"), hour, t.Minute(), ampm)
}

// validateFilename resolves the Open Question the base spec leaves
// open: a FILE_HDR filename that escapes its intended output directory
// (an absolute path, a ".." component, or a leading "." component) is
// rejected as fatal before any directory is created.
func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("empty filename")
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("unsafe filename %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("filename %q must not contain a path separator", name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("filename %q must not start with a dot", name)
	}
	return nil
}

// Run executes the full receive: handshake, every blast until the
// file is complete, a linger period, and the final flush to disk. It
// returns the path the file was written to.
func (e *Engine) Run() (string, Stats, error) {
	start := e.Clock.Now()

	if err := e.waitForHandshake(); err != nil {
		e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindFatalError, Timestamp: e.Clock.Now(), Message: err.Error()})
		return "", e.stats, err
	}
	e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindHandshakeComplete, Timestamp: e.Clock.Now()})

	total := e.sink.RecordCount()
	expectedStart := uint32(1)
	for expectedStart <= total {
		done, err := e.receiveBlast()
		if err != nil {
			return "", e.stats, err
		}
		if done {
			break
		}
		expectedStart = e.lastBlastEnd + 1
	}

	e.setState(StateLinger)
	e.linger()

	e.setState(StateDisconnected)
	outPath, err := e.flush()
	e.stats.Elapsed = e.Clock.Now().Sub(start)
	if err != nil {
		e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindFatalError, Timestamp: e.Clock.Now(), Message: err.Error()})
		return "", e.stats, err
	}
	e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindTransferComplete, Timestamp: e.Clock.Now()})
	return outPath, e.stats, nil
}

// waitForHandshake blocks, ignoring any non-FILE_HDR frame, until a
// valid FILE_HDR arrives; it replies with FILE_HDR_ACK and builds the
// sink. There is no retry cap here: the base spec has the receiver
// wait indefinitely for the sender to initiate.
func (e *Engine) waitForHandshake() error {
	e.setState(StateWaitFileHdr)
	for {
		d, err := e.Transport.Receive(e.Clock.Now().Add(24 * time.Hour))
		if err == transport.ErrTimeout {
			continue
		}
		if err != nil {
			return &FatalError{Code: CodeSocketError, Err: err}
		}
		e.incDatagramsReceived()
		tag, tagErr := wire.PeekTag(d.Payload)
		if tagErr != nil || tag != wire.TagFileHdr {
			continue
		}
		hdr, decErr := wire.DecodeFileHeader(d.Payload)
		if decErr != nil {
			continue
		}
		if err := validateFilename(hdr.Filename); err != nil {
			return &FatalError{Code: CodeInvalidFilename, Err: err}
		}
		e.mu.Lock()
		e.header = hdr
		e.sink = e.NewSink(hdr)
		e.mu.Unlock()
		if err := e.sendAck(); err != nil {
			return err
		}
		e.setState(StateConnectionEstablished)
		return nil
	}
}

func (e *Engine) incDatagramsReceived() {
	e.mu.Lock()
	e.stats.DatagramsReceived++
	e.mu.Unlock()
}

func (e *Engine) sendAck() error {
	if err := e.Transport.Send(wire.EncodeFileHeaderAck()); err != nil {
		return &FatalError{Code: CodeSocketError, Err: err}
	}
	return nil
}

// receiveBlast absorbs DATA frames until IS_BLAST_OVER or DISCONNECT,
// replying to each IS_BLAST_OVER with REC_MISS. It returns done=true
// once the transfer's final record has been acknowledged complete, or
// once DISCONNECT arrives.
func (e *Engine) receiveBlast() (done bool, err error) {
	e.setState(StateWaitBlast)
	total := e.sink.RecordCount()
	for {
		d, recvErr := e.Transport.Receive(e.Clock.Now().Add(e.Config.BlastTimeout))
		if recvErr == transport.ErrTimeout {
			continue
		}
		if recvErr != nil {
			return false, &FatalError{Code: CodeSocketError, Err: recvErr}
		}
		e.incDatagramsReceived()
		tag, tagErr := wire.PeekTag(d.Payload)
		if tagErr != nil {
			continue
		}
		switch tag {
		case wire.TagData:
			e.absorbData(d.Payload)
		case wire.TagFileHdr:
			if err := e.sendAck(); err != nil {
				return false, err
			}
		case wire.TagBlastOver:
			e.setState(StateWaitIsBlastOver)
			bo, decErr := wire.DecodeBlastOver(d.Payload)
			if decErr != nil {
				continue
			}
			e.mu.Lock()
			e.stats.BlastsReceived++
			e.mu.Unlock()
			missingSegs := missing.Compute(e.receivedBitmap(bo.End), bo.Start, bo.End)
			if err := e.sendRecMiss(missingSegs); err != nil {
				return false, err
			}
			if len(missingSegs) == 0 {
				e.lastBlastEnd = bo.End
				if bo.End >= total {
					return true, nil
				}
				return false, nil
			}
		case wire.TagDisconnect:
			return true, nil
		}
	}
}

func (e *Engine) sendRecMiss(missingSegs []wire.Segment) error {
	frame, err := wire.EncodeRecMiss(missingSegs)
	if err != nil {
		return &FatalError{Code: CodeSocketError, Err: err}
	}
	if err := e.Transport.Send(frame); err != nil {
		return &FatalError{Code: CodeSocketError, Err: err}
	}
	e.mu.Lock()
	e.stats.RecMissSent++
	e.mu.Unlock()
	return nil
}

func (e *Engine) absorbData(payload []byte) {
	data, err := wire.DecodeData(payload, int(e.header.RecordSize))
	if err != nil {
		return
	}
	off := 0
	recordSize := int(e.header.RecordSize)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, seg := range data.Segments {
		for i := seg.Start; i <= seg.End; i++ {
			if off+recordSize > len(data.Payload) {
				return
			}
			_ = e.sink.Write(i, data.Payload[off:off+recordSize])
			off += recordSize
		}
	}
}

// receivedBitmap builds the 1-indexed bitmap missing.Compute expects,
// reading it back from the sink's Received accessor.
func (e *Engine) receivedBitmap(upTo uint32) []bool {
	bitmap := make([]bool, upTo+1)
	for i := uint32(1); i <= upTo; i++ {
		bitmap[i] = e.sink.Received(i)
	}
	return bitmap
}

// linger keeps answering IS_BLAST_OVER for Config.LingerTime after the
// transfer appears complete, so a sender that missed the final
// REC_MISS can retry without the receiver having already exited.
func (e *Engine) linger() {
	deadline := e.Clock.Now().Add(e.Config.LingerTime)
	for e.Clock.Now().Before(deadline) {
		d, err := e.Transport.Receive(deadline)
		if err == transport.ErrTimeout {
			return
		}
		if err != nil {
			return
		}
		tag, tagErr := wire.PeekTag(d.Payload)
		if tagErr != nil || tag != wire.TagBlastOver {
			continue
		}
		bo, decErr := wire.DecodeBlastOver(d.Payload)
		if decErr != nil {
			continue
		}
		missingSegs := missing.Compute(e.receivedBitmap(bo.End), bo.Start, bo.End)
		_ = e.sendRecMiss(missingSegs)
	}
}

// flush writes the completed file under Config.OutputDir/<timestamp>/
// <filename>, mirroring original_source/receiver.cpp's
// write_file_to_disk.
func (e *Engine) flush() (string, error) {
	dir := filepath.Join(e.Config.OutputDir, e.TimestampDir(e.Clock.Now()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &FatalError{Code: CodeSocketError, Err: err}
	}
	outPath := filepath.Join(dir, e.header.Filename)
	if err := e.sink.Flush(outPath); err != nil {
		return "", &FatalError{Code: CodeIncomplete, Err: err}
	}
	return outPath, nil
}
