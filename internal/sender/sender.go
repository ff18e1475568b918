// Package sender drives the sender side of the blast transfer
// protocol: handshake, per-blast transmit/negative-ack cycle,
// disconnect, and statistics accounting, per the base spec's §4.4.
package sender

import (
	"fmt"
	"log"
	"time"

	"blastxfer/internal/clock"
	"blastxfer/internal/garbler"
	"blastxfer/internal/record"
	"blastxfer/internal/telemetry"
	"blastxfer/internal/transport"
	"blastxfer/internal/wire"
)

// State names the sender's position in its state machine. Engine
// records it as it goes — no component outside Engine reads or mutates it,
// per the base spec's "flat state-machine enums... do not share a
// mutable current state field across components" design note.
type State int

const (
	StateStart State = iota
	StateLoad
	StateSendHdr
	StateWaitHdrAck
	StateBlastTx
	StateSendBlastOver
	StateWaitRecMiss
	StateSendDisconnect
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateLoad:
		return "LOAD"
	case StateSendHdr:
		return "SEND_HDR"
	case StateWaitHdrAck:
		return "WAIT_HDR_ACK"
	case StateBlastTx:
		return "BLAST_TX"
	case StateSendBlastOver:
		return "SEND_BLAST_OVER"
	case StateWaitRecMiss:
		return "WAIT_REC_MISS"
	case StateSendDisconnect:
		return "SEND_DISCONNECT"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Code classifies a fatal sender error for CLI exit-code mapping.
type Code string

const (
	CodeHandshakeFailed  Code = "handshake_failed"
	CodePeerUnresponsive Code = "peer_unresponsive"
	CodeSocketError      Code = "socket_error"
)

// FatalError terminates the sender's state machine.
type FatalError struct {
	Code Code
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sender: fatal %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("sender: fatal %s", e.Code)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Stats accumulates the counters the base spec names in its data
// model, plus derived throughput.
type Stats struct {
	TotalDatagramsSent         int
	DataDatagramsSent          int
	DataDatagramsDropped       int
	RetransmittedDataDatagrams int
	BlastsInitiated            int
	Elapsed                    time.Duration
}

// ThroughputMbps computes fileSize bytes * 8 / seconds / 1e6, the
// transfer rate in megabits per second.
func (s Stats) ThroughputMbps(fileSize uint64) float64 {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(fileSize) * 8 / secs / 1e6
}

// Config holds the immutable transfer parameters and retry/timeout
// knobs for one run.
type Config struct {
	RecordSize       int
	BlastSize        uint32
	Filename         string
	HandshakeTimeout time.Duration
	HandshakeRetries int
	BlastOverTimeout time.Duration
	BlastOverRetries int
}

// DefaultConfig fills in the base spec's timeout/retry constants
// (2s/5 retries) for any zero-valued fields.
func DefaultConfig(cfg Config) Config {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	if cfg.HandshakeRetries <= 0 {
		cfg.HandshakeRetries = 5
	}
	if cfg.BlastOverTimeout <= 0 {
		cfg.BlastOverTimeout = 2 * time.Second
	}
	if cfg.BlastOverRetries <= 0 {
		cfg.BlastOverRetries = 5
	}
	return cfg
}

// Engine is the sender's state machine.
type Engine struct {
	Transport transport.Transport
	Source    record.Source
	Garbler   garbler.Garbler
	Clock     clock.Clock
	Telemetry telemetry.Publisher
	Logger    *log.Logger
	Config    Config

	state State
	stats Stats
}

// New builds a sender Engine. It sets Garbler, Telemetry and Logger to
// a no-loss garbler, a discarding publisher, and the standard logger;
// callers may replace them before Run, but must not set them to nil.
func New(t transport.Transport, src record.Source, cfg Config) *Engine {
	return &Engine{
		Transport: t,
		Source:    src,
		Garbler:   garbler.None{},
		Clock:     clock.Real{},
		Telemetry: telemetry.NoOp{},
		Logger:    log.Default(),
		Config:    DefaultConfig(cfg),
	}
}

func (e *Engine) setState(s State) {
	e.state = s
}

func (e *Engine) send(frame []byte) error {
	if err := e.Transport.Send(frame); err != nil {
		return &FatalError{Code: CodeSocketError, Err: err}
	}
	e.stats.TotalDatagramsSent++
	return nil
}

// Run executes the full transfer: handshake, every blast in order,
// and a final best-effort DISCONNECT.
func (e *Engine) Run() (Stats, error) {
	start := e.Clock.Now()
	e.setState(StateLoad)

	if err := e.handshake(); err != nil {
		e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindFatalError, Timestamp: e.Clock.Now(), Message: err.Error()})
		return e.stats, err
	}
	e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindHandshakeComplete, Timestamp: e.Clock.Now()})

	total := e.Source.RecordCount()
	cur := uint32(1)
	for cur <= total {
		end := cur + e.Config.BlastSize - 1
		if end > total {
			end = total
		}
		if err := e.runBlast(cur, end); err != nil {
			e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindFatalError, Timestamp: e.Clock.Now(), BlastStart: cur, BlastEnd: end, Message: err.Error()})
			return e.stats, err
		}
		cur = end + 1
	}

	e.setState(StateSendDisconnect)
	e.sendDisconnect()
	e.setState(StateDone)

	e.stats.Elapsed = e.Clock.Now().Sub(start)
	e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindTransferComplete, Timestamp: e.Clock.Now()})
	return e.stats, nil
}

// handshake sends FILE_HDR and waits for FILE_HDR_ACK, per §4.4.
func (e *Engine) handshake() error {
	e.setState(StateSendHdr)
	hdr := wire.EncodeFileHeader(wire.FileHeader{
		FileSize:   e.Source.FileSize(),
		RecordSize: uint16(e.Config.RecordSize),
		BlastSize:  e.Config.BlastSize,
		Filename:   e.Config.Filename,
	})

	for attempt := 0; attempt < e.Config.HandshakeRetries; attempt++ {
		if err := e.send(hdr); err != nil {
			return err
		}
		e.setState(StateWaitHdrAck)
		deadline := e.Clock.Now().Add(e.Config.HandshakeTimeout)
		for {
			d, err := e.Transport.Receive(deadline)
			if err == transport.ErrTimeout {
				break
			}
			if err != nil {
				return &FatalError{Code: CodeSocketError, Err: err}
			}
			tag, tagErr := wire.PeekTag(d.Payload)
			if tagErr != nil || tag != wire.TagFileHdrAck {
				continue
			}
			if wire.DecodeFileHeaderAck(d.Payload) == nil {
				return nil
			}
		}
		e.Logger.Printf("Timeout waiting for FILE_HDR_ACK (attempt %d/%d), retrying...", attempt+1, e.Config.HandshakeRetries)
	}
	return &FatalError{Code: CodeHandshakeFailed}
}

// runBlast transmits one blast and drives its negative-ack recovery
// loop until REC_MISS reports nothing missing.
func (e *Engine) runBlast(start, end uint32) error {
	e.stats.BlastsInitiated++
	e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindBlastStarted, Timestamp: e.Clock.Now(), BlastStart: start, BlastEnd: end})

	e.setState(StateBlastTx)
	if err := e.sendRange(start, end, false); err != nil {
		return err
	}

	for {
		blastOverFrame := wire.EncodeBlastOver(wire.BlastOver{Start: start, End: end})
		e.setState(StateSendBlastOver)
		recMiss, err := e.negotiateRecMiss(blastOverFrame)
		if err != nil {
			return err
		}
		if len(recMiss.Missing) == 0 {
			e.Telemetry.Publish(telemetry.Event{Kind: telemetry.KindBlastCompleted, Timestamp: e.Clock.Now(), BlastStart: start, BlastEnd: end})
			return nil
		}
		e.setState(StateBlastTx)
		for _, seg := range recMiss.Missing {
			if err := e.sendRange(seg.Start, seg.End, true); err != nil {
				return err
			}
		}
	}
}

// negotiateRecMiss sends IS_BLAST_OVER and waits for REC_MISS, with
// the handshake's retry/timeout shape.
func (e *Engine) negotiateRecMiss(frame []byte) (wire.RecMiss, error) {
	for attempt := 0; attempt < e.Config.BlastOverRetries; attempt++ {
		if err := e.send(frame); err != nil {
			return wire.RecMiss{}, err
		}
		e.setState(StateWaitRecMiss)
		deadline := e.Clock.Now().Add(e.Config.BlastOverTimeout)
		for {
			d, err := e.Transport.Receive(deadline)
			if err == transport.ErrTimeout {
				break
			}
			if err != nil {
				return wire.RecMiss{}, &FatalError{Code: CodeSocketError, Err: err}
			}
			tag, tagErr := wire.PeekTag(d.Payload)
			if tagErr != nil || tag != wire.TagRecMiss {
				continue
			}
			rm, decErr := wire.DecodeRecMiss(d.Payload)
			if decErr == nil {
				return rm, nil
			}
		}
		e.Logger.Printf("Timeout waiting for REC_MISS (attempt %d/%d), retrying...", attempt+1, e.Config.BlastOverRetries)
	}
	return wire.RecMiss{}, &FatalError{Code: CodePeerUnresponsive}
}

// sendRange emits DATA frames covering [start,end], packing up to 16
// records per frame subject to the 65000-byte MTU, consulting the
// garbler once per frame.
func (e *Engine) sendRange(start, end uint32, isRetransmission bool) error {
	recordsPerFrame := maxRecordsPerFrame(e.Config.RecordSize)

	cur := start
	for cur <= end {
		chunkEnd := cur + recordsPerFrame - 1
		if chunkEnd > end {
			chunkEnd = end
		}
		payload, err := e.buildPayload(cur, chunkEnd)
		if err != nil {
			return &FatalError{Code: CodeSocketError, Err: err}
		}
		frame, err := wire.EncodeData([]wire.Segment{{Start: cur, End: chunkEnd}}, payload)
		if err != nil {
			return &FatalError{Code: CodeSocketError, Err: err}
		}

		if e.Garbler.ShouldDrop(cur) {
			e.stats.DataDatagramsDropped++
		} else {
			if err := e.send(frame); err != nil {
				return err
			}
			e.stats.DataDatagramsSent++
			if isRetransmission {
				e.stats.RetransmittedDataDatagrams++
			}
		}
		cur = chunkEnd + 1
	}
	return nil
}

func (e *Engine) buildPayload(start, end uint32) ([]byte, error) {
	payload := make([]byte, 0, int(end-start+1)*e.Config.RecordSize)
	for i := start; i <= end; i++ {
		rec, err := e.Source.Record(i)
		if err != nil {
			return nil, err
		}
		payload = append(payload, rec...)
	}
	return payload, nil
}

// maxRecordsPerFrame returns the largest record count that satisfies
// both the 16-record-per-frame cap and the 65000-byte MTU for a
// single-segment DATA frame: 1 (tag) + 1 (num_segments) + 8 (one
// segment) + n*recordSize <= 65000.
func maxRecordsPerFrame(recordSize int) uint32 {
	n := uint32(wire.MaxSegmentsPerData)
	byMTU := uint32((wire.MaxFrameSize - 1 - 1 - 8) / recordSize)
	if byMTU < n {
		n = byMTU
	}
	if n == 0 {
		n = 1
	}
	return n
}

// sendDisconnect is a single best-effort send: the base spec requires
// no acknowledgment and no retry.
func (e *Engine) sendDisconnect() {
	frame := wire.EncodeDisconnect()
	if err := e.Transport.Send(frame); err == nil {
		e.stats.TotalDatagramsSent++
	}
}
