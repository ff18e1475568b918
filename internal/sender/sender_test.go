package sender

import (
	"bytes"
	"log"
	"testing"
	"time"

	"blastxfer/internal/garbler"
	"blastxfer/internal/missing"
	"blastxfer/internal/telemetry"
	"blastxfer/internal/transport"
	"blastxfer/internal/wire"
)

// fakeClock advances only when Advance is called, so the engine's
// deadline loops resolve deterministically instead of racing real
// wall-clock timers.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func silentLogger() *log.Logger {
	return log.New(bytes.NewBuffer(nil), "", 0)
}

// fakeSource is a minimal record.Source with deterministic content,
// cheap to build for engine-level tests that don't need real file I/O.
type fakeSource struct {
	size       uint64
	recordSize int
	count      uint32
}

func (s fakeSource) FileSize() uint64    { return s.size }
func (s fakeSource) RecordSize() int     { return s.recordSize }
func (s fakeSource) RecordCount() uint32 { return s.count }
func (s fakeSource) Record(i uint32) ([]byte, error) {
	buf := make([]byte, s.recordSize)
	for j := range buf {
		buf[j] = byte(i)
	}
	return buf, nil
}

func peerHandshake(t *testing.T, peer *transport.Pipe) {
	t.Helper()
	d, err := peer.Receive(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("peer did not receive FILE_HDR: %v", err)
	}
	if _, err := wire.DecodeFileHeader(d.Payload); err != nil {
		t.Fatalf("peer failed to decode FILE_HDR: %v", err)
	}
	if err := peer.Send(wire.EncodeFileHeaderAck()); err != nil {
		t.Fatalf("peer failed to send FILE_HDR_ACK: %v", err)
	}
}

func TestHandshakeRetriesThenSucceeds(t *testing.T) {
	a, b := transport.NewPipe()
	fc := &fakeClock{now: time.Now()}

	e := &Engine{
		Transport: a,
		Source:    fakeSource{size: 100, recordSize: 50, count: 2},
		Garbler:   garbler.None{},
		Clock:     fc,
		Telemetry: telemetry.NoOp{},
		Logger:    silentLogger(),
		Config:    DefaultConfig(Config{RecordSize: 50, BlastSize: 10, Filename: "f.bin"}),
	}

	done := make(chan error, 1)
	go func() {
		done <- e.handshake()
	}()

	// Drop the first FILE_HDR, ack the second.
	if _, err := b.Receive(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("peer did not see first FILE_HDR: %v", err)
	}
	fc.Advance(3 * time.Second)
	d, err := b.Receive(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("peer did not see retried FILE_HDR: %v", err)
	}
	if _, err := wire.DecodeFileHeader(d.Payload); err != nil {
		t.Fatalf("decode retried FILE_HDR: %v", err)
	}
	if err := b.Send(wire.EncodeFileHeaderAck()); err != nil {
		t.Fatalf("send ack: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handshake() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not return")
	}
}

func TestHandshakeExhaustsRetries(t *testing.T) {
	a, b := transport.NewPipe()
	fc := &fakeClock{now: time.Now()}
	e := &Engine{
		Transport: a,
		Source:    fakeSource{size: 10, recordSize: 10, count: 1},
		Garbler:   garbler.None{},
		Clock:     fc,
		Telemetry: telemetry.NoOp{},
		Logger:    silentLogger(),
		Config: DefaultConfig(Config{
			RecordSize: 10, BlastSize: 1, Filename: "f",
			HandshakeTimeout: time.Second, HandshakeRetries: 2,
		}),
	}

	done := make(chan error, 1)
	go func() {
		done <- e.handshake()
	}()

	for i := 0; i < 2; i++ {
		if _, err := b.Receive(time.Now().Add(time.Second)); err != nil {
			t.Fatalf("peer did not see FILE_HDR attempt %d: %v", i, err)
		}
		fc.Advance(2 * time.Second)
	}

	select {
	case err := <-done:
		fe, ok := err.(*FatalError)
		if !ok || fe.Code != CodeHandshakeFailed {
			t.Fatalf("handshake() = %v, want FatalError{CodeHandshakeFailed}", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not return")
	}
}

type runResult struct {
	stats Stats
	err   error
}

func TestFullTransferSingleBlastNoLoss(t *testing.T) {
	a, b := transport.NewPipe()
	fc := &fakeClock{now: time.Now()}
	src := fakeSource{size: 500, recordSize: 50, count: 10}

	e := &Engine{
		Transport: a,
		Source:    src,
		Garbler:   garbler.None{},
		Clock:     fc,
		Telemetry: telemetry.NoOp{},
		Logger:    silentLogger(),
		Config:    DefaultConfig(Config{RecordSize: 50, BlastSize: 100, Filename: "f.bin"}),
	}

	result := make(chan runResult, 1)
	go func() {
		stats, err := e.Run()
		result <- runResult{stats, err}
	}()

	peerHandshake(t, b)

	received := make([]bool, src.count+1)
	var gotEnd wire.BlastOver
loop:
	for {
		d, err := b.Receive(time.Now().Add(2 * time.Second))
		if err != nil {
			t.Fatalf("peer receive failed: %v", err)
		}
		tag, _ := wire.PeekTag(d.Payload)
		switch tag {
		case wire.TagData:
			data, err := wire.DecodeData(d.Payload, 50)
			if err != nil {
				t.Fatalf("decode DATA: %v", err)
			}
			for _, seg := range data.Segments {
				for i := seg.Start; i <= seg.End; i++ {
					received[i] = true
				}
			}
		case wire.TagBlastOver:
			bo, err := wire.DecodeBlastOver(d.Payload)
			if err != nil {
				t.Fatalf("decode IS_BLAST_OVER: %v", err)
			}
			gotEnd = bo
			missingSegs := missing.Compute(received, bo.Start, bo.End)
			rm, err := wire.EncodeRecMiss(missingSegs)
			if err != nil {
				t.Fatalf("encode REC_MISS: %v", err)
			}
			if err := b.Send(rm); err != nil {
				t.Fatalf("send REC_MISS: %v", err)
			}
			if len(missingSegs) == 0 {
				break loop
			}
		}
	}

	d, err := b.Receive(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("peer did not see DISCONNECT: %v", err)
	}
	if err := wire.DecodeDisconnect(d.Payload); err != nil {
		t.Fatalf("decode DISCONNECT: %v", err)
	}

	if gotEnd.End != src.count {
		t.Fatalf("blast end = %d, want %d", gotEnd.End, src.count)
	}

	select {
	case r := <-result:
		if r.err != nil {
			t.Fatalf("Run() = %v, want nil", r.err)
		}
		if r.stats.BlastsInitiated != 1 {
			t.Fatalf("BlastsInitiated = %d, want 1", r.stats.BlastsInitiated)
		}
		if r.stats.DataDatagramsSent == 0 {
			t.Fatalf("expected at least one DATA datagram sent")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSingleDroppedRecordRecovered(t *testing.T) {
	a, b := transport.NewPipe()
	fc := &fakeClock{now: time.Now()}
	src := fakeSource{size: 250, recordSize: 50, count: 5}

	e := &Engine{
		Transport: a,
		Source:    src,
		Garbler:   garbler.NewIndexSet(3),
		Clock:     fc,
		Telemetry: telemetry.NoOp{},
		Logger:    silentLogger(),
		Config:    DefaultConfig(Config{RecordSize: 50, BlastSize: 100, Filename: "f.bin"}),
	}

	result := make(chan runResult, 1)
	go func() {
		stats, err := e.Run()
		result <- runResult{stats, err}
	}()

	peerHandshake(t, b)

	received := make([]bool, src.count+1)
	rounds := 0
loop:
	for {
		d, err := b.Receive(time.Now().Add(2 * time.Second))
		if err != nil {
			t.Fatalf("peer receive failed: %v", err)
		}
		tag, _ := wire.PeekTag(d.Payload)
		switch tag {
		case wire.TagData:
			data, err := wire.DecodeData(d.Payload, 50)
			if err != nil {
				t.Fatalf("decode DATA: %v", err)
			}
			for _, seg := range data.Segments {
				for i := seg.Start; i <= seg.End; i++ {
					received[i] = true
				}
			}
		case wire.TagBlastOver:
			rounds++
			bo, err := wire.DecodeBlastOver(d.Payload)
			if err != nil {
				t.Fatalf("decode IS_BLAST_OVER: %v", err)
			}
			missingSegs := missing.Compute(received, bo.Start, bo.End)
			rm, err := wire.EncodeRecMiss(missingSegs)
			if err != nil {
				t.Fatalf("encode REC_MISS: %v", err)
			}
			if err := b.Send(rm); err != nil {
				t.Fatalf("send REC_MISS: %v", err)
			}
			if len(missingSegs) == 0 {
				break loop
			}
		}
	}

	if rounds < 2 {
		t.Fatalf("expected at least 2 IS_BLAST_OVER rounds (one recovery), got %d", rounds)
	}
	for i := uint32(1); i <= src.count; i++ {
		if !received[i] {
			t.Fatalf("record %d never recovered", i)
		}
	}

	if _, err := b.Receive(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("peer did not see DISCONNECT: %v", err)
	}

	select {
	case r := <-result:
		if r.err != nil {
			t.Fatalf("Run() = %v, want nil", r.err)
		}
		if r.stats.DataDatagramsDropped == 0 {
			t.Fatalf("expected at least one dropped datagram recorded")
		}
		if r.stats.RetransmittedDataDatagrams == 0 {
			t.Fatalf("expected at least one retransmission recorded")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
