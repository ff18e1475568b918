package telemetry

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNoOpPublishNeverPanics(t *testing.T) {
	var p NoOp
	p.Publish(Event{Kind: KindHandshakeComplete, Timestamp: time.Now()})
}

func TestEventMarshalsOmitsZeroFields(t *testing.T) {
	e := Event{Kind: KindBlastStarted, Timestamp: time.Now()}
	buf, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(buf, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := m["blast_start"]; ok {
		t.Errorf("expected blast_start to be omitted when zero")
	}
	if _, ok := m["message"]; ok {
		t.Errorf("expected message to be omitted when empty")
	}
	if m["kind"] != KindBlastStarted {
		t.Errorf("kind = %v, want %v", m["kind"], KindBlastStarted)
	}
}
