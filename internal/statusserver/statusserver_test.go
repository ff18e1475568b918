package statusserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleStatusServesLatestSnapshot(t *testing.T) {
	s := New(&bytes.Buffer{})
	s.Update(Snapshot{
		State:           "wait_blast",
		Filename:        "out.bin",
		TotalRecords:    10,
		RecordsReceived: 4,
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var got Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Filename != "out.bin" || got.RecordsReceived != 4 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestCloseWithoutServeIsNoOp(t *testing.T) {
	s := New(&bytes.Buffer{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() = %v, want nil", err)
	}
}
