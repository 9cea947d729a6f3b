package tee

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSaverPassesResponseThrough(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := NewResponseSaver(rr)
	rw.Header().Set("Cache-Update", "/api/dashboard")
	rw.Header().Add("Cache-Update", "/quiz/42; delay=1")
	rw.WriteHeader(http.StatusCreated)
	rw.Write([]byte("submitted"))
	req := httptest.NewRequest("POST", "/api/quiz/42/submit", nil)

	if rr.Code != http.StatusCreated || rr.Body.String() != "submitted" {
		t.Fatalf("Recorded %d %s", rr.Code, rr.Body.String())
	}
	if rw.StatusCode() != http.StatusCreated {
		t.Fatalf("Status code is %d", rw.StatusCode())
	}
	updates := rw.Updates(req)
	if len(updates) != 2 || updates[0].Path != "/api/dashboard" {
		t.Fatalf("Updates are %v", updates)
	}
	if updates[1].Path != "/quiz/42" || updates[1].Delay != time.Second {
		t.Fatalf("Second update is %+v", updates[1])
	}
	if rw.BytesWritten() != int64(len("submitted")) {
		t.Fatalf("Bytes written %d", rw.BytesWritten())
	}
}

func TestWriteImpliesOK(t *testing.T) {
	rw := NewResponseSaver(nil)
	if rw.Written() {
		t.Fatal("Written before writing")
	}
	rw.Write([]byte("x"))
	if !rw.Written() || rw.StatusCode() != http.StatusOK {
		t.Fatalf("Status code is %d", rw.StatusCode())
	}
}

func TestNoUpdatesForSafeRequests(t *testing.T) {
	rw := NewResponseSaver(nil)
	rw.Header().Set("Cache-Update", "/api/dashboard")
	rw.WriteHeader(http.StatusOK)
	if updates := rw.Updates(httptest.NewRequest("GET", "/dashboard", nil)); len(updates) != 0 {
		t.Fatalf("Updates are %v", updates)
	}
}
