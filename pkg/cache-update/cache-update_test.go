package cacheupdate

import (
	"net/http"
	"testing"
	"time"
)

func TestUpdatesFromHeader(t *testing.T) {
	req, _ := http.NewRequest("POST", "/api/quiz/42/submit", nil)
	header := http.Header{}
	header.Add("Cache-Update", "/api/dashboard")
	header.Add("Cache-Update", "results?page=1; delay=2")

	updates := GetCacheUpdates(req, header)
	if len(updates) != 2 {
		t.Fatalf("Updates are %+v", updates)
	}
	if updates[0].Path != "/api/dashboard" || updates[0].Delay != 0 {
		t.Fatalf("First update is %+v", updates[0])
	}
	if updates[1].Path != "/api/quiz/42/results?page=1" || updates[1].Delay != 2*time.Second {
		t.Fatalf("Second update is %+v", updates[1])
	}
}

func TestSafeRequestsHaveNoUpdates(t *testing.T) {
	req, _ := http.NewRequest("GET", "/api/dashboard", nil)
	header := http.Header{"Cache-Update": {"/api/dashboard"}}
	if updates := GetCacheUpdates(req, header); len(updates) != 0 {
		t.Fatalf("Updates are %+v", updates)
	}
}

func TestGetDelay(t *testing.T) {
	if d := getDelay("/x; Delay=5"); d != 5*time.Second {
		t.Fatalf("Delay is %s", d)
	}
	if d := getDelay("/x"); d != 0 {
		t.Fatalf("Delay is %s", d)
	}
}
