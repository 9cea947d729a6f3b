package routerules

import (
	"net/http"
	"testing"
	"time"
)

func TestRuleFinder(t *testing.T) {
	makeReq := func(path string) *http.Request {
		req, _ := http.NewRequest("GET", path, nil)
		return req
	}

	rules := Rules{
		Rule{Path: "/api/leaderboard", Strategy: "stale-while-revalidate"},
		Rule{Prefix: "/quiz/", Query: map[string]string{"preview": ""}, Strategy: "network-first"},
		Rule{Prefix: "/quiz/", TTL: time.Minute},
	}

	if rule := rules.Find(makeReq("/api/leaderboard")); rule == nil || rule.Strategy != "stale-while-revalidate" {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find(makeReq("/quiz/42?preview")); rule == nil || rule.Strategy != "network-first" {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find(makeReq("/quiz/42")); rule == nil || rule.TTL != time.Minute {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find(makeReq("/api/dashboard")); rule != nil {
		t.Fatal("Incorrect rule")
	}
}

func TestApplyHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Cache-Control", "no-store")
	rule := Rule{Headers: map[string]string{"Cache-Control": "max-age=300"}}

	rule.ApplyHeaders(header)
	if cc := header.Get("Cache-Control"); cc != "max-age=300" {
		t.Fatalf("Cache-Control header wrong, is '%s'", cc)
	}
}
