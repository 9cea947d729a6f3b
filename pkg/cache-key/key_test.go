package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func testKeyer() CacheKeyer {
	origin, _ := url.Parse("https://quiz.example.com")
	return NewCacheKeyer(*origin)
}

func TestRequestFromKey(t *testing.T) {
	keygen := testKeyer()
	r, _ := http.NewRequest("GET", "/quiz/42?lang=en", nil)
	key, err := keygen.GetKey(r)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "https://quiz.example.com/quiz/42?lang=en" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestKeyIncludesMethodAndAbsoluteURL(t *testing.T) {
	keygen := testKeyer()
	r, _ := http.NewRequest("GET", "/api/dashboard", nil)
	key, _ := keygen.GetKey(r)
	if key != "GET https://quiz.example.com/api/dashboard" {
		t.Fatalf("Key is %s", key)
	}
}

func TestAbsoluteRequestsKeepTheirHost(t *testing.T) {
	keygen := testKeyer()
	r, _ := http.NewRequest("GET", "https://quiz.example.com/app.js#top", nil)
	key, _ := keygen.GetKey(r)
	if key != "GET https://quiz.example.com/app.js" {
		t.Fatalf("Key is %s", key)
	}
}

func TestNonGetIsNotKeyed(t *testing.T) {
	keygen := testKeyer()
	r, _ := http.NewRequest("POST", "/api/quiz/42/submit", nil)
	if _, err := keygen.GetKey(r); err != ErrorMethodNotSupported {
		t.Fatalf("Error is %v", err)
	}
}

func TestKeyForPathMatchesRequestKey(t *testing.T) {
	keygen := testKeyer()
	r, _ := http.NewRequest("GET", "/offline.html", nil)
	key, _ := keygen.GetKey(r)
	if pathKey := keygen.KeyForPath("/offline.html"); pathKey != key {
		t.Fatalf("Path key %s differs from request key %s", pathKey, key)
	}
}
