package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = " "

// CacheKeyer creates request identities for cache entries.
// A key is the request method followed by the absolute request URL,
// resolved against the origin for requests that only carry a path.
type CacheKeyer struct {
	// Origin the relative request URLs are resolved against.
	Origin url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	origin.Path = ""
	origin.RawQuery = ""
	origin.Fragment = ""
	return CacheKeyer{Origin: origin}
}

// AbsoluteURL returns the absolute URL of the request.
// Requests in origin-form (path only) are resolved against the origin.
func (c CacheKeyer) AbsoluteURL(r *http.Request) *url.URL {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = c.Origin.Scheme
		u.Host = c.Origin.Host
	}
	u.Fragment = ""
	u.RawFragment = ""
	return &u
}

// GetKey returns the cache key for a request.
// Only GET requests can be keyed, since nothing else is ever stored.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return r.Method + methodSeparator + c.AbsoluteURL(r).String(), nil
}

// KeyForPath returns the GET key for a path on the origin.
func (c CacheKeyer) KeyForPath(path string) string {
	u := c.Origin
	ref, err := url.Parse(path)
	if err != nil {
		u.Path = path
		return http.MethodGet + methodSeparator + u.String()
	}
	return http.MethodGet + methodSeparator + u.ResolveReference(ref).String()
}

// GetRequestFromKey generates a request equal to the request that resulted in the
// provided key, caching-wise.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
