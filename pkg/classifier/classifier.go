// Package classifier assigns intercepted requests to a request class.
// Classification is pure: it looks at the method, URL and Accept header only.
package classifier

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

type Class int

const (
	// Bypass requests are never intercepted.
	Bypass Class = iota
	StaticAsset
	PageNavigation
	QuizContent
	ApiCall
	// Other is handled like ApiCall unless configured otherwise.
	Other
)

var classNames = map[Class]string{
	Bypass:         "bypass",
	StaticAsset:    "static",
	PageNavigation: "page",
	QuizContent:    "quiz",
	ApiCall:        "api",
	Other:          "other",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ParseClass is the inverse of Class.String.
func ParseClass(name string) (Class, error) {
	for c, n := range classNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return Bypass, fmt.Errorf("unknown request class %q", name)
}

type Rules struct {
	// Origin of intercepted requests. Absolute request URLs for other
	// origins are bypassed.
	Origin *url.URL
	// Path prefixes of quiz content, e.g. `/quiz/`.
	QuizPrefixes []string
	// Path prefixes of API calls, e.g. `/api/`.
	APIPrefixes []string
	// Extensions of static assets, including the dot.
	StaticExtensions []string
}

// DefaultRules returns the standard classification for the given origin.
func DefaultRules(origin *url.URL) Rules {
	return Rules{
		Origin:       origin,
		QuizPrefixes: []string{"/quiz/"},
		APIPrefixes:  []string{"/api/"},
		StaticExtensions: []string{
			".js", ".css", ".png", ".jpg", ".jpeg", ".svg", ".ico", ".woff", ".woff2",
		},
	}
}

// Classify assigns the request to a class.
// Rules are applied in order; the first match wins.
func (rules Rules) Classify(r *http.Request) Class {
	if r.Method != http.MethodGet {
		return Bypass
	}
	if rules.crossOrigin(r) {
		return Bypass
	}
	p := r.URL.Path
	if hasAnyPrefix(p, rules.QuizPrefixes) {
		return QuizContent
	}
	if hasAnyPrefix(p, rules.APIPrefixes) {
		return ApiCall
	}
	if ext := strings.ToLower(path.Ext(p)); ext != "" {
		for _, static := range rules.StaticExtensions {
			if ext == static {
				return StaticAsset
			}
		}
	}
	if AcceptsHTML(r) {
		return PageNavigation
	}
	return Other
}

// IsAPI reports whether the request targets an API path.
// It does not look at the method.
func (rules Rules) IsAPI(r *http.Request) bool {
	return hasAnyPrefix(r.URL.Path, rules.APIPrefixes)
}

// AcceptsHTML reports whether the request expects an HTML document.
func AcceptsHTML(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/html") {
			return true
		}
	}
	return false
}

func (rules Rules) crossOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() || rules.Origin == nil {
		return false
	}
	return !strings.EqualFold(r.URL.Scheme, rules.Origin.Scheme) ||
		!strings.EqualFold(r.URL.Host, rules.Origin.Host)
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
