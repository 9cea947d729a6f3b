package routerules

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule overrides how matching GET requests are cached.
// Empty fields keep the value of the class binding.
type Rule struct {
	Prefix    string            `yaml:"prefix"`
	Path      string            `yaml:"path"`
	Query     map[string]string `yaml:"query"`
	Strategy  string            `yaml:"strategy"`
	Partition string            `yaml:"partition"`
	TTL       time.Duration     `yaml:"ttl"`
	Headers   map[string]string `yaml:"headers"`
}

// Find returns the first rule matching the request, or nil.
func (r Rules) Find(req *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}

// ApplyHeaders sets the configured headers on a response header before it is stored.
func (rule Rule) ApplyHeaders(header http.Header) {
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		header.Set(name, value)
	}
}
