package alwaysoffline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ericselin/always-offline/cache"
	"github.com/ericselin/always-offline/pkg/classifier"
	serializer "github.com/ericselin/always-offline/pkg/response-serializer"
	routerules "github.com/ericselin/always-offline/pkg/route-rules"
)

type Strategy string

const (
	CacheFirstTTL        Strategy = "cache-first-ttl"
	NetworkFirst         Strategy = "network-first"
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case CacheFirstTTL, NetworkFirst, CacheFirst, StaleWhileRevalidate:
		return s, nil
	}
	return "", fmt.Errorf("unknown strategy %q", name)
}

// Binding is the caching behavior of a request class.
type Binding struct {
	Strategy  Strategy
	Partition PartitionRole
	// Only used by cache-first-ttl.
	TTL time.Duration
}

type StrategyTable map[classifier.Class]Binding

const DefaultQuizTTL = 300 * time.Second

func DefaultStrategies() StrategyTable {
	return StrategyTable{
		classifier.QuizContent:    {Strategy: CacheFirstTTL, Partition: RoleQuiz, TTL: DefaultQuizTTL},
		classifier.ApiCall:        {Strategy: NetworkFirst, Partition: RoleDynamic},
		classifier.Other:          {Strategy: NetworkFirst, Partition: RoleDynamic},
		classifier.StaticAsset:    {Strategy: CacheFirst, Partition: RoleStatic},
		classifier.PageNavigation: {Strategy: StaleWhileRevalidate, Partition: RoleDynamic},
	}
}

// Response is the answer to an intercepted request.
type Response struct {
	serializer.StoredResponse
	CacheStatus CacheStatus
}

// binding returns the binding of the request, with any matching route rule applied.
func (e *Engine) binding(req *request) Binding {
	b, ok := e.strategies[req.class]
	if !ok {
		b = Binding{Strategy: NetworkFirst, Partition: RoleDynamic}
	}
	if req.rule != nil {
		if req.rule.Strategy != "" {
			b.Strategy = Strategy(req.rule.Strategy)
		}
		if req.rule.Partition != "" {
			b.Partition = PartitionRole(req.rule.Partition)
		}
		if req.rule.TTL > 0 {
			b.TTL = req.rule.TTL
		}
	}
	if b.Strategy == CacheFirstTTL && b.TTL <= 0 {
		b.TTL = DefaultQuizTTL
	}
	return b
}

// respond runs the strategy bound to the request.
func (e *Engine) respond(ctx context.Context, req *request) Response {
	p, err := e.partition(ctx, req.binding.Partition)
	if err != nil {
		// the request can still be served from the network
		req.log.Error().Err(err).Msg("Could not open partition")
		p = nil
	}
	switch req.binding.Strategy {
	case CacheFirstTTL:
		return e.cacheFirstTTL(ctx, req, p)
	case CacheFirst:
		return e.cacheFirst(ctx, req, p)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, req, p)
	default:
		return e.networkFirst(ctx, req, p)
	}
}

// cacheFirstTTL serves fresh entries and refreshes them in the background.
// Expired entries are refreshed before responding, but still served if that fails.
func (e *Engine) cacheFirstTTL(ctx context.Context, req *request, p cache.Partition) Response {
	cached, found := e.lookup(ctx, req, p)
	if found && cached.Age(e.now()) < req.binding.TTL {
		e.refreshInBackground(req, p)
		return Response{cached, hitStatus("")}
	}
	res, err := e.fetch(ctx, req.r)
	if err == nil {
		return e.forwarded(ctx, req, p, res, found)
	}
	if found {
		req.log.Trace().Err(err).Msg("Serving expired entry")
		return Response{cached, hitStatus(detailStale)}
	}
	return e.failed(ctx, req, res, err)
}

// networkFirst always tries the origin and falls back to the partition.
func (e *Engine) networkFirst(ctx context.Context, req *request, p cache.Partition) Response {
	res, err := e.fetch(ctx, req.r)
	if err == nil {
		return e.forwarded(ctx, req, p, res, false)
	}
	if cached, found := e.lookup(ctx, req, p); found {
		req.log.Trace().Err(err).Msg("Serving cached entry")
		return Response{cached, hitStatus(detailStale)}
	}
	return e.failed(ctx, req, res, err)
}

// cacheFirst serves any stored entry, regardless of age.
func (e *Engine) cacheFirst(ctx context.Context, req *request, p cache.Partition) Response {
	if cached, found := e.lookup(ctx, req, p); found {
		return Response{cached, hitStatus("")}
	}
	res, err := e.fetch(ctx, req.r)
	if err == nil {
		return e.forwarded(ctx, req, p, res, false)
	}
	return e.failed(ctx, req, res, err)
}

// staleWhileRevalidate serves any stored entry and refreshes it in the background.
func (e *Engine) staleWhileRevalidate(ctx context.Context, req *request, p cache.Partition) Response {
	if cached, found := e.lookup(ctx, req, p); found {
		e.refreshInBackground(req, p)
		return Response{cached, hitStatus("")}
	}
	res, err := e.fetch(ctx, req.r)
	if err == nil {
		return e.forwarded(ctx, req, p, res, false)
	}
	return e.failed(ctx, req, res, err)
}

// forwarded stores a successful origin response and returns it.
func (e *Engine) forwarded(ctx context.Context, req *request, p cache.Partition, res serializer.StoredResponse, hadEntry bool) Response {
	cs := CacheStatus{}
	if hadEntry {
		cs.Forward(CacheStatusFwdStale)
	} else {
		cs.Forward(CacheStatusFwdUriMiss)
	}
	if stored, ok := e.save(ctx, p, req.key, res, req.rule); ok {
		cs.Stored()
		res = stored
	}
	return Response{res, cs}
}

// failed answers a request which neither the partition nor the origin could serve.
// A real origin response is passed on as is, otherwise an offline response is synthesized.
func (e *Engine) failed(ctx context.Context, req *request, res serializer.StoredResponse, err error) Response {
	if res.StatusCode != 0 {
		req.log.Trace().Err(err).Msg("Passing on origin response")
		return Response{res, fwdStatus(CacheStatusFwdUriMiss, "")}
	}
	req.log.Debug().Err(err).Msg("Offline")
	return Response{e.resolveOffline(ctx, req.r), fwdStatus(CacheStatusFwdMiss, detailOffline)}
}

// lookup returns the decoded entry for the request, if any.
// Partition errors count as a miss.
func (e *Engine) lookup(ctx context.Context, req *request, p cache.Partition) (serializer.StoredResponse, bool) {
	if p == nil {
		return serializer.StoredResponse{}, false
	}
	entry, ok, err := p.Get(ctx, req.key)
	if err != nil {
		req.log.Error().Err(err).Msg("Could not read from cache")
		return serializer.StoredResponse{}, false
	}
	if !ok {
		req.log.Trace().Str("partition", p.Name()).Msg("Cache miss")
		return serializer.StoredResponse{}, false
	}
	res, err := serializer.Decode(entry.Bytes)
	if err != nil {
		req.log.Error().Err(err).Msg("Could not decode cached response")
		return serializer.StoredResponse{}, false
	}
	req.log.Trace().Str("partition", p.Name()).Msg("Cache hit")
	return res, true
}

// save stores a 200 response under the key, with the engine clock as stored-at time.
// It returns the snapshot as stored.
func (e *Engine) save(ctx context.Context, p cache.Partition, key string, res serializer.StoredResponse, rule *routerules.Rule) (serializer.StoredResponse, bool) {
	if p == nil || res.StatusCode != http.StatusOK {
		return res, false
	}
	if rule != nil {
		rule.ApplyHeaders(res.Header)
	}
	now := e.now()
	b, err := serializer.Encode(res, now)
	if err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("Could not encode response")
		return res, false
	}
	e.log.Trace().Str("key", key).Str("partition", p.Name()).Msg("Writing to cache")
	if err := p.Put(ctx, cache.Entry{Key: key, StoredAt: now, Bytes: b}); err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return res, false
	}
	res.StoredAt = now
	return res, true
}

func (e *Engine) partition(ctx context.Context, role PartitionRole) (cache.Partition, error) {
	return e.store.Open(ctx, e.versions.Name(role))
}
