package alwaysoffline

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericselin/always-offline/cache"
	"github.com/ericselin/always-offline/deferred"
	"github.com/ericselin/always-offline/metrics"
	cachekey "github.com/ericselin/always-offline/pkg/cache-key"
	"github.com/ericselin/always-offline/pkg/classifier"
	serializer "github.com/ericselin/always-offline/pkg/response-serializer"
	tee "github.com/ericselin/always-offline/pkg/response-writer-tee"
	routerules "github.com/ericselin/always-offline/pkg/route-rules"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	// Storage for partitions. An in-memory store is used if nil.
	Store cache.Store
	// Queue for failed mutations. An in-memory queue is used if nil.
	Queue *deferred.Queue
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Partition versions. All roles at "v1" if nil.
	Versions VersionTable
	// Strategy per request class. DefaultStrategies if nil.
	Strategies StrategyTable
	// Per-path overrides of the strategy table.
	Rules routerules.Rules
	// Request classification. The default rules for the origin if nil.
	Classifier *classifier.Rules
	// Mutations to queue when the origin is unreachable. DefaultDeferredRoutes if nil.
	DeferredRoutes []DeferredRoute
	// Path of the offline document, precached at install.
	OfflinePage string
	// Static assets precached at install.
	Precache []string
	// Transport to the origin. Mostly for tests.
	Transport http.RoundTripper
	// Clock of the engine. time.Now if nil.
	Clock func() time.Time
}

type Engine struct {
	store          cache.Store
	queue          *deferred.Queue
	keyer          cachekey.CacheKeyer
	classes        classifier.Rules
	strategies     StrategyTable
	rules          routerules.Rules
	versions       VersionTable
	deferredRoutes []DeferredRoute
	offlinePage    string
	precacheList   []string
	originHost     string
	client         *http.Client
	reverseproxy   httputil.ReverseProxy
	log            zerolog.Logger
	now            func() time.Time

	state     atomic.Int32
	lifecycle sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	tasks    sync.WaitGroup
	flight   singleflight.Group
	detachMu sync.Mutex
	closed   bool
}

// CreateEngine initializes the engine in the Idle state.
// Requests are passed through uncached until OnInstall has activated it.
func CreateEngine(config Config) *Engine {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	e := &Engine{
		store:          config.Store,
		queue:          config.Queue,
		keyer:          cachekey.NewCacheKeyer(config.OriginURL),
		strategies:     config.Strategies,
		rules:          config.Rules,
		versions:       maps.Clone(config.Versions),
		deferredRoutes: config.DeferredRoutes,
		offlinePage:    config.OfflinePage,
		precacheList:   config.Precache,
		originHost:     config.OriginHost,
		log:            logger,
		now:            config.Clock,
	}
	if e.store == nil {
		e.store = cache.NewMemStore()
	}
	if e.queue == nil {
		e.queue = deferred.NewQueue(deferred.NewMemStore(), deferred.RetryPolicy{}, &logger)
	}
	if config.Classifier != nil {
		e.classes = *config.Classifier
	} else {
		origin := e.keyer.Origin
		e.classes = classifier.DefaultRules(&origin)
	}
	if e.strategies == nil {
		e.strategies = DefaultStrategies()
	}
	if e.versions == nil {
		e.versions = DefaultVersions("v1")
	}
	if e.deferredRoutes == nil {
		e.deferredRoutes = DefaultDeferredRoutes()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.ensureRoles()

	transport := config.Transport
	if transport == nil {
		transport = newTransport(config.OriginHost)
	}
	e.client = newClient(transport)
	e.reverseproxy = httputil.ReverseProxy{
		Director:       e.director,
		Transport:      transport,
		ModifyResponse: stripCacheStatus,
		ErrorHandler:   e.passthroughFailed,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	metrics.Init()
	return e
}

// ensureRoles adds the partition roles used by bindings and rules to the version table.
func (e *Engine) ensureRoles() {
	tag := e.versions[RoleDynamic]
	if tag == "" {
		tag = "v1"
	}
	add := func(role PartitionRole) {
		if _, ok := e.versions[role]; !ok && role != "" {
			e.versions[role] = tag
		}
	}
	add(RoleDynamic)
	for _, b := range e.strategies {
		add(b.Partition)
	}
	for _, rule := range e.rules {
		add(PartitionRole(rule.Partition))
	}
}

type request struct {
	r       *http.Request
	key     string
	class   classifier.Class
	binding Binding
	rule    *routerules.Rule
	log     zerolog.Logger
}

func (e *Engine) newRequest(r *http.Request, class classifier.Class) *request {
	req := &request{
		r:     r,
		class: class,
		rule:  e.rules.Find(r),
	}
	req.key, _ = e.keyer.GetKey(r)
	req.binding = e.binding(req)
	req.log = e.log.With().
		Str("key", req.key).
		Str("class", class.String()).
		Str("strategy", string(req.binding.Strategy)).
		Logger()
	return req
}

// ServeHTTP implements the http.Handler interface.
// Every request of a client goes through here.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	class := e.classes.Classify(r)
	if class == classifier.Bypass {
		e.passthrough(w, r, fwdStatus(CacheStatusFwdMethod, ""))
		metrics.ObserveRequest(class.String(), "", "passthrough", time.Since(start))
		return
	}
	if e.State() != Active {
		e.passthrough(w, r, fwdStatus(CacheStatusFwdBypass, detailInactive))
		metrics.ObserveRequest(class.String(), "", "passthrough", time.Since(start))
		return
	}

	req := e.newRequest(r, class)
	res := e.respond(r.Context(), req)
	if _, err := writeResponse(w, res.StoredResponse, res.CacheStatus); err != nil {
		req.log.Error().Err(err).Msg("Could not write response body to client")
	}
	e.logRequest(req, res)
	metrics.ObserveRequest(class.String(), string(req.binding.Strategy), outcome(res.CacheStatus), time.Since(start))
}

func outcome(cs CacheStatus) string {
	switch {
	case cs.detail == detailOffline:
		return "offline"
	case cs.detail == detailStale:
		return "stale"
	case cs.IsHit():
		return "hit"
	}
	return "miss"
}

// passthrough sends the request to its destination without caching.
// Failed mutations on deferred routes are queued.
func (e *Engine) passthrough(w http.ResponseWriter, r *http.Request, cs CacheStatus) {
	e.log.Trace().Msgf("Proxying %s %s", r.Method, r.URL.String())
	r, err := e.prepareDeferral(r)
	if err != nil {
		e.log.Error().Err(err).Msg("Could not prepare deferral")
	}
	rwtee := tee.NewResponseSaver(w)
	rwtee.Header().Set("Cache-Status", cs.String())
	e.reverseproxy.ServeHTTP(rwtee, r)

	e.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", rwtee.StatusCode()).
		Int64("size", rwtee.BytesWritten()).
		Str("cacheStatus", rwtee.Header().Get("Cache-Status")).
		Msg("Passed through")
	if isSuccess(rwtee.StatusCode()) {
		e.applyCacheUpdates(rwtee.Updates(r))
	}
}

// passthroughFailed is the error handler of the reverse proxy.
// Only connectivity failures are deferred or answered offline. A request
// abandoned by its client may already have reached the origin.
func (e *Engine) passthroughFailed(w http.ResponseWriter, r *http.Request, err error) {
	log := e.log.With().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Logger()
	if rw, ok := w.(*tee.ResponseSaver); ok && rw.Written() {
		log.Debug().Msg("Passthrough failed after response started")
		return
	}
	if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
		log.Debug().Msg("Passthrough abandoned by client")
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	log.Debug().Msg("Passthrough failed")
	if e.deferWrite(w, r) {
		return
	}
	res := e.resolveOffline(r.Context(), r)
	writeResponse(w, res, fwdStatus(CacheStatusFwdMiss, detailOffline))
}

// writeResponse sends the snapshot with the engine's Cache-Status.
// A Cache-Status of the origin is dropped.
func writeResponse(w http.ResponseWriter, res serializer.StoredResponse, cs CacheStatus) (int, error) {
	res.Header = res.Header.Clone()
	res.Header.Del("Cache-Status")
	w.Header().Set("Cache-Status", cs.String())
	return res.Write(w)
}

// stripCacheStatus drops the Cache-Status of passed through origin responses,
// the engine sets its own.
func stripCacheStatus(res *http.Response) error {
	res.Header.Del("Cache-Status")
	return nil
}

// director routes same-origin requests to the origin.
// Cross-origin requests in absolute form keep their destination.
func (e *Engine) director(req *http.Request) {
	if req.URL.IsAbs() && !strings.EqualFold(req.URL.Host, e.keyer.Origin.Host) {
		req.Host = req.URL.Host
		return
	}
	req.URL.Scheme = e.keyer.Origin.Scheme
	req.URL.Host = e.keyer.Origin.Host
	req.Host = e.keyer.Origin.Host
	if e.originHost != "" {
		req.Host = e.originHost
	}
}

func (e *Engine) logRequest(req *request, res Response) {
	req.log.Debug().
		Str("method", req.r.Method).
		Str("url", req.r.URL.String()).
		Str("sourceIp", getRequestSourceIp(req.r)).
		Int("code", res.StatusCode).
		Str("status", string(res.CacheStatus.status)).
		Str("fwd", string(res.CacheStatus.fwdReason)).
		Bool("stored", res.CacheStatus.stored).
		Bool("offline", res.CacheStatus.detail == detailOffline).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
