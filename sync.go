package alwaysoffline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ericselin/always-offline/deferred"
	"github.com/ericselin/always-offline/metrics"
	cacheupdate "github.com/ericselin/always-offline/pkg/cache-update"
	"golang.org/x/sync/errgroup"
)

// DeferredRoute selects mutating requests which are queued when the origin is unreachable.
type DeferredRoute struct {
	Prefix  string
	Methods []string
	Kind    deferred.Kind
}

func DefaultDeferredRoutes() []DeferredRoute {
	return []DeferredRoute{
		{Prefix: "/api/quiz/", Methods: []string{http.MethodPost}, Kind: deferred.QuizSubmission},
		{Prefix: "/api/analytics/", Methods: []string{http.MethodPost}, Kind: deferred.AnalyticsEvent},
	}
}

func (d DeferredRoute) matches(r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, d.Prefix) {
		return false
	}
	if len(d.Methods) == 0 {
		return r.Method == http.MethodPost
	}
	for _, m := range d.Methods {
		if strings.EqualFold(m, r.Method) {
			return true
		}
	}
	return false
}

// deferral is attached to the context of passed through requests which can be queued.
type deferral struct {
	kind deferred.Kind
	body []byte
}

type deferralKey struct{}

func (e *Engine) deferredRoute(r *http.Request) *DeferredRoute {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil
	}
	if e.classes.Origin != nil && r.URL.IsAbs() && !strings.EqualFold(r.URL.Host, e.classes.Origin.Host) {
		return nil
	}
	for i := range e.deferredRoutes {
		if e.deferredRoutes[i].matches(r) {
			return &e.deferredRoutes[i]
		}
	}
	return nil
}

// prepareDeferral buffers the body of a deferrable request, so it can be
// queued if the passthrough fails.
func (e *Engine) prepareDeferral(r *http.Request) (*http.Request, error) {
	route := e.deferredRoute(r)
	if route == nil {
		return r, nil
	}
	var body []byte
	if r.Body != nil {
		var err error
		if body, err = io.ReadAll(r.Body); err != nil {
			return r, fmt.Errorf("read request body: %w", err)
		}
		r.Body.Close()
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	d := &deferral{kind: route.Kind, body: body}
	return r.WithContext(context.WithValue(r.Context(), deferralKey{}, d)), nil
}

type queuedBody struct {
	Queued  bool   `json:"queued"`
	ID      string `json:"id"`
	Offline bool   `json:"offline"`
}

// deferWrite queues a failed mutation and tells the client so.
// It returns false if the request cannot be deferred.
func (e *Engine) deferWrite(w http.ResponseWriter, r *http.Request) bool {
	d, ok := r.Context().Value(deferralKey{}).(*deferral)
	if !ok {
		return false
	}
	header := r.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	rec, err := e.queue.Enqueue(context.WithoutCancel(r.Context()), d.kind, deferred.Payload{
		Method: r.Method,
		URL:    e.keyer.AbsoluteURL(r).String(),
		Header: header,
		Body:   d.body,
	})
	if err != nil {
		e.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not queue deferred write")
		return false
	}
	metrics.AddDeferred(d.kind.Tag(), "queued", 1)
	body, _ := json.Marshal(queuedBody{Queued: true, ID: rec.ID, Offline: true})
	w.Header().Set("Cache-Status", fwdStatus(CacheStatusFwdMethod, detailDeferred).String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write(body)
	return true
}

// OnReconnect drains the deferred writes of the tag, oldest first.
// Signals are refused until the engine is active.
func (e *Engine) OnReconnect(ctx context.Context, tag string) (deferred.DrainResult, error) {
	kind, ok := deferred.KindForTag(tag)
	if !ok {
		return deferred.DrainResult{Tag: tag}, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	if e.State() != Active {
		return deferred.DrainResult{Tag: tag}, ErrNotActive
	}
	result, err := e.queue.Drain(ctx, kind, e.deliver)
	metrics.AddDeferred(tag, "delivered", result.Delivered)
	metrics.AddDeferred(tag, "failed", result.Failed)
	metrics.AddDeferred(tag, "dead", result.Dead)
	e.log.Info().
		Str("tag", tag).
		Int("delivered", result.Delivered).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Drained deferred writes")
	return result, err
}

// ReconnectAll drains every tag. Tags are drained concurrently.
func (e *Engine) ReconnectAll(ctx context.Context) error {
	g := errgroup.Group{}
	for _, kind := range deferred.Kinds() {
		tag := kind.Tag()
		g.Go(func() error {
			_, err := e.OnReconnect(ctx, tag)
			return err
		})
	}
	return g.Wait()
}

// deliver replays a deferred write. Only a 2xx response confirms delivery.
func (e *Engine) deliver(ctx context.Context, rec deferred.Record) error {
	req, err := http.NewRequestWithContext(ctx, rec.Payload.Method, rec.Payload.URL, bytes.NewReader(rec.Payload.Body))
	if err != nil {
		return fmt.Errorf("create delivery request: %w", err)
	}
	copyHeader(req.Header, rec.Payload.Header)
	if e.originHost != "" {
		req.Host = e.originHost
	}
	res, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if !isSuccess(res.StatusCode) {
		return fmt.Errorf("delivery rejected with status %d", res.StatusCode)
	}
	e.applyCacheUpdates(cacheupdate.GetCacheUpdates(req, res.Header))
	return nil
}
