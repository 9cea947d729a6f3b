package alwaysoffline

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ericselin/always-offline/metrics"
	"github.com/ericselin/always-offline/pkg/classifier"
	serializer "github.com/ericselin/always-offline/pkg/response-serializer"
)

type offlineBody struct {
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Timestamp int64  `json:"timestamp"`
}

// resolveOffline synthesizes the response for a request which neither the
// partitions nor the origin could serve. It never fails.
func (e *Engine) resolveOffline(ctx context.Context, r *http.Request) serializer.StoredResponse {
	if classifier.AcceptsHTML(r) {
		if doc, ok := e.offlineDocument(ctx); ok {
			metrics.IncOfflineFallback("document")
			return doc
		}
		metrics.IncOfflineFallback("generic")
		return genericOffline()
	}
	if e.classes.IsAPI(r) {
		metrics.IncOfflineFallback("api")
		body, err := json.Marshal(offlineBody{
			Error:     "Network unavailable",
			Offline:   true,
			Timestamp: e.now().UnixMilli(),
		})
		if err != nil {
			return genericOffline()
		}
		header := http.Header{}
		header.Set("Content-Type", "application/json")
		return serializer.StoredResponse{
			StatusCode: http.StatusServiceUnavailable,
			Header:     header,
			Body:       body,
		}
	}
	metrics.IncOfflineFallback("generic")
	return genericOffline()
}

// offlineDocument returns the offline page precached into the dynamic partition.
func (e *Engine) offlineDocument(ctx context.Context) (serializer.StoredResponse, bool) {
	if e.offlinePage == "" {
		return serializer.StoredResponse{}, false
	}
	name := e.versions.Name(RoleDynamic)
	if has, err := e.store.Has(ctx, name); err != nil || !has {
		return serializer.StoredResponse{}, false
	}
	p, err := e.store.Open(ctx, name)
	if err != nil {
		return serializer.StoredResponse{}, false
	}
	entry, ok, err := p.Get(ctx, e.keyer.KeyForPath(e.offlinePage))
	if err != nil || !ok {
		return serializer.StoredResponse{}, false
	}
	doc, err := serializer.Decode(entry.Bytes)
	if err != nil {
		e.log.Error().Err(err).Msg("Could not decode offline document")
		return serializer.StoredResponse{}, false
	}
	return doc, true
}

func genericOffline() serializer.StoredResponse {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return serializer.StoredResponse{
		StatusCode: http.StatusServiceUnavailable,
		Header:     header,
		Body:       []byte("Offline"),
	}
}
