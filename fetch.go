package alwaysoffline

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	serializer "github.com/ericselin/always-offline/pkg/response-serializer"
	"golang.org/x/net/http2"
)

// Hop-by-hop headers, never forwarded or stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request headers which would make the origin answer with something else than a full 200.
var conditionalHeaders = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// newTransport returns the origin transport.
// There are no engine level timeouts, only the dial timeout of the transport.
func newTransport(originHost string) *http.Transport {
	tr := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}
	if originHost != "" {
		tr.TLSClientConfig = &tls.Config{
			ServerName: originHost,
		}
	}
	http2.ConfigureTransport(tr)
	return tr
}

func newClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		// redirects are answers too, the client follows them
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// fetch gets the request from the origin.
// A transport error or a non-2xx status is a network failure. For the latter,
// the origin response is returned along with the error.
func (e *Engine) fetch(ctx context.Context, r *http.Request) (serializer.StoredResponse, error) {
	out, err := http.NewRequestWithContext(ctx, http.MethodGet, e.keyer.AbsoluteURL(r).String(), nil)
	if err != nil {
		return serializer.StoredResponse{}, err
	}
	copyHeader(out.Header, r.Header)
	for _, h := range conditionalHeaders {
		out.Header.Del(h)
	}
	// let the transport negotiate and decode compression
	out.Header.Del("Accept-Encoding")
	if e.originHost != "" {
		out.Host = e.originHost
	}

	e.log.Trace().Str("url", out.URL.String()).Msg("Fetching from origin")
	res, err := e.client.Do(out)
	if err != nil {
		return serializer.StoredResponse{}, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	sRes, err := serializer.FromResponse(res)
	if err != nil {
		return serializer.StoredResponse{}, fmt.Errorf("%w: reading body: %v", ErrNetworkFailure, err)
	}
	for _, h := range hopHeaders {
		sRes.Header.Del(h)
	}
	if !isSuccess(sRes.StatusCode) {
		return sRes, fmt.Errorf("%w: origin responded %d", ErrNetworkFailure, sRes.StatusCode)
	}
	return sRes, nil
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// copyHeader copies the end-to-end headers.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
