package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectOnTransition(t *testing.T) {
	var down atomic.Bool
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	var reconnects atomic.Int32
	m := New(Config{
		URL:         origin.URL + "/health",
		OnReconnect: func(ctx context.Context) { reconnects.Add(1) },
	})
	ctx := context.Background()

	assert.False(t, m.Online())
	assert.True(t, m.Probe(ctx))
	assert.Equal(t, int32(1), reconnects.Load())

	// staying online is not a reconnection
	m.Probe(ctx)
	assert.Equal(t, int32(1), reconnects.Load())

	down.Store(true)
	assert.False(t, m.Probe(ctx))
	assert.False(t, m.Online())
	down.Store(false)
	assert.True(t, m.Probe(ctx))
	assert.Equal(t, int32(2), reconnects.Load())
}

func TestUnreachableOrigin(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	var probes atomic.Int32
	m := New(Config{URL: url, Timeout: 100 * time.Millisecond, OnProbe: func(bool) { probes.Add(1) }})
	assert.False(t, m.Probe(context.Background()))
	assert.Equal(t, int32(1), probes.Load())
}

func TestStartProbesOnInterval(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer origin.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := New(Config{URL: origin.URL, Interval: 10 * time.Millisecond})
	m.Start(ctx)
	require.Eventually(t, func() bool { return hits.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Online())
}
