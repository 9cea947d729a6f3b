// Package connectivity probes the origin and signals when it becomes reachable again.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// Full URL of the probed resource.
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   *zerolog.Logger
	// Called on every offline to online transition.
	OnReconnect func(ctx context.Context)
	// Called after every probe.
	OnProbe func(online bool)
}

type state int

const (
	unknown state = iota
	online
	offline
)

type Monitor struct {
	cfg   Config
	log   zerolog.Logger
	mu    sync.Mutex
	state state
}

func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		l := zerolog.Nop()
		cfg.Logger = &l
	}
	return &Monitor{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "connectivity").Str("probe", cfg.URL).Logger(),
	}
}

// Start probes immediately and then on every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	go func() {
		defer ticker.Stop()
		m.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
}

// Online reports the result of the last probe. It is false before the first probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == online
}

// Probe checks the origin once and returns whether it was reachable.
// The first successful probe also counts as a reconnection,
// so writes deferred by a previous run are delivered.
func (m *Monitor) Probe(ctx context.Context) bool {
	up := m.reachable(ctx)

	m.mu.Lock()
	previous := m.state
	if up {
		m.state = online
	} else {
		m.state = offline
	}
	m.mu.Unlock()

	if m.cfg.OnProbe != nil {
		m.cfg.OnProbe(up)
	}
	switch {
	case up && previous != online:
		m.log.Info().Msg("Origin reachable")
		if m.cfg.OnReconnect != nil {
			m.cfg.OnReconnect(ctx)
		}
	case !up && previous != offline:
		m.log.Warn().Msg("Origin unreachable")
	}
	return up
}

func (m *Monitor) reachable(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodHead, m.cfg.URL, nil)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not create probe request")
		return false
	}
	res, err := m.cfg.Client.Do(req)
	if err != nil {
		m.log.Trace().Err(err).Msg("Probe failed")
		return false
	}
	res.Body.Close()
	// any answer from the origin itself means the network is back
	return res.StatusCode < 500
}
