package alwaysoffline

import (
	"fmt"
	"net/url"

	"github.com/ericselin/always-offline/config"
	"github.com/ericselin/always-offline/deferred"
	"github.com/ericselin/always-offline/pkg/classifier"
)

// ConfigFromFile translates loaded settings into an engine configuration.
// Store, queue and logger are left for the caller.
func ConfigFromFile(c *config.Config) (Config, error) {
	var cfg Config
	if c.Origin == "" {
		return cfg, fmt.Errorf("no origin configured")
	}
	origin, err := url.Parse(c.Origin)
	if err != nil {
		return cfg, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return cfg, fmt.Errorf("origin must be an absolute URL: %s", c.Origin)
	}
	cfg.OriginURL = *origin
	cfg.OriginHost = c.OriginHost
	cfg.Versions = DefaultVersions(c.Version)
	cfg.OfflinePage = c.OfflinePage
	cfg.Precache = c.Precache

	cfg.Strategies = DefaultStrategies()
	for name, sc := range c.Strategies {
		class, err := classifier.ParseClass(name)
		if err != nil {
			return cfg, err
		}
		if class == classifier.Bypass {
			return cfg, fmt.Errorf("bypassed requests cannot have a strategy")
		}
		b := cfg.Strategies[class]
		if sc.Strategy != "" {
			if b.Strategy, err = ParseStrategy(sc.Strategy); err != nil {
				return cfg, err
			}
		}
		if sc.Partition != "" {
			b.Partition = PartitionRole(sc.Partition)
		}
		if sc.TTL > 0 {
			b.TTL = sc.TTL
		}
		cfg.Strategies[class] = b
	}

	for _, rule := range c.Rules {
		if rule.Strategy == "" {
			continue
		}
		if _, err := ParseStrategy(rule.Strategy); err != nil {
			return cfg, fmt.Errorf("rule %s%s: %w", rule.Path, rule.Prefix, err)
		}
	}
	cfg.Rules = c.Rules

	if len(c.Deferred) > 0 {
		cfg.DeferredRoutes = make([]DeferredRoute, 0, len(c.Deferred))
		for _, d := range c.Deferred {
			kind, ok := deferred.KindForTag(d.Tag)
			if !ok {
				return cfg, fmt.Errorf("%w: %s", ErrUnknownTag, d.Tag)
			}
			cfg.DeferredRoutes = append(cfg.DeferredRoutes, DeferredRoute{
				Prefix:  d.Prefix,
				Methods: d.Methods,
				Kind:    kind,
			})
		}
	}
	return cfg, nil
}
