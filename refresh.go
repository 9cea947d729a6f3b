package alwaysoffline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ericselin/always-offline/cache"
	"github.com/ericselin/always-offline/metrics"
	"github.com/ericselin/always-offline/pkg/cache-update"
	"github.com/ericselin/always-offline/pkg/classifier"
)

// refreshInBackground re-fetches the request and overwrites its entry on success.
// Concurrent refreshes of the same entry are done once.
func (e *Engine) refreshInBackground(req *request, p cache.Partition) {
	if p == nil {
		return
	}
	// the client request is done by the time the refresh runs
	r := req.r.Clone(e.ctx)
	key, rule := req.key, req.rule
	e.detachOnce("refresh", p.Name()+" "+key, func(ctx context.Context) error {
		res, err := e.fetch(ctx, r)
		if err != nil {
			metrics.IncRefresh("failed")
			return fmt.Errorf("refresh %s: %w", key, err)
		}
		if _, ok := e.save(ctx, p, key, res, rule); !ok {
			metrics.IncRefresh("not-stored")
			return nil
		}
		metrics.IncRefresh("stored")
		e.log.Trace().Str("key", key).Msg("Refreshed cache entry")
		return nil
	})
}

// applyCacheUpdates refreshes the resources named in the Cache-Update headers
// of a successful mutation. Each update runs in the background, after its delay.
func (e *Engine) applyCacheUpdates(updates []cacheupdate.CacheUpdate) {
	for _, update := range updates {
		update := update
		e.log.Trace().Str("update", update.Path).Dur("delay", update.Delay).Msg("Updating cache based on header")
		e.detach("cache-update", func(ctx context.Context) error {
			if update.Delay > 0 {
				select {
				case <-time.After(update.Delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return e.updatePath(ctx, update.Path)
		})
	}
}

// updatePath fetches the path and stores it in the partition of its binding.
func (e *Engine) updatePath(ctx context.Context, path string) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("create request for update %s: %w", path, err)
	}
	class := e.classes.Classify(r)
	if class == classifier.Bypass {
		return nil
	}
	req := e.newRequest(r, class)
	p, err := e.partition(ctx, req.binding.Partition)
	if err != nil {
		return err
	}
	res, err := e.fetch(ctx, r)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	e.save(ctx, p, req.key, res, req.rule)
	return nil
}

// RefreshResult is the outcome of a partition refresh.
type RefreshResult struct {
	Partition string `json:"partition"`
	Refreshed int    `json:"refreshed"`
	Removed   int    `json:"removed"`
	Failed    int    `json:"failed"`
}

// RefreshPartition re-fetches every entry of the named partition.
// Entries the origin answers with 404 or 410 are removed, entries which
// cannot be fetched are kept as they are.
func (e *Engine) RefreshPartition(ctx context.Context, name string) (RefreshResult, error) {
	result := RefreshResult{Partition: name}
	if has, err := e.store.Has(ctx, name); err != nil {
		return result, err
	} else if !has {
		return result, fmt.Errorf("%w: %s", ErrUnknownPartition, name)
	}
	p, err := e.store.Open(ctx, name)
	if err != nil {
		return result, err
	}
	var keys []string
	if err := p.Keys(ctx, func(key string) { keys = append(keys, key) }); err != nil {
		return result, fmt.Errorf("list keys of %s: %w", name, err)
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		r, err := e.keyer.GetRequestFromKey(key)
		if err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("Could not recreate request")
			result.Failed++
			continue
		}
		r = r.WithContext(ctx)
		res, err := e.fetch(ctx, r)
		switch {
		case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
			if err := p.Delete(ctx, key); err != nil {
				return result, fmt.Errorf("remove %s: %w", key, err)
			}
			result.Removed++
		case err != nil:
			e.log.Debug().Err(err).Str("key", key).Msg("Could not refresh entry")
			result.Failed++
		default:
			if _, ok := e.save(ctx, p, key, res, e.rules.Find(r)); ok {
				result.Refreshed++
			} else {
				result.Failed++
			}
		}
	}
	e.log.Info().
		Str("partition", name).
		Int("refreshed", result.Refreshed).
		Int("removed", result.Removed).
		Int("failed", result.Failed).
		Msg("Refreshed partition")
	return result, nil
}
