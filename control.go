package alwaysoffline

import (
	"context"
	"fmt"
)

type ControlMessageType string

const (
	// SkipWaiting activates a waiting engine. It has no reply.
	SkipWaiting   ControlMessageType = "SKIP_WAITING"
	GetCacheStats ControlMessageType = "GET_CACHE_STATS"
	ClearCache    ControlMessageType = "CLEAR_CACHE"
)

// ControlMessage is a request on the control channel.
// The reply, if any, is sent on Reply before OnControlMessage returns.
type ControlMessage struct {
	Type  ControlMessageType `json:"type"`
	Reply chan<- any         `json:"-"`
}

// CacheStats is the reply to GET_CACHE_STATS.
type CacheStats struct {
	// Entry count per partition.
	Caches      map[string]int `json:"caches"`
	TotalCaches int            `json:"totalCaches"`
	Timestamp   int64          `json:"timestamp"`
}

// ClearResult is the reply to CLEAR_CACHE.
type ClearResult struct {
	Success bool `json:"success"`
}

func (e *Engine) OnControlMessage(ctx context.Context, msg ControlMessage) error {
	e.log.Debug().Str("type", string(msg.Type)).Msg("Control message")
	var reply any
	switch msg.Type {
	case SkipWaiting:
		return e.skipWaiting(ctx)
	case GetCacheStats:
		stats, err := e.Stats(ctx)
		if err != nil {
			return err
		}
		reply = stats
	case ClearCache:
		result, err := e.Clear(ctx)
		if err != nil {
			return err
		}
		reply = result
	default:
		return fmt.Errorf("%w: %q", ErrUnknownControlMessage, msg.Type)
	}
	if msg.Reply == nil {
		return nil
	}
	select {
	case msg.Reply <- reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats counts the entries of every existing partition.
func (e *Engine) Stats(ctx context.Context) (CacheStats, error) {
	names, err := e.store.Names(ctx)
	if err != nil {
		return CacheStats{}, fmt.Errorf("list partitions: %w", err)
	}
	stats := CacheStats{
		Caches:      make(map[string]int, len(names)),
		TotalCaches: len(names),
	}
	for _, name := range names {
		p, err := e.store.Open(ctx, name)
		if err != nil {
			return CacheStats{}, fmt.Errorf("open partition %s: %w", name, err)
		}
		count, err := p.Count(ctx)
		if err != nil {
			return CacheStats{}, fmt.Errorf("count partition %s: %w", name, err)
		}
		stats.Caches[name] = count
	}
	stats.Timestamp = e.now().UnixMilli()
	return stats, nil
}

// Clear deletes every partition. Partitions are recreated on their next use.
func (e *Engine) Clear(ctx context.Context) (ClearResult, error) {
	names, err := e.store.Names(ctx)
	if err != nil {
		return ClearResult{}, fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		if _, err := e.store.Delete(ctx, name); err != nil {
			return ClearResult{}, fmt.Errorf("delete partition %s: %w", name, err)
		}
	}
	e.log.Info().Int("partitions", len(names)).Msg("Cleared cache")
	return ClearResult{Success: true}, nil
}
