package deferred

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryPolicy decides when a failed record is attempted again.
// The zero value keeps every record forever and attempts it on every drain.
type RetryPolicy struct {
	// Records reaching this many failed attempts are dead-lettered. Zero means never.
	MaxAttempts int `yaml:"maxAttempts"`
	// Zero disables backoff.
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// Delay returns the wait before the next attempt after the given number of failed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if p.InitialInterval <= 0 || attempts <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	if b.Multiplier <= 0 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()
	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Deliverer replays a record. A nil error confirms delivery.
type Deliverer func(ctx context.Context, rec Record) error

type DrainResult struct {
	Tag       string `json:"tag"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	// Not yet due or dead.
	Skipped int `json:"skipped"`
	// Dead-lettered during this drain.
	Dead int `json:"dead"`
}

type Queue struct {
	store  Store
	policy RetryPolicy
	log    zerolog.Logger
	now    func() time.Time

	locksMutex sync.Mutex
	locks      map[Kind]*sync.Mutex
}

func NewQueue(store Store, policy RetryPolicy, logger *zerolog.Logger) *Queue {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &Queue{
		store:  store,
		policy: policy,
		log:    logger.With().Str("component", "deferred").Logger(),
		now:    time.Now,
		locks:  make(map[Kind]*sync.Mutex),
	}
}

// Enqueue persists a new record. It is eligible for the next drain of its kind.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload Payload) (Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.now(),
	}
	if err := q.store.Insert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	q.log.Debug().Str("id", rec.ID).Str("kind", string(kind)).Str("url", payload.URL).Msg("Deferred write queued")
	return rec, nil
}

// Pending returns the stored records of a kind, including dead ones.
func (q *Queue) Pending(ctx context.Context, kind Kind) ([]Record, error) {
	return q.store.List(ctx, kind)
}

func (q *Queue) lock(kind Kind) *sync.Mutex {
	q.locksMutex.Lock()
	defer q.locksMutex.Unlock()
	l, ok := q.locks[kind]
	if !ok {
		l = &sync.Mutex{}
		q.locks[kind] = l
	}
	return l
}

// Drain attempts every due record of the kind, oldest first.
// Delivered records are removed, failed ones are kept for the next drain.
// Drains of the same kind are serialized, other kinds are not blocked.
func (q *Queue) Drain(ctx context.Context, kind Kind, deliver Deliverer) (DrainResult, error) {
	l := q.lock(kind)
	l.Lock()
	defer l.Unlock()

	result := DrainResult{Tag: kind.Tag()}
	records, err := q.store.List(ctx, kind)
	if err != nil {
		return result, fmt.Errorf("drain %s: %w", kind, err)
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !rec.Due(q.now()) {
			result.Skipped++
			continue
		}
		result.Attempted++
		log := q.log.With().Str("id", rec.ID).Str("kind", string(kind)).Logger()
		deliverErr := deliver(ctx, rec)
		if deliverErr == nil {
			if err := q.store.Delete(ctx, rec.ID); err != nil {
				return result, fmt.Errorf("remove delivered %s: %w", rec.ID, err)
			}
			result.Delivered++
			log.Debug().Msg("Deferred write delivered")
			continue
		}
		result.Failed++
		rec.AttemptCount++
		rec.LastError = deliverErr.Error()
		rec.NextAttemptAt = q.now().Add(q.policy.Delay(rec.AttemptCount))
		if q.policy.MaxAttempts > 0 && rec.AttemptCount >= q.policy.MaxAttempts {
			rec.Dead = true
			result.Dead++
			log.Warn().Err(deliverErr).Int("attempts", rec.AttemptCount).Msg("Deferred write dead-lettered")
		} else {
			log.Debug().Err(deliverErr).Int("attempts", rec.AttemptCount).Msg("Deferred write failed")
		}
		if err := q.store.Update(ctx, rec); err != nil {
			return result, fmt.Errorf("update failed %s: %w", rec.ID, err)
		}
	}
	return result, nil
}
