package deferred

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "deferred.db"))
	require.NoError(t, err)
	memSQLite, err := NewSQLiteStore("memory")
	require.NoError(t, err)
	t.Cleanup(func() {
		sqliteStore.Close()
		memSQLite.Close()
	})
	return map[string]Store{
		"memory":        NewMemStore(),
		"sqlite":        sqliteStore,
		"sqlite memory": memSQLite,
	}
}

func submission(n string) Payload {
	return Payload{
		Method: "POST",
		URL:    "http://quiz.example.com/api/quiz/" + n + "/submit",
		Header: map[string][]string{"Content-Type": {"application/json"}},
		Body:   []byte(`{"answer":"` + n + `"}`),
	}
}

func TestKindForTag(t *testing.T) {
	kind, ok := KindForTag("quiz-submission")
	assert.True(t, ok)
	assert.Equal(t, QuizSubmission, kind)
	kind, ok = KindForTag("analytics-track")
	assert.True(t, ok)
	assert.Equal(t, AnalyticsEvent, kind)
	_, ok = KindForTag("photos")
	assert.False(t, ok)
}

func TestEnqueuePersistsPayload(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			q := NewQueue(store, RetryPolicy{}, nil)
			rec, err := q.Enqueue(ctx, QuizSubmission, submission("1"))
			require.NoError(t, err)
			require.NotEmpty(t, rec.ID)

			pending, err := q.Pending(ctx, QuizSubmission)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, rec.ID, pending[0].ID)
			assert.Equal(t, submission("1"), pending[0].Payload)
			assert.Equal(t, rec.CreatedAt.UnixMilli(), pending[0].CreatedAt.UnixMilli())

			count, err := store.Count(ctx, AnalyticsEvent)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestDrainDeliversAndKeepsFailures(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			q := NewQueue(store, RetryPolicy{}, nil)
			for _, n := range []string{"1", "2", "3"} {
				_, err := q.Enqueue(ctx, QuizSubmission, submission(n))
				require.NoError(t, err)
			}

			order := make([]string, 0)
			result, err := q.Drain(ctx, QuizSubmission, func(ctx context.Context, rec Record) error {
				order = append(order, string(rec.Payload.Body))
				if string(rec.Payload.Body) == `{"answer":"2"}` {
					return errors.New("connection refused")
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, DrainResult{Tag: "quiz-submission", Attempted: 3, Delivered: 2, Failed: 1}, result)
			assert.Equal(t, []string{`{"answer":"1"}`, `{"answer":"2"}`, `{"answer":"3"}`}, order)

			pending, err := q.Pending(ctx, QuizSubmission)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, 1, pending[0].AttemptCount)
			assert.Equal(t, "connection refused", pending[0].LastError)
			assert.False(t, pending[0].Dead)

			// retried on the next drain without backoff
			result, err = q.Drain(ctx, QuizSubmission, func(ctx context.Context, rec Record) error { return nil })
			require.NoError(t, err)
			assert.Equal(t, 1, result.Delivered)
			count, _ := store.Count(ctx, QuizSubmission)
			assert.Zero(t, count)
		})
	}
}

func TestDrainOnlyTouchesItsKind(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(NewMemStore(), RetryPolicy{}, nil)
	_, err := q.Enqueue(ctx, QuizSubmission, submission("1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, AnalyticsEvent, Payload{Method: "POST", URL: "http://quiz.example.com/api/analytics/track"})
	require.NoError(t, err)

	result, err := q.Drain(ctx, AnalyticsEvent, func(ctx context.Context, rec Record) error {
		assert.Equal(t, AnalyticsEvent, rec.Kind)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	pending, _ := q.Pending(ctx, QuizSubmission)
	assert.Len(t, pending, 1)
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			q := NewQueue(store, RetryPolicy{MaxAttempts: 2}, nil)
			_, err := q.Enqueue(ctx, QuizSubmission, submission("1"))
			require.NoError(t, err)
			fail := func(ctx context.Context, rec Record) error { return errors.New("offline") }

			result, err := q.Drain(ctx, QuizSubmission, fail)
			require.NoError(t, err)
			assert.Zero(t, result.Dead)
			result, err = q.Drain(ctx, QuizSubmission, fail)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Dead)

			// dead records are kept and skipped
			result, err = q.Drain(ctx, QuizSubmission, func(ctx context.Context, rec Record) error {
				t.Fatal("Dead record attempted")
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 1, result.Skipped)
			pending, _ := q.Pending(ctx, QuizSubmission)
			require.Len(t, pending, 1)
			assert.True(t, pending[0].Dead)
			assert.Equal(t, 2, pending[0].AttemptCount)
		})
	}
}

func TestBackoffDefersNextAttempt(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)
	q := NewQueue(NewMemStore(), RetryPolicy{InitialInterval: time.Second, Multiplier: 2, MaxInterval: time.Minute}, nil)
	q.now = func() time.Time { return now }
	_, err := q.Enqueue(ctx, QuizSubmission, submission("1"))
	require.NoError(t, err)
	fail := func(ctx context.Context, rec Record) error { return errors.New("offline") }

	_, err = q.Drain(ctx, QuizSubmission, fail)
	require.NoError(t, err)
	pending, _ := q.Pending(ctx, QuizSubmission)
	assert.Equal(t, now.Add(time.Second), pending[0].NextAttemptAt)

	result, err := q.Drain(ctx, QuizSubmission, fail)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	now = now.Add(time.Second)
	_, err = q.Drain(ctx, QuizSubmission, fail)
	require.NoError(t, err)
	pending, _ = q.Pending(ctx, QuizSubmission)
	assert.Equal(t, now.Add(2*time.Second), pending[0].NextAttemptAt)
}

func TestRetryPolicyDelay(t *testing.T) {
	assert.Zero(t, RetryPolicy{}.Delay(3))
	p := RetryPolicy{InitialInterval: time.Second, Multiplier: 2, MaxInterval: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
}

func TestSameKindDrainsAreSerialized(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(NewMemStore(), RetryPolicy{}, nil)
	_, err := q.Enqueue(ctx, QuizSubmission, submission("1"))
	require.NoError(t, err)

	var inFlight, maxInFlight, delivered int32
	deliver := func(ctx context.Context, rec Record) error {
		n := atomic.AddInt32(&inFlight, 1)
		if n > atomic.LoadInt32(&maxInFlight) {
			atomic.StoreInt32(&maxInFlight, n)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&delivered, 1)
		return nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Drain(ctx, QuizSubmission, deliver)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight)
	// a record is delivered once even when drains race
	assert.Equal(t, int32(1), delivered)
}

func TestDifferentKindsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(NewMemStore(), RetryPolicy{}, nil)
	_, err := q.Enqueue(ctx, QuizSubmission, submission("1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, AnalyticsEvent, Payload{Method: "POST", URL: "http://quiz.example.com/api/analytics/track"})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	go q.Drain(ctx, QuizSubmission, func(ctx context.Context, rec Record) error {
		close(started)
		<-release
		return nil
	})
	<-started
	done := make(chan struct{})
	go func() {
		q.Drain(ctx, AnalyticsEvent, func(ctx context.Context, rec Record) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Analytics drain blocked by quiz drain")
	}
	close(release)
}
