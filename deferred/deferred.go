// Package deferred keeps mutating requests which could not reach the origin
// and replays them once connectivity returns.
package deferred

import (
	"net/http"
	"time"
)

// Kind is the category of a deferred write. Its value is the reconnection tag.
type Kind string

const (
	QuizSubmission Kind = "quiz-submission"
	AnalyticsEvent Kind = "analytics-track"
)

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{QuizSubmission, AnalyticsEvent}
}

func (k Kind) Tag() string {
	return string(k)
}

// KindForTag maps a reconnection tag to its kind.
func KindForTag(tag string) (Kind, bool) {
	for _, k := range Kinds() {
		if k.Tag() == tag {
			return k, true
		}
	}
	return "", false
}

// Payload is everything needed to replay the original request.
type Payload struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

type Record struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Payload       Payload   `json:"payload"`
	CreatedAt     time.Time `json:"createdAt"`
	AttemptCount  int       `json:"attemptCount"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	// Dead records are kept but never attempted again.
	Dead bool `json:"dead,omitempty"`
}

// Due reports whether the record should be attempted at the given time.
func (r Record) Due(now time.Time) bool {
	return !r.Dead && !now.Before(r.NextAttemptAt)
}
