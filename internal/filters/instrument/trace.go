package instrument

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	PhaseStart = "start"
	PhaseReady = "ready"
)

// Trace records the phases of a single request. It lives in the request's
// state bag and is never shared with another request.
type Trace struct {
	ID     string               `json:"id"`
	Phases map[string]time.Time `json:"phases"`
}

func newTrace(start time.Time) *Trace {
	return &Trace{
		ID:     uuid.NewString(),
		Phases: map[string]time.Time{PhaseStart: start},
	}
}

func (t *Trace) Mark(phase string, at time.Time) {
	t.Phases[phase] = at
}

// Ready reports whether the ready phase was recorded.
func (t *Trace) Ready() bool {
	_, ok := t.Phases[PhaseReady]
	return ok
}

// Duration is the time between start and ready, or zero while the trace is
// not ready. It is never negative.
func (t *Trace) Duration() time.Duration {
	start, ok := t.Phases[PhaseStart]
	if !ok {
		return 0
	}
	ready, ok := t.Phases[PhaseReady]
	if !ok {
		return 0
	}
	if d := ready.Sub(start); d > 0 {
		return d
	}
	return 0
}

func (t *Trace) header() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
