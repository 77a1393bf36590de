package queue

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrJobNotFound is returned by Get for ids the queue has never issued.
var ErrJobNotFound = errors.New("job not found")

// State is the lifecycle position of a job.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Spec is what a submitter hands to Enqueue.
type Spec struct {
	Tool   string
	Inputs []string
	Extra  string
}

// Job is the durable record behind a job id.
type Job struct {
	ID         string
	Tool       string
	Inputs     []string
	Extra      string
	State      State
	Output     string
	Reason     string
	Kind       string
	Attempts   int
	Consumer   string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

func (s Spec) fields(now time.Time) (map[string]any, error) {
	inputs := s.Inputs
	if inputs == nil {
		inputs = []string{}
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tool":       s.Tool,
		"inputs":     string(raw),
		"extra":      s.Extra,
		"state":      string(StateQueued),
		"attempts":   0,
		"created_at": now.UTC().Format(time.RFC3339Nano),
	}, nil
}

func jobFromHash(id string, m map[string]string) Job {
	j := Job{
		ID:       id,
		Tool:     m["tool"],
		Extra:    m["extra"],
		State:    State(m["state"]),
		Output:   m["output"],
		Reason:   m["reason"],
		Kind:     m["kind"],
		Consumer: m["consumer"],
	}
	_ = json.Unmarshal([]byte(m["inputs"]), &j.Inputs)
	j.Attempts, _ = strconv.Atoi(m["attempts"])
	j.CreatedAt = parseTime(m["created_at"])
	j.StartedAt = parseTime(m["started_at"])
	j.FinishedAt = parseTime(m["finished_at"])
	return j
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
