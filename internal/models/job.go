package models

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of work a job can request.
type Kind string

const (
	KindTranscode  Kind = "transcode"
	KindTranscribe Kind = "transcribe"
	KindRender     Kind = "render"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindTranscode, KindTranscribe, KindRender}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTranscode, KindTranscribe, KindRender:
		return true
	default:
		return false
	}
}

// State is a job lifecycle state.
type State string

const (
	StateQueued  State = "QUEUED"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateDone, StateFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the lifecycle
// Queued -> Running -> {Done, Failed}. Queued -> Failed covers cancellation
// before dispatch; it never skips into Done.
func CanTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateDone || to == StateFailed
	default:
		return false
	}
}

// JobRequest is the immutable description of requested work.
type JobRequest struct {
	Kind           Kind           `json:"kind"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	// CallerID is echoed back in status and completion notifications.
	CallerID   string `json:"id,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Clone returns a deep copy so the caller cannot mutate a stored request.
func (r JobRequest) Clone() JobRequest {
	out := r
	out.Params = cloneMap(r.Params)
	return out
}

// ErrorDetail describes why a job failed. Kind is an error code from
// the errors package (e.g. TIMEOUT, NOT_FOUND).
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StateChange is one entry of a job's state history.
type StateChange struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Job is a snapshot of an admitted request's lifecycle record.
// Snapshots are copies; mutating one never affects the registry.
type Job struct {
	ID          string        `json:"id"`
	Request     JobRequest    `json:"request"`
	State       State         `json:"state"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       *ErrorDetail  `json:"error,omitempty"`
	ResultRef   string        `json:"result_ref,omitempty"`
	Output      *Output       `json:"output,omitempty"`
	History     []StateChange `json:"history"`
}

// Output describes the artifact of a DONE job. Duration and bitrate are
// only known for time-based media and stay zero otherwise.
type Output struct {
	Key         string  `json:"key"`
	ContentType string  `json:"content_type,omitempty"`
	Size        int64   `json:"size"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	BitrateKbps int64   `json:"bitrate_kbps,omitempty"`
}

// Clone returns a deep copy of j.
func (j Job) Clone() Job {
	out := j
	out.Request = j.Request.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Output != nil {
		o := *j.Output
		out.Output = &o
	}
	out.History = append([]StateChange(nil), j.History...)
	return out
}

// QueueTime is the time spent waiting for an executor.
func (j Job) QueueTime() time.Duration {
	switch {
	case j.StartedAt != nil:
		return j.StartedAt.Sub(j.SubmittedAt)
	case j.CompletedAt != nil:
		return j.CompletedAt.Sub(j.SubmittedAt)
	default:
		return 0
	}
}

// RunTime is the time spent executing, zero if the job never started.
func (j Job) RunTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// TotalTime is submission to completion, zero while non-terminal.
func (j Job) TotalTime() time.Duration {
	if j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(j.SubmittedAt)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			out[k] = append([]any(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

// DecodeParams converts a normalized parameter map into a typed struct.
func DecodeParams(params map[string]any, dst any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
