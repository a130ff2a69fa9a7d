package journal

import (
	"encoding/json"
	"time"

	"mediaq/internal/models"
)

// record is the flat form written by the key-value and SQL sinks.
type record struct {
	ID           string
	Kind         string
	State        string
	CallerID     string
	Request      string
	ResultRef    string
	ErrorKind    string
	ErrorMessage string
	SubmittedAt  string
	StartedAt    string
	CompletedAt  string
}

func recordOf(j models.Job) (record, error) {
	req, err := json.Marshal(j.Request)
	if err != nil {
		return record{}, err
	}
	r := record{
		ID:          j.ID,
		Kind:        string(j.Request.Kind),
		State:       string(j.State),
		CallerID:    j.Request.CallerID,
		Request:     string(req),
		ResultRef:   j.ResultRef,
		SubmittedAt: stamp(&j.SubmittedAt),
		StartedAt:   stamp(j.StartedAt),
		CompletedAt: stamp(j.CompletedAt),
	}
	if j.Error != nil {
		r.ErrorKind = j.Error.Kind
		r.ErrorMessage = j.Error.Message
	}
	return r, nil
}

func stamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
