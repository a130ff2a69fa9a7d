// Package notify tells callers about finished jobs: a POST to the job's
// webhook_url and, when configured, an event on an AMQP topic exchange.
package notify

import (
	"math"
	"strings"
	"time"

	"mediaq/internal/models"
)

// Payload is the completion message. Times are seconds, rounded to
// milliseconds.
type Payload struct {
	JobID        string         `json:"job_id"`
	CallerID     string         `json:"id,omitempty"`
	Kind         string         `json:"kind"`
	State        string         `json:"state"`
	ResultRef    string         `json:"result_ref,omitempty"`
	Output       *models.Output `json:"output,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"message,omitempty"`
	QueueTime    float64        `json:"queue_time"`
	RunTime      float64        `json:"run_time"`
	TotalTime    float64        `json:"total_time"`
	CompletedAt  time.Time      `json:"completed_at"`
}

func PayloadOf(j models.Job) Payload {
	p := Payload{
		JobID:     j.ID,
		CallerID:  j.Request.CallerID,
		Kind:      string(j.Request.Kind),
		State:     string(j.State),
		ResultRef: j.ResultRef,
		Output:    j.Output,
		QueueTime: seconds(j.QueueTime()),
		RunTime:   seconds(j.RunTime()),
		TotalTime: seconds(j.TotalTime()),
	}
	if j.CompletedAt != nil {
		p.CompletedAt = *j.CompletedAt
	}
	if j.Error != nil {
		p.ErrorKind = j.Error.Kind
		p.ErrorMessage = j.Error.Message
	}
	return p
}

// RoutingKey is job.<kind>.<state>, lower case.
func (p Payload) RoutingKey() string {
	return "job." + strings.ToLower(p.Kind) + "." + strings.ToLower(p.State)
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
