package audit

import (
	"jobfiles/pkg/cloudevent"
	"time"
)

// Event types.
const (
	TypeAllowed = "jobfiles.access.allowed"
	TypeDenied  = "jobfiles.access.denied"
)

// Record describes one authorization decision. It carries operator detail
// and must never be returned to the requester.
type Record struct {
	JobID      string    `json:"jobId"`
	Operation  string    `json:"operation"`
	Path       string    `json:"path"`
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
	Code       int       `json:"code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	Time       time.Time `json:"time"`
}

// Type returns the CloudEvents type for the record.
func (r Record) Type() string {
	if r.Allowed {
		return TypeAllowed
	}
	return TypeDenied
}

func (r Record) cloudEvent(source string) (*cloudevent.CloudEvent, error) {
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	event, err := cloudevent.New(r.Type(), source, "jobs/"+r.JobID, r)
	if err != nil {
		return nil, err
	}
	event.Time = r.Time
	return event, nil
}
