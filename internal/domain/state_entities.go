// Package domain defines request lifecycle entities and the ports the pipelines depend on.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestStatus is the lifecycle position of a job.
// Happy path order: PROCESSING -> SENT -> COMPLETED -> DONE.
type RequestStatus string

const (
	StatusNew        RequestStatus = "NEW"
	StatusProcessing RequestStatus = "PROCESSING"
	StatusSent       RequestStatus = "SENT"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusDone       RequestStatus = "DONE"
	StatusFailed     RequestStatus = "FAILED"
)

var statusCodes = map[RequestStatus]string{
	StatusNew:        "N",
	StatusProcessing: "P",
	StatusSent:       "S",
	StatusCompleted:  "C",
	StatusDone:       "D",
	StatusFailed:     "F",
}

// Code returns the single-letter code used by the record store.
func (s RequestStatus) Code() string { return statusCodes[s] }

// IsTerminal reports whether no further processing should happen for the key.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDone || s == StatusFailed
}

// AdvancesTo reports whether a record at s may move to next. DONE and FAILED
// are final and COMPLETED only settles into one of them.
func (s RequestStatus) AdvancesTo(next RequestStatus) bool {
	switch s {
	case StatusDone, StatusFailed:
		return false
	case StatusCompleted:
		return next == StatusDone || next == StatusFailed
	}
	return true
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	_, ok := statusCodes[s]
	return ok
}

// ParseStatusCode maps a record-store code back to a status.
func ParseStatusCode(code string) (RequestStatus, error) {
	for s, c := range statusCodes {
		if c == code {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status code %q", ErrInvalidArgument, code)
}

// RequestState is the cached progress of one composite id.
type RequestState struct {
	CompositeID    string        `json:"compositeId"`
	Status         RequestStatus `json:"status"`
	AttemptCount   int           `json:"attemptCount"`
	LastError      string        `json:"lastError,omitempty"`
	ErrorSource    ErrorSource   `json:"errorSource,omitempty"`
	KafkaPartition int32         `json:"kafkaPartition"`
	KafkaOffset    int64         `json:"kafkaOffset"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// DeadLetter is a permanently failed job with its failure annotation.
type DeadLetter struct {
	Job          JobRecord   `json:"job"`
	ErrorSource  ErrorSource `json:"errorSource"`
	ErrorMessage string      `json:"errorMessage"`
	ErrorCode    string      `json:"errorCode,omitempty"`
	Attempts     int         `json:"attempts"`
	FailedAt     time.Time   `json:"failedAt"`
}

// CompositeID returns the key of the failed job.
func (d DeadLetter) CompositeID() string { return d.Job.CompositeID() }

// Payload returns the JSON encoding used for the dead-letter topic and archive.
func (d DeadLetter) Payload() ([]byte, error) { return json.Marshal(d) }
