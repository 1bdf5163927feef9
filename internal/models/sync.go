package models

import "fmt"

// SyncStatus is the outcome of reconciling one event.
type SyncStatus string

const (
	StatusCreated SyncStatus = "created"
	StatusUpdated SyncStatus = "updated"
	StatusError   SyncStatus = "error"
)

// SyncDetail records what happened to a single event during a sync run.
type SyncDetail struct {
	EventID string     `json:"eventId"`
	Status  SyncStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
}

// SyncResult describes the outcome of one reconciliation run. It is never persisted.
type SyncResult struct {
	Created int          `json:"created"`
	Updated int          `json:"updated"`
	Errors  int          `json:"errors"`
	Details []SyncDetail `json:"details"`
}

// Add appends d and bumps the matching counter.
func (r *SyncResult) Add(d SyncDetail) {
	switch d.Status {
	case StatusCreated:
		r.Created++
	case StatusUpdated:
		r.Updated++
	default:
		r.Errors++
	}
	r.Details = append(r.Details, d)
}

// Failures returns only the error details.
func (r *SyncResult) Failures() []SyncDetail {
	var out []SyncDetail
	for _, d := range r.Details {
		if d.Status == StatusError {
			out = append(out, d)
		}
	}
	return out
}

// String renders the user-facing summary line.
func (r *SyncResult) String() string {
	return fmt.Sprintf("%d created, %d updated, %d failed", r.Created, r.Updated, r.Errors)
}
