package download

import (
	"net/http"
	"time"
)

// State names shared by the task machine and Status
const (
	statePending            = "pending"
	stateDownloading        = "downloading"
	statePaused             = "paused"
	stateVerifying          = "verifying"
	stateCompleted          = "completed"
	stateVerificationFailed = "verification_failed"
	stateFailed             = "failed"
	stateCancelled          = "cancelled"
)

// Status is the state of a download task
type Status string

const (
	StatusPending            Status = statePending
	StatusDownloading        Status = stateDownloading
	StatusPaused             Status = statePaused
	StatusVerifying          Status = stateVerifying
	StatusCompleted          Status = stateCompleted
	StatusVerificationFailed Status = stateVerificationFailed
	StatusFailed             Status = stateFailed
	StatusCancelled          Status = stateCancelled
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusVerificationFailed, StatusCancelled:
		return true
	}
	return false
}

// settled reports whether Wait should return
func (s Status) settled() bool {
	return s.Terminal() || s == StatusFailed
}

// Request describes a download to enqueue
type Request struct {
	PluginID    string
	Version     string
	URL         string
	Destination string
	// ExpectedSize is checked before completion when > 0
	ExpectedSize int64
	// ExpectedChecksum ("sha256:<hex>") is checked before completion when set
	ExpectedChecksum string
	// MaxRetries overrides the engine default when > 0; negative disables retries
	MaxRetries int
	// Header is added to every transfer request
	Header http.Header
}

// Task is a snapshot of a download task
type Task struct {
	ID               string     `json:"id"`
	PluginID         string     `json:"pluginId,omitempty"`
	Version          string     `json:"version,omitempty"`
	URL              string     `json:"url"`
	Destination      string     `json:"destination"`
	TempPath         string     `json:"tempPath"`
	ExpectedSize     int64      `json:"expectedSize,omitempty"`
	ExpectedChecksum string     `json:"expectedChecksum,omitempty"`
	BytesDownloaded  int64      `json:"bytesDownloaded"`
	TotalBytes       int64      `json:"totalBytes"`
	Status           Status     `json:"status"`
	RetryCount       int        `json:"retryCount"`
	MaxRetries       int        `json:"maxRetries"`
	Resumable        bool       `json:"resumable"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Progress returns the completed fraction in [0,1], or -1 when the total
// is unknown
func (t Task) Progress() float64 {
	total := t.TotalBytes
	if total <= 0 {
		total = t.ExpectedSize
	}
	if total <= 0 {
		return -1
	}
	p := float64(t.BytesDownloaded) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}

// EventKind distinguishes status transitions from progress samples
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventProgress EventKind = "progress"
)

// Event is published for every task transition and progress sample. Events
// of one task are delivered in order.
type Event struct {
	Kind            EventKind `json:"kind"`
	TaskID          string    `json:"taskId"`
	PluginID        string    `json:"pluginId,omitempty"`
	Old             Status    `json:"old,omitempty"`
	New             Status    `json:"new"`
	BytesDownloaded int64     `json:"bytesDownloaded"`
	TotalBytes      int64     `json:"totalBytes"`
	Error           string    `json:"error,omitempty"`
	Time            time.Time `json:"time"`
}
