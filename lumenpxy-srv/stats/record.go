package stats

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a forwarding or tunneling attempt.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusConnected, StatusFailed, StatusDisconnected:
		return true
	}
	return false
}

// Protocol is the client-facing protocol of an attempt.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// ConnectionRecord is an immutable outcome record. One is emitted per
// attempt outcome and never changed afterwards.
type ConnectionRecord struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Status         Status    `json:"status"`
	Protocol       Protocol  `json:"protocol"`
	Timestamp      time.Time `json:"timestamp"`
	UserAgent      string    `json:"userAgent,omitempty"`
	ResponseTimeMs *int64    `json:"responseTime,omitempty"`
}

// ResponseTime returns the measured response time and whether one was set.
func (r ConnectionRecord) ResponseTime() (time.Duration, bool) {
	if r.ResponseTimeMs == nil {
		return 0, false
	}
	return time.Duration(*r.ResponseTimeMs) * time.Millisecond, true
}

// RecordFactory creates records whose timestamps never go backwards, even
// if the wall clock does.
type RecordFactory struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewRecordFactory returns a factory stamping records with the wall clock.
func NewRecordFactory() *RecordFactory {
	return &RecordFactory{now: time.Now}
}

// New creates a record. A negative elapsed leaves the response time unset.
func (f *RecordFactory) New(url string, status Status, protocol Protocol, userAgent string, elapsed time.Duration) ConnectionRecord {
	rec := ConnectionRecord{
		ID:        uuid.NewString(),
		URL:       url,
		Status:    status,
		Protocol:  protocol,
		Timestamp: f.stamp(),
		UserAgent: userAgent,
	}
	if elapsed >= 0 {
		ms := elapsed.Milliseconds()
		rec.ResponseTimeMs = &ms
	}
	return rec
}

func (f *RecordFactory) stamp() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Round(0) drops the monotonic reading so stored and compared values agree.
	now := f.now().Round(0)
	if now.Before(f.last) {
		now = f.last
	}
	f.last = now
	return now
}
