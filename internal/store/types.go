package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/clvecadd/internal/vecadd"
)

// Report is the persisted summary of one vector-add run.
type Report struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	// Source is "cli" or "server".
	Source     string        `json:"source"`
	Driver     string        `json:"driver"`
	Policy     string        `json:"policy"`
	Platform   string        `json:"platform"`
	Device     string        `json:"device"`
	DeviceType string        `json:"deviceType"`
	Config     vecadd.Config `json:"config"`

	Dispatches     int   `json:"dispatches"`
	QueueLatencyNs int64 `json:"queueLatencyNs"`
	KernelNs       int64 `json:"kernelNs"`
	MeanKernelNs   int64 `json:"meanKernelNs"`
	MinKernelNs    int64 `json:"minKernelNs"`
	Mismatches     int   `json:"mismatches"`
	ValidationNs   int64 `json:"validationNs"`
	ElapsedNs      int64 `json:"elapsedNs"`
}

// ReportInfo is the listing view of a report.
type ReportInfo struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	Device     string    `json:"device"`
	Count      int       `json:"count"`
	Dispatches int       `json:"dispatches"`
	KernelNs   int64     `json:"kernelNs"`
	Mismatches int       `json:"mismatches"`
	// SizeBytes is the storage footprint of the report and its trace.
	SizeBytes int64 `json:"sizeBytes"`
}

// NewID returns a fresh report ID.
func NewID() string {
	return uuid.New().String()
}

// NewReport summarises res. An empty id is replaced by NewID().
func NewReport(id, source, driver string, res *vecadd.Result) *Report {
	if id == "" {
		id = NewID()
	}
	r := &Report{
		ID:           id,
		CreatedAt:    res.StartedAt,
		Source:       source,
		Driver:       driver,
		Policy:       res.Policy,
		Platform:     res.Platform,
		Device:       res.Device.Name,
		DeviceType:   string(res.Device.Type),
		Config:       res.Config,
		Dispatches:   len(res.Samples),
		Mismatches:   len(res.Mismatches),
		ValidationNs: res.Validation.Nanoseconds(),
		ElapsedNs:    res.Elapsed.Nanoseconds(),
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	last := res.Last()
	r.QueueLatencyNs = last.QueueLatency.Nanoseconds()
	r.KernelNs = last.Kernel.Nanoseconds()

	var total int64
	for i, s := range res.Samples {
		k := s.Kernel.Nanoseconds()
		total += k
		if i == 0 || k < r.MinKernelNs {
			r.MinKernelNs = k
		}
	}
	if len(res.Samples) > 0 {
		r.MeanKernelNs = total / int64(len(res.Samples))
	}
	return r
}

// NewTrace converts the result's samples into trace entries.
func NewTrace(res *vecadd.Result) []TraceEntry {
	entries := make([]TraceEntry, len(res.Samples))
	for i, s := range res.Samples {
		entries[i] = TraceEntry{
			Iteration:      s.Iteration,
			LocalSize:      s.LocalSize,
			QueueLatencyNs: s.QueueLatency.Nanoseconds(),
			KernelNs:       s.Kernel.Nanoseconds(),
			Timestamp:      res.StartedAt,
		}
	}
	return entries
}

// ToInfo converts a full Report to ReportInfo. SizeBytes is left to the store.
func (r *Report) ToInfo() ReportInfo {
	return ReportInfo{
		ID:         r.ID,
		CreatedAt:  r.CreatedAt,
		Device:     r.Device,
		Count:      r.Config.Count,
		Dispatches: r.Dispatches,
		KernelNs:   r.KernelNs,
		Mismatches: r.Mismatches,
	}
}

// Validate checks that the report can be stored.
func (r *Report) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "ID", Reason: "cannot be empty"}
	}
	if !validID(r.ID) {
		return &ValidationError{Field: "ID", Reason: "must not contain path separators"}
	}
	if r.CreatedAt.IsZero() {
		return &ValidationError{Field: "CreatedAt", Reason: "cannot be zero"}
	}
	if r.Config.Count <= 0 {
		return &ValidationError{Field: "Config.Count", Reason: "must be positive"}
	}
	if r.Dispatches < 0 {
		return &ValidationError{Field: "Dispatches", Reason: "cannot be negative"}
	}
	if r.Mismatches < 0 || r.Mismatches > r.Config.Count {
		return &ValidationError{Field: "Mismatches", Reason: "must be in [0, Config.Count]"}
	}
	if r.KernelNs < 0 || r.QueueLatencyNs < 0 {
		return &ValidationError{Field: "KernelNs", Reason: "cannot be negative"}
	}
	return nil
}

func validID(id string) bool {
	for _, c := range id {
		if c == '/' || c == '\\' || c == 0 {
			return false
		}
	}
	return id != "." && id != ".."
}

// ValidationError represents a report validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
