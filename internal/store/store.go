package store

// Store persists run reports and their timing traces.
// Implementations must be safe for concurrent use.
//
// Error handling conventions:
//   - Return ErrNotFound if a report doesn't exist (for Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveReport writes the report under r.ID, replacing any previous one.
	// The write is atomic: a reader never sees a partial report.
	SaveReport(r *Report) error

	// LoadReport retrieves the report with the given ID.
	LoadReport(id string) (*Report, error)

	// ListReports returns metadata for every stored report, newest first.
	ListReports() ([]ReportInfo, error)

	// DeleteReport removes the report and its trace.
	DeleteReport(id string) error

	// SaveTrace replaces the timing trace of a report.
	SaveTrace(id string, entries []TraceEntry) error

	// LoadTrace returns the trace of a report in iteration order. A report
	// saved without a trace yields an empty slice.
	LoadTrace(id string) ([]TraceEntry, error)

	Close() error
}

// ErrNotFound is returned when a requested report does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing report.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return "report not found: " + e.ID
	}
	return "report not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
