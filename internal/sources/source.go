package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comex-platform/internal/models"
)

// Status tags the outcome of a fetch
type Status string

const (
	StatusOK      Status = "ok"
	StatusEmpty   Status = "empty"
	StatusFailure Status = "failure"
)

// FetchRequest selects one period window and operation kind
type FetchRequest struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Kind        models.OperationKind
}

// NewFetchRequest covers the whole calendar month of p
func NewFetchRequest(p models.Period, kind models.OperationKind) FetchRequest {
	return FetchRequest{PeriodStart: p.FirstDay(), PeriodEnd: p.LastDay(), Kind: kind}
}

// Period returns the reporting period the request starts in
func (r FetchRequest) Period() models.Period {
	return models.PeriodOf(r.PeriodStart)
}

// FetchResult is the tagged outcome every source returns instead of an error.
// Records is set only for StatusOK, Err only for StatusFailure.
type FetchResult struct {
	Status     Status
	Records    []models.RawRecord
	SourceFile string
	Err        error
}

// OK builds a successful result, downgraded to Empty when records is empty
func OK(records []models.RawRecord, sourceFile string) FetchResult {
	if len(records) == 0 {
		return Empty(sourceFile)
	}
	return FetchResult{Status: StatusOK, Records: records, SourceFile: sourceFile}
}

// Empty builds an empty result
func Empty(sourceFile string) FetchResult {
	return FetchResult{Status: StatusEmpty, SourceFile: sourceFile}
}

// Failure builds a failed result
func Failure(err error) FetchResult {
	return FetchResult{Status: StatusFailure, Err: err}
}

// Source is one acquisition strategy in the fallback chain
type Source interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest) FetchResult
}

// Prober is implemented by sources that offer a cheap reachability check
type Prober interface {
	Probe(ctx context.Context) error
}

// ErrNotConfigured is returned when a source lacks the settings it needs
var ErrNotConfigured = errors.New("source not configured")

// SourceUnavailableError reports a source that could not be reached or used
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// IsTransient returns true as an unavailable source may recover on a later run
func (e *SourceUnavailableError) IsTransient() bool {
	return true
}

// unavailable wraps err for source name, leaving context errors untouched
func unavailable(source string, err error) FetchResult {
	if errors.Is(err, context.Canceled) {
		return Failure(err)
	}
	return Failure(&SourceUnavailableError{Source: source, Err: err})
}
