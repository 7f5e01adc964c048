package models

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Names of the acquisition strategies as they appear in reports
const (
	SourceAPI      = "API"
	SourceBulkFile = "Bulk File"
	SourceScraper  = "Interactive Scraper"
)

// PeriodDetail is the outcome of one period and operation kind
type PeriodDetail struct {
	Period   string        `json:"period"`
	Kind     OperationKind `json:"kind"`
	Source   string        `json:"source,omitempty"`
	Fetched  int           `json:"fetched"`
	Rejected int           `json:"rejected"`
	Inserted int           `json:"inserted"`
	Updated  int           `json:"updated"`
}

// RunReport accumulates the outcome of one ingestion run.
// It is transient: returned to the caller, never stored.
type RunReport struct {
	RunID               string            `json:"run_id"`
	StartedAt           time.Time         `json:"started_at"`
	FinishedAt          time.Time         `json:"finished_at"`
	State               string            `json:"state"`
	TotalRecordsWritten int               `json:"total_records_written"`
	Inserted            int               `json:"inserted"`
	Updated             int               `json:"updated"`
	Rejected            int               `json:"rejected"`
	PeriodsProcessed    []string          `json:"periods_processed"`
	SourceUsed          map[string]string `json:"source_used"`
	Errors              []string          `json:"errors"`
	Warnings            []string          `json:"warnings"`
	Details             []PeriodDetail    `json:"details"`
	Fatal               string            `json:"fatal,omitempty"`

	mu sync.Mutex
}

// NewRunReport starts an empty report
func NewRunReport(runID string, startedAt time.Time) *RunReport {
	return &RunReport{
		RunID:            runID,
		StartedAt:        startedAt,
		PeriodsProcessed: make([]string, 0),
		SourceUsed:       make(map[string]string),
		Errors:           make([]string, 0),
		Warnings:         make([]string, 0),
		Details:          make([]PeriodDetail, 0),
	}
}

// AddError appends a non-fatal failure description
func (r *RunReport) AddError(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AddWarning appends a low-severity note
func (r *RunReport) AddWarning(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// SetFatal records the error that stopped the run early
func (r *RunReport) SetFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fatal == "" {
		r.Fatal = err.Error()
		r.Errors = append(r.Errors, "fatal: "+err.Error())
	}
}

// AddDetail accumulates one period/kind outcome into the totals
func (r *RunReport) AddDetail(d PeriodDetail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Details = append(r.Details, d)
	r.Inserted += d.Inserted
	r.Updated += d.Updated
	r.Rejected += d.Rejected
	r.TotalRecordsWritten += d.Inserted + d.Updated
}

// Finish derives PeriodsProcessed and SourceUsed following the caller's period order
func (r *RunReport) Finish(order []Period, kinds []OperationKind, finishedAt time.Time, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kindRank := make(map[OperationKind]int, len(kinds))
	for i, k := range kinds {
		kindRank[k] = i
	}
	byPeriod := make(map[string][]PeriodDetail)
	for _, d := range r.Details {
		if d.Source == "" {
			continue
		}
		byPeriod[d.Period] = append(byPeriod[d.Period], d)
	}

	for _, p := range order {
		key := p.String()
		details, ok := byPeriod[key]
		if !ok {
			continue
		}
		sort.SliceStable(details, func(i, j int) bool {
			return kindRank[details[i].Kind] < kindRank[details[j].Kind]
		})
		var sources []string
		for _, d := range details {
			if !containsString(sources, d.Source) {
				sources = append(sources, d.Source)
			}
		}
		r.PeriodsProcessed = append(r.PeriodsProcessed, key)
		r.SourceUsed[key] = strings.Join(sources, ", ")
	}

	sort.SliceStable(r.Details, func(i, j int) bool {
		if r.Details[i].Period != r.Details[j].Period {
			return r.Details[i].Period < r.Details[j].Period
		}
		return kindRank[r.Details[i].Kind] < kindRank[r.Details[j].Kind]
	})

	r.FinishedAt = finishedAt
	r.State = state
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
