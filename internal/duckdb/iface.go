package duckdb

import "github.com/egparedes/hpx-dashboard/internal/model"

// Aliases re-export the mirror contracts and row types so callers can depend
// on model without importing the driver.
type (
	SampleRecord   = model.SampleRecord
	CounterSummary = model.CounterSummary
	SampleWriter   = model.SampleWriter
	SampleQuerier  = model.SampleQuerier
	SchemaQuerier  = model.SchemaQuerier
	SampleReader   = model.SampleReader
)

var (
	_ SampleWriter = (*Store)(nil)
	_ SampleReader = (*Store)(nil)
)
