package model

// SampleWriter provides append-oriented batch writes for decoded samples.
type SampleWriter interface {
	InsertSampleBatch(records []*SampleRecord) error
}

// SampleQuerier provides read-only queries over the analytic sample mirror.
type SampleQuerier interface {
	TotalSampleCount() (int64, error)
	CounterSummaries(collectionID string, limit int) ([]CounterSummary, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// SampleReader is the unified read contract of the analytic mirror.
type SampleReader interface {
	SampleQuerier
	SchemaQuerier
}
