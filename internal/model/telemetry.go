package model

import "time"

// SampleRecord is a CounterSample tagged with the collection it was appended to.
// It is the row shape of the analytic mirror.
type SampleRecord struct {
	CollectionID string
	Received     time.Time
	Sample       CounterSample
}

// CounterSummary aggregates one counter line inside the analytic mirror.
type CounterSummary struct {
	CollectionID string  `json:"collection"`
	Counter      string  `json:"counter"`
	Instance     string  `json:"instance"`
	Count        int64   `json:"count"`
	Total        float64 `json:"total"`
	Mean         float64 `json:"mean"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
}
