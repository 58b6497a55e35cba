package ingest

import (
	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/session"
)

// SampleSink receives every appended sample, tagged with its collection. The
// analytic mirror's insert buffer implements it.
type SampleSink interface {
	Add(record *model.SampleRecord)
}

// Store is the part of the session store the worker mutates.
type Store interface {
	Append(model.CounterSample) (*session.Collection, error)
	NewCollection() *session.Collection
	Flush() error
}

// Notifier fans appended samples and collection switches out to observers.
type Notifier interface {
	Notify(sample model.CounterSample, collectionID string) int
	NotifyCollection(collectionID string)
}

// Queue is the receive side of the ingestion queue.
type Queue interface {
	Items() <-chan model.IngestEnvelope
	Closed() <-chan struct{}
}
