package model

// IngestEnvelope carries one raw counter record with source metadata.
// It is the transport contract between ingestion sources and the aggregation worker.
type IngestEnvelope struct {
	Source string
	Line   string
}
