package model

import "time"

// Shared defaults used by the server binary and its components.
const (
	DefaultListenPort     = 5267
	DefaultQueueSize      = 50_000
	DefaultFlushInterval  = time.Second
	DefaultFlushThreshold = 1000

	// DefaultCollectionID is never assigned; it documents that an empty
	// collection id resolves to the active collection.
	DefaultCollectionID = ""
)
