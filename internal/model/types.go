package model

import (
	"strings"
	"time"
)

// Wildcard matches any value of an instance component.
const Wildcard = "*"

// InstanceDescriptor addresses a counter source: locality, thread pool and
// worker thread. Empty components are absent; Wildcard matches anything.
type InstanceDescriptor struct {
	Locality string `json:"locality,omitempty" yaml:"locality,omitempty"`
	Pool     string `json:"pool,omitempty" yaml:"pool,omitempty"`
	Thread   string `json:"thread,omitempty" yaml:"thread,omitempty"`
}

// NewInstance returns a descriptor for the given locality, pool and thread.
func NewInstance(locality, pool, thread string) InstanceDescriptor {
	return InstanceDescriptor{Locality: locality, Pool: pool, Thread: thread}
}

// IsZero reports whether no component is set.
func (d InstanceDescriptor) IsZero() bool {
	return d.Locality == "" && d.Pool == "" && d.Thread == ""
}

// HasWildcard reports whether any component is the wildcard.
func (d InstanceDescriptor) HasWildcard() bool {
	return d.Locality == Wildcard || d.Pool == Wildcard || d.Thread == Wildcard
}

// Matches reports whether d, used as a pattern, selects the concrete instance other.
func (d InstanceDescriptor) Matches(other InstanceDescriptor) bool {
	return componentMatches(d.Locality, other.Locality) &&
		componentMatches(d.Pool, other.Pool) &&
		componentMatches(d.Thread, other.Thread)
}

func componentMatches(pattern, value string) bool {
	return pattern == Wildcard || pattern == value
}

// String renders the descriptor in HPX instance notation, e.g.
// "locality#0/pool#default/worker-thread#3" or "locality#0/total".
func (d InstanceDescriptor) String() string {
	if d.IsZero() {
		return ""
	}
	parts := make([]string, 0, 3)
	if d.Locality != "" {
		parts = append(parts, "locality#"+d.Locality)
	}
	if d.Pool != "" {
		parts = append(parts, "pool#"+d.Pool)
	}
	if d.Thread != "" {
		parts = append(parts, "worker-thread#"+d.Thread)
	} else {
		parts = append(parts, "total")
	}
	return strings.Join(parts, "/")
}

// CounterSample is one decoded performance-counter reading.
type CounterSample struct {
	Name      string             `json:"name"`
	Instance  InstanceDescriptor `json:"instance"`
	Sequence  uint64             `json:"sequence"`
	Timestamp float64            `json:"timestamp"` // seconds since the agent's epoch
	Value     float64            `json:"value"`
	Unit      string             `json:"unit,omitempty"`
}

// Point is one (timestamp, value) pair of a counter line.
type Point struct {
	Timestamp float64 `json:"x"`
	Value     float64 `json:"y"`
}

// Stats are running aggregates over a counter line at query time.
type Stats struct {
	Count int64   `json:"count"`
	Total float64 `json:"total"`
	Mean  float64 `json:"mean"`
}

// LineInfo describes one (counter, instance) grouping of a collection.
type LineInfo struct {
	Hash     string             `json:"hash"`
	Counter  string             `json:"counter"`
	Instance InstanceDescriptor `json:"instance"`
	Samples  int                `json:"samples"`
}

// CollectionInfo is a read-only summary of a collection.
type CollectionInfo struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	Path    string    `json:"path,omitempty"`
	Active  bool      `json:"active"`
	Lines   int       `json:"lines"`
	Samples int       `json:"samples"`
}

// SubscriptionKey selects the counter line(s) an observer follows. An empty
// CollectionID follows whichever collection is active.
type SubscriptionKey struct {
	Counter      string             `json:"counter"`
	Instance     InstanceDescriptor `json:"instance"`
	CollectionID string             `json:"collection,omitempty"`
	Label        string             `json:"label,omitempty"`
}

// Selects reports whether a sample appended to collectionID matches the key.
func (k SubscriptionKey) Selects(s CounterSample, collectionID string) bool {
	return k.Counter == s.Name &&
		k.Instance.Matches(s.Instance) &&
		(k.CollectionID == DefaultCollectionID || k.CollectionID == collectionID)
}

// Update is delivered to subscribers after each append that matches their key.
type Update struct {
	Key          SubscriptionKey `json:"key"`
	CollectionID string          `json:"collection"`
	Sample       CounterSample   `json:"sample"`
}
