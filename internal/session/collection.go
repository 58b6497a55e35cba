package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

type line struct {
	hash     string
	counter  string
	instance model.InstanceDescriptor
	samples  []model.CounterSample
	flushed  int
}

func (l *line) info() model.LineInfo {
	return model.LineInfo{
		Hash:     l.hash,
		Counter:  l.counter,
		Instance: l.instance,
		Samples:  len(l.samples),
	}
}

// Collection is a named, append-only group of counter lines. Only the store
// appends to it, and only while it is active. Readers get copies.
type Collection struct {
	id      string
	created time.Time
	dir     string // session directory; empty when the collection is not persisted

	mu      sync.RWMutex
	active  bool
	lines   map[string]*line
	order   []*line
	samples int
}

func newCollection(id string, created time.Time, dir string) *Collection {
	return &Collection{
		id:      id,
		created: created,
		dir:     dir,
		lines:   make(map[string]*line),
	}
}

func (c *Collection) ID() string         { return c.id }
func (c *Collection) Created() time.Time { return c.created }

// Active reports whether the collection still receives appends.
func (c *Collection) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

func (c *Collection) setActive(active bool) {
	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
}

// Info returns a summary of the collection.
func (c *Collection) Info() model.CollectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := model.CollectionInfo{
		ID:      c.id,
		Created: c.created,
		Active:  c.active,
		Lines:   len(c.order),
		Samples: c.samples,
	}
	if c.dir != "" {
		info.Path = collectionDir(c.dir, c.id)
	}
	return info
}

// Lines lists the lines of the collection in first-seen order.
func (c *Collection) Lines() []model.LineInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.LineInfo, 0, len(c.order))
	for _, l := range c.order {
		out = append(out, l.info())
	}
	return out
}

// Samples returns a copy of the samples of the line with the given hash.
func (c *Collection) Samples(hash string) ([]model.CounterSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.lines[hash]
	if !ok {
		return nil, false
	}
	return slices.Clone(l.samples), true
}

// LineData returns the (timestamp, value) points of the line with the given hash.
func (c *Collection) LineData(hash string) ([]model.Point, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.lines[hash]
	if !ok {
		return nil, false
	}
	return points(l.samples), true
}

// Stats aggregates every line selected by counter and the instance pattern.
// A pattern without wildcards selects at most one line.
func (c *Collection) Stats(counter string, instance model.InstanceDescriptor) (model.Stats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var st model.Stats
	found := false
	for _, l := range c.match(counter, instance) {
		found = true
		for _, s := range l.samples {
			st.Count++
			st.Total += s.Value
		}
	}
	if st.Count > 0 {
		st.Mean = st.Total / float64(st.Count)
	}
	return st, found
}

// History returns the points of every line selected by counter and the
// instance pattern, ordered by timestamp.
func (c *Collection) History(counter string, instance model.InstanceDescriptor) ([]model.Point, bool) {
	c.mu.RLock()
	matched := c.match(counter, instance)
	var out []model.Point
	for _, l := range matched {
		out = append(out, points(l.samples)...)
	}
	c.mu.RUnlock()

	if len(matched) == 0 {
		return nil, false
	}
	if len(matched) > 1 {
		slices.SortStableFunc(out, func(a, b model.Point) int {
			switch {
			case a.Timestamp < b.Timestamp:
				return -1
			case a.Timestamp > b.Timestamp:
				return 1
			}
			return 0
		})
	}
	return out, true
}

// match must be called with c.mu held.
func (c *Collection) match(counter string, instance model.InstanceDescriptor) []*line {
	if !instance.HasWildcard() {
		if l, ok := c.lines[LineHash(counter, instance)]; ok {
			return []*line{l}
		}
		return nil
	}
	var out []*line
	for _, l := range c.order {
		if l.counter == counter && instance.Matches(l.instance) {
			out = append(out, l)
		}
	}
	return out
}

// append adds s to its line, creating the line on first use.
func (c *Collection) append(s model.CounterSample) error {
	hash := LineHash(s.Name, s.Instance)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return fmt.Errorf("session: collection %s: %w", c.id, ErrArchived)
	}
	l, ok := c.lines[hash]
	if !ok {
		l = &line{hash: hash, counter: s.Name, instance: s.Instance}
		c.lines[hash] = l
		c.order = append(c.order, l)
	} else if n := len(l.samples); n > 0 && s.Timestamp < l.samples[n-1].Timestamp {
		return fmt.Errorf("session: %s at %v after %v: %w",
			hash, s.Timestamp, l.samples[n-1].Timestamp, ErrOutOfOrder)
	}
	l.samples = append(l.samples, s)
	c.samples++
	return nil
}

// pending is the unflushed tail of one line.
type pending struct {
	line    *line
	from    int
	samples []model.CounterSample
}

// unflushed snapshots the rows not yet written to disk.
func (c *Collection) unflushed() []pending {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []pending
	for _, l := range c.order {
		if len(l.samples) > l.flushed {
			out = append(out, pending{line: l, from: l.flushed, samples: l.samples[l.flushed:len(l.samples):len(l.samples)]})
		}
	}
	return out
}

// markFlushed advances the watermark of l. first reports that l has just
// got its file, so the session metadata must start listing it.
func (c *Collection) markFlushed(l *line, upTo int) (first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first = l.flushed == 0 && upTo > 0
	if upTo > l.flushed {
		l.flushed = upTo
	}
	return first
}

func (c *Collection) hasUnflushed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range c.order {
		if len(l.samples) > l.flushed {
			return true
		}
	}
	return false
}

// lineMetas lists line descriptors in first-seen order. With onDisk set,
// lines without flushed rows are left out: their file may not exist yet.
func (c *Collection) lineMetas(onDisk bool) []lineMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]lineMeta, 0, len(c.order))
	for _, l := range c.order {
		if onDisk && l.flushed == 0 {
			continue
		}
		out = append(out, lineMeta{
			Hash:     l.hash,
			Counter:  l.counter,
			Instance: l.instance.String(),
			File:     lineFile(l.hash),
		})
	}
	return out
}

func points(samples []model.CounterSample) []model.Point {
	out := make([]model.Point, len(samples))
	for i, s := range samples {
		out[i] = model.Point{Timestamp: s.Timestamp, Value: s.Value}
	}
	return out
}
