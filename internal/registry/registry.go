// Package registry keeps the subscriptions of live observers and fans every
// appended sample out to the ones whose key selects it. Subscriptions never
// hold collection data; reads resolve the collection through the session store
// at call time.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/session"
)

// Collections resolves collection ids; "" selects the active collection.
type Collections interface {
	GetCollection(id string) (*session.Collection, bool)
}

// Callback receives updates for one subscription, in append order.
type Callback func(model.Update)

// CollectionCallback receives the id of each newly active collection.
type CollectionCallback func(collectionID string)

// Subscription is a registered observer. Call Unsubscribe to end it.
type Subscription struct {
	id   uint64
	key  model.SubscriptionKey
	reg  *Registry
	box  interface{ stop() }
	once sync.Once
}

// Key returns the subscription key.
func (s *Subscription) Key() model.SubscriptionKey { return s.key }

// Unsubscribe removes the subscription. Pending updates are discarded; a
// callback already running is allowed to finish. Safe to call repeatedly and
// from inside the callback.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.reg.remove(s)
		s.box.stop()
	})
}

type sampleSub struct {
	sub *Subscription
	box *mailbox[model.Update]
}

type collectionSub struct {
	sub *Subscription
	box *mailbox[string]
}

// Registry is safe for concurrent use.
type Registry struct {
	collections Collections
	log         *zap.Logger
	metrics     *metrics.Pipeline

	mu       sync.RWMutex
	nextID   uint64
	samples  map[uint64]sampleSub
	rollover map[uint64]collectionSub
	closed   bool
}

// Config configures a Registry.
type Config struct {
	Logger  *zap.Logger
	Metrics *metrics.Pipeline
}

// New creates a registry resolving collections through c.
func New(c Collections, conf ...Config) *Registry {
	r := &Registry{
		collections: c,
		log:         zap.NewNop(),
		samples:     make(map[uint64]sampleSub),
		rollover:    make(map[uint64]collectionSub),
	}
	if len(conf) > 0 {
		if conf[0].Logger != nil {
			r.log = conf[0].Logger
		}
		r.metrics = conf[0].Metrics
	}
	r.log = r.log.Named("registry")
	return r
}

// Subscribe registers fn for every sample selected by key. Several
// subscriptions may share a key.
func (r *Registry) Subscribe(key model.SubscriptionKey, fn Callback) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{id: r.nextID, key: key, reg: r}
	box := newMailbox(safe(r.log, key.Label, func(u model.Update) { fn(u) }))
	sub.box = box
	if r.closed {
		box.stop()
		return sub
	}
	r.samples[sub.id] = sampleSub{sub: sub, box: box}
	r.metrics.SubscriptionsChanged(1)
	return sub
}

// SubscribeCollections registers fn to be told when a new collection becomes active.
func (r *Registry) SubscribeCollections(fn CollectionCallback) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{id: r.nextID, reg: r}
	box := newMailbox(safe(r.log, "collections", func(id string) { fn(id) }))
	sub.box = box
	if r.closed {
		box.stop()
		return sub
	}
	r.rollover[sub.id] = collectionSub{sub: sub, box: box}
	r.metrics.SubscriptionsChanged(1)
	return sub
}

// safe wraps deliver so a panicking observer cannot stop its mailbox.
func safe[T any](log *zap.Logger, label string, deliver func(T)) func(T) {
	return func(v T) {
		defer func() {
			if p := recover(); p != nil {
				log.Error("subscriber callback panicked", zap.String("label", label), zap.Any("panic", p))
			}
		}()
		deliver(v)
	}
}

func (r *Registry) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, inSamples := r.samples[s.id]
	_, inRollover := r.rollover[s.id]
	if !inSamples && !inRollover {
		return
	}
	delete(r.samples, s.id)
	delete(r.rollover, s.id)
	r.metrics.SubscriptionsChanged(-1)
}

// Notify delivers one update per matching subscription and returns how many
// were queued. It never blocks on observers.
func (r *Registry) Notify(sample model.CounterSample, collectionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.samples {
		if !s.sub.key.Selects(sample, collectionID) {
			continue
		}
		if s.box.push(model.Update{Key: s.sub.key, CollectionID: collectionID, Sample: sample}) {
			n++
		}
	}
	r.metrics.Notified(n)
	return n
}

// NotifyCollection tells collection subscribers that collectionID is now active.
func (r *Registry) NotifyCollection(collectionID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.rollover {
		s.box.push(collectionID)
	}
}

// GetStats computes count, total and mean of the line(s) selected by key.
func (r *Registry) GetStats(key model.SubscriptionKey) (model.Stats, bool) {
	c, ok := r.collections.GetCollection(key.CollectionID)
	if !ok {
		return model.Stats{}, false
	}
	return c.Stats(key.Counter, key.Instance)
}

// History returns the (timestamp, value) points of the line(s) selected by key.
func (r *Registry) History(key model.SubscriptionKey) ([]model.Point, bool) {
	c, ok := r.collections.GetCollection(key.CollectionID)
	if !ok {
		return nil, false
	}
	return c.History(key.Counter, key.Instance)
}

// GetCollection resolves a collection id; "" is the active collection.
func (r *Registry) GetCollection(id string) (*session.Collection, bool) {
	return r.collections.GetCollection(id)
}

// LineToHash returns the stable identifier of a (counter, instance) line.
func (r *Registry) LineToHash(counter string, instance model.InstanceDescriptor) string {
	return session.LineHash(counter, instance)
}

// Len reports the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples) + len(r.rollover)
}

// Backlog reports the updates queued for subscribers but not yet delivered.
func (r *Registry) Backlog() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.samples {
		n += s.box.backlog()
	}
	for _, s := range r.rollover {
		n += s.box.backlog()
	}
	return n
}

// Close stops every subscription and waits for their mailbox goroutines.
// Subscriptions made afterwards never receive anything. Close waits for the
// callbacks in progress, so it must not be called from inside a callback:
// that callback's own mailbox would never finish. Use Unsubscribe there.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	waits := make([]func(), 0, len(r.samples)+len(r.rollover))
	for _, s := range r.samples {
		s.box.stop()
		waits = append(waits, s.box.wait)
	}
	for _, s := range r.rollover {
		s.box.stop()
		waits = append(waits, s.box.wait)
	}
	r.metrics.SubscriptionsChanged(-len(waits))
	r.samples = map[uint64]sampleSub{}
	r.rollover = map[uint64]collectionSub{}
	r.mu.Unlock()

	for _, wait := range waits {
		wait()
	}
	r.log.Debug("registry closed", zap.Int("mailboxes", len(waits)))
}

func (s *Subscription) String() string {
	return fmt.Sprintf("subscription %d %s{%s}", s.id, s.key.Counter, s.key.Instance)
}
