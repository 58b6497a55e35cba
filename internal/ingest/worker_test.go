package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/queue"
	"github.com/egparedes/hpx-dashboard/internal/registry"
	"github.com/egparedes/hpx-dashboard/internal/session"
)

var thread0 = model.NewInstance("0", "default", "0")

type pipeline struct {
	q      *queue.Queue
	store  *session.Store
	reg    *registry.Registry
	worker *Worker
}

func newPipeline(t *testing.T, capacity int, cfg Config) *pipeline {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	store := session.NewStore(session.Config{Logger: cfg.Logger})
	root := ""
	if cfg.AutoSave {
		root = t.TempDir()
	}
	if err := store.StartSession(cfg.AutoSave, root); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	reg := registry.New(store, registry.Config{Logger: cfg.Logger})
	t.Cleanup(reg.Close)
	q := queue.New(capacity)
	return &pipeline{q: q, store: store, reg: reg, worker: NewWorker(q, store, reg, cfg)}
}

// start runs the worker until the test ends and returns a channel with Run's result.
func (p *pipeline) start(t *testing.T) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		done <- p.worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-exited
	})
	return done
}

func line(name string, seq int, ts, v float64) string {
	return fmt.Sprintf("%s,%d,%g,[s],%g", name, seq, ts, v)
}

const idleRate = "/threads{locality#0/pool#default/worker-thread#0}/idle-rate"

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWorker_DecodesAppendsAndNotifies(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, 16, Config{})
	updates := make(chan model.Update, 8)
	key := model.SubscriptionKey{Counter: "/threads/idle-rate", Instance: thread0}
	p.reg.Subscribe(key, func(u model.Update) { updates <- u })
	p.start(t)

	ctx := context.Background()
	for _, l := range []string{
		line(idleRate, 1, 1, 42),
		"garbage",
		line(idleRate, 2, 2, 55),
		line(idleRate, 3, 1.5, 99), // older than the last sample of its line
	} {
		if err := p.q.Put(ctx, model.IngestEnvelope{Source: "test", Line: l}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	for _, want := range []float64{42, 55} {
		select {
		case u := <-updates:
			if u.Sample.Value != want {
				t.Fatalf("update value = %v, want %v", u.Sample.Value, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no update for value %v", want)
		}
	}
	waitFor(t, "all records processed", func() bool {
		c := p.worker.Counters()
		return c.Processed == 4 && c.DecodeErrors+c.AppendErrors == 2
	})

	got := p.worker.Counters()
	if got.DecodeErrors != 1 || got.AppendErrors != 1 {
		t.Fatalf("Counters() = %+v, want 1 decode error and 1 append error", got)
	}
	st, _ := p.reg.GetStats(key)
	if st != (model.Stats{Count: 2, Total: 97, Mean: 48.5}) {
		t.Fatalf("GetStats = %+v", st)
	}
}

func TestWorker_BackpressureLosesNothing(t *testing.T) {
	t.Parallel()

	const capacity, total = 4, 50
	p := newPipeline(t, capacity, Config{})

	var produced sync.WaitGroup
	produced.Add(1)
	go func() {
		defer produced.Done()
		for i := 0; i < total; i++ {
			if err := p.q.Put(context.Background(), model.IngestEnvelope{Line: line(idleRate, i, float64(i), 1)}); err != nil {
				t.Errorf("Put: %v", err)
				return
			}
		}
	}()

	// With the worker paused the producer fills the queue and then blocks.
	waitFor(t, "queue to fill", func() bool { return p.q.Len() == capacity })
	time.Sleep(20 * time.Millisecond)
	if got := p.q.Len(); got != capacity {
		t.Fatalf("queue length = %d, want %d", got, capacity)
	}

	p.start(t)
	produced.Wait()
	waitFor(t, "every sample appended", func() bool {
		return p.store.CurrentCollection().Info().Samples == total
	})

	samples, _ := p.store.CurrentCollection().Samples(session.LineHash("/threads/idle-rate", thread0))
	for i, s := range samples {
		if s.Sequence != uint64(i) {
			t.Fatalf("sample %d has sequence %d, want queue order", i, s.Sequence)
		}
	}
}

func TestWorker_RolloverSwitchesCollection(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, 16, Config{})
	switched := make(chan string, 1)
	p.reg.SubscribeCollections(func(id string) { switched <- id })
	p.start(t)

	ctx := context.Background()
	_ = p.q.Put(ctx, model.IngestEnvelope{Line: line(idleRate, 1, 1, 1)})
	first := p.store.CurrentCollection()
	waitFor(t, "first sample", func() bool { return first.Info().Samples == 1 })

	id, err := p.worker.Rollover(ctx)
	if err != nil {
		t.Fatalf("Rollover: %v", err)
	}
	select {
	case got := <-switched:
		if got != id {
			t.Fatalf("notified %q, want %q", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("collection subscribers not notified")
	}

	_ = p.q.Put(ctx, model.IngestEnvelope{Line: line(idleRate, 2, 2, 2)})
	next, _ := p.store.GetCollection(id)
	waitFor(t, "sample in new collection", func() bool { return next.Info().Samples == 1 })
	if first.Info().Samples != 1 || first.Active() {
		t.Fatalf("archived collection = %+v", first.Info())
	}
}

func TestWorker_RolloverAfterStop(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, 1, Config{})
	done := p.start(t)
	p.q.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after queue close")
	}
	if _, err := p.worker.Rollover(context.Background()); err != ErrStopped {
		t.Fatalf("Rollover = %v, want %v", err, ErrStopped)
	}
	if p.worker.State() != StateStopped {
		t.Fatalf("State() = %v, want stopped", p.worker.State())
	}
}

func lineFilePath(t *testing.T, store *session.Store) string {
	t.Helper()
	c := store.CurrentCollection()
	return filepath.Join(c.Info().Path, session.LineHash("/threads/idle-rate", thread0)+".csv")
}

func TestWorker_FlushesAfterThreshold(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, 16, Config{AutoSave: true, FlushInterval: time.Hour, FlushThreshold: 2})
	p.start(t)
	path := lineFilePath(t, p.store)

	ctx := context.Background()
	_ = p.q.Put(ctx, model.IngestEnvelope{Line: line(idleRate, 1, 1, 1)})
	_ = p.q.Put(ctx, model.IngestEnvelope{Line: line(idleRate, 2, 2, 2)})

	waitFor(t, "line file with two rows", func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Count(string(data), "\n") == 3
	})
}

func TestWorker_FinalFlushOnShutdown(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, 16, Config{AutoSave: true, FlushInterval: time.Hour, FlushThreshold: 1 << 20})
	done := p.start(t)
	path := lineFilePath(t, p.store)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = p.q.Put(ctx, model.IngestEnvelope{Line: line(idleRate, i, float64(i), 1)})
	}
	p.q.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 4 {
		t.Fatalf("line file rows = %d, want header + 3", got)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []*model.SampleRecord
}

func (s *recordingSink) Add(r *model.SampleRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestWorker_MirrorsAppendedSamplesToSink(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newPipeline(t, 16, Config{Sink: sink})
	p.start(t)

	ctx := context.Background()
	_ = p.q.Put(ctx, model.IngestEnvelope{Line: line(idleRate, 1, 1, 1)})
	_ = p.q.Put(ctx, model.IngestEnvelope{Line: "not a record"})
	_ = p.q.Put(ctx, model.IngestEnvelope{Line: line(idleRate, 2, 2, 2)})

	waitFor(t, "sink records", func() bool { return sink.len() == 2 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.records[0].CollectionID != p.store.CurrentCollection().ID() {
		t.Fatalf("record collection = %q", sink.records[0].CollectionID)
	}
}

func TestWorker_WarnsOnceForOutOfOrderRun(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	p := newPipeline(t, 16, Config{Logger: zap.New(core)})
	p.start(t)

	// A restarted run: timestamps start again below the last stored one.
	for i, ts := range []float64{100, 1, 2, 3} {
		if err := p.q.Put(context.Background(), model.IngestEnvelope{Source: "tcp", Line: line(idleRate, i, ts, 1)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	waitFor(t, "rejections counted", func() bool { return p.worker.Counters().AppendErrors == 3 })

	warned := logs.FilterMessageSnippet("out-of-order").All()
	if len(warned) != 1 {
		t.Fatalf("out-of-order warnings = %d, want 1", len(warned))
	}
	if got := warned[0].ContextMap()["counter"]; got != "/threads/idle-rate" {
		t.Fatalf("warning counter = %v, want /threads/idle-rate", got)
	}
	if got := p.store.CurrentCollection().Info().Samples; got != 1 {
		t.Fatalf("stored samples = %d, want 1", got)
	}
}
