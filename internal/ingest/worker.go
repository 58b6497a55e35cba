// Package ingest runs the aggregation worker: the single consumer of the
// ingestion queue and the only writer of the session store.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/session"
	"github.com/egparedes/hpx-dashboard/internal/wire"
)

// ErrStopped is returned by Rollover when the worker is not running.
var ErrStopped = errors.New("ingest: worker stopped")

// State is the externally visible worker state.
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config tunes the worker.
type Config struct {
	AutoSave       bool
	FlushInterval  time.Duration
	FlushThreshold int
	// Sink optionally mirrors appended samples into the analytic store.
	Sink    SampleSink
	Logger  *zap.Logger
	Metrics *metrics.Pipeline
}

// Counters summarize what the worker has seen since it started.
type Counters struct {
	Processed    int64 `json:"processed"`
	DecodeErrors int64 `json:"decode_errors"`
	AppendErrors int64 `json:"append_errors"`
	FlushErrors  int64 `json:"flush_errors"`
}

type rolloverReq struct {
	reply chan string
}

// Worker decodes queued records, appends them to the store and notifies
// observers, one record at a time and in queue order. Flushes run on a
// separate goroutine so slow storage never stalls ingestion.
type Worker struct {
	queue    Queue
	store    Store
	notifier Notifier
	sink     SampleSink
	log      *zap.Logger
	metrics  *metrics.Pipeline

	autoSave       bool
	flushInterval  time.Duration
	flushThreshold int
	sinceFlush     int

	rollover chan rolloverReq
	flushReq chan struct{}
	done     chan struct{}
	runOnce  sync.Once

	state    atomic.Int32
	flushing atomic.Bool

	processed    atomic.Int64
	decodeErrors atomic.Int64
	appendErrors atomic.Int64
	flushErrors  atomic.Int64

	// worker goroutine only
	outOfOrder    int64
	lastOrderWarn time.Time
}

const outOfOrderWarnEvery = 10 * time.Second

// NewWorker wires a worker. Call Run to start it.
func NewWorker(q Queue, store Store, notifier Notifier, cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = model.DefaultFlushInterval
	}
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = model.DefaultFlushThreshold
	}
	return &Worker{
		queue:          q,
		store:          store,
		notifier:       notifier,
		sink:           cfg.Sink,
		log:            logger.Named("worker"),
		metrics:        cfg.Metrics,
		autoSave:       cfg.AutoSave,
		flushInterval:  interval,
		flushThreshold: threshold,
		rollover:       make(chan rolloverReq),
		flushReq:       make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// State reports what the worker is doing.
func (w *Worker) State() State { return State(w.state.Load()) }

// Flushing reports whether a flush is in progress.
func (w *Worker) Flushing() bool { return w.flushing.Load() }

// Counters returns a snapshot of the worker counters.
func (w *Worker) Counters() Counters {
	return Counters{
		Processed:    w.processed.Load(),
		DecodeErrors: w.decodeErrors.Load(),
		AppendErrors: w.appendErrors.Load(),
		FlushErrors:  w.flushErrors.Load(),
	}
}

// Run consumes the queue until ctx ends or the queue is closed and drained.
// Before returning it waits for an in-flight flush and, with auto-save,
// flushes once more. Run may only be called once.
func (w *Worker) Run(ctx context.Context) error {
	started := false
	w.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("ingest: worker already started")
	}
	defer close(w.done)
	defer w.state.Store(int32(StateStopped))

	var flusherWg sync.WaitGroup
	stopFlusher := make(chan struct{})
	flusherWg.Add(1)
	go func() {
		defer flusherWg.Done()
		w.flushLoop(stopFlusher)
	}()
	defer func() {
		close(stopFlusher)
		flusherWg.Wait()
		if w.autoSave {
			w.flush()
		}
	}()

	var tick <-chan time.Time
	if w.autoSave {
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	items := w.queue.Items()
	closed := w.queue.Closed()
	for {
		w.state.Store(int32(StateWaiting))
		select {
		case <-ctx.Done():
			w.log.Debug("worker stopping", zap.Error(ctx.Err()))
			return nil
		case env := <-items:
			w.process(env)
		case req := <-w.rollover:
			req.reply <- w.doRollover()
		case <-tick:
			w.requestFlush()
		case <-closed:
			w.drain(items)
			w.log.Debug("queue closed, worker stopping")
			return nil
		}
	}
}

func (w *Worker) drain(items <-chan model.IngestEnvelope) {
	for {
		select {
		case env := <-items:
			w.process(env)
		default:
			return
		}
	}
}

func (w *Worker) process(env model.IngestEnvelope) {
	w.state.Store(int32(StateProcessing))
	w.processed.Add(1)

	sample, err := wire.Decode(env.Line)
	if err != nil {
		w.decodeErrors.Add(1)
		w.metrics.DecodeFailed()
		w.log.Debug("dropping undecodable record", zap.String("source", env.Source), zap.Error(err))
		return
	}

	c, err := w.store.Append(sample)
	if err != nil {
		w.appendErrors.Add(1)
		w.metrics.AppendFailed()
		if errors.Is(err, session.ErrOutOfOrder) {
			w.logOutOfOrder(env.Source, sample)
			return
		}
		w.log.Debug("dropping sample", zap.String("source", env.Source),
			zap.String("counter", sample.Name), zap.Stringer("instance", sample.Instance), zap.Error(err))
		return
	}
	w.metrics.SampleAppended()

	w.notifier.Notify(sample, c.ID())
	if w.sink != nil {
		w.sink.Add(&model.SampleRecord{CollectionID: c.ID(), Received: time.Now(), Sample: sample})
	}

	w.sinceFlush++
	if w.autoSave && w.sinceFlush >= w.flushThreshold {
		w.requestFlush()
	}
}

// logOutOfOrder warns at most once per outOfOrderWarnEvery. A restarted
// application reuses counter names with timestamps starting near zero, and
// every one of its samples lands here until the next rollover.
func (w *Worker) logOutOfOrder(source string, sample model.CounterSample) {
	w.outOfOrder++
	now := time.Now()
	if !w.lastOrderWarn.IsZero() && now.Sub(w.lastOrderWarn) < outOfOrderWarnEvery {
		return
	}
	w.lastOrderWarn = now
	w.log.Warn("rejecting out-of-order samples, roll over to a new collection for a restarted run",
		zap.String("source", source), zap.String("counter", sample.Name),
		zap.Stringer("instance", sample.Instance), zap.Float64("timestamp", sample.Timestamp),
		zap.Int64("rejected", w.outOfOrder))
}

// requestFlush never blocks; a pending request absorbs the new one.
func (w *Worker) requestFlush() {
	w.sinceFlush = 0
	select {
	case w.flushReq <- struct{}{}:
	default:
	}
}

func (w *Worker) flushLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-w.flushReq:
			w.flush()
		}
	}
}

func (w *Worker) flush() {
	w.flushing.Store(true)
	defer w.flushing.Store(false)
	if err := w.store.Flush(); err != nil {
		w.flushErrors.Add(1)
		w.log.Warn("flush failed, rows kept for retry", zap.Error(err))
	}
}

func (w *Worker) doRollover() string {
	c := w.store.NewCollection()
	w.notifier.NotifyCollection(c.ID())
	if w.autoSave {
		w.requestFlush()
	}
	return c.ID()
}

// Rollover archives the active collection and starts a new one, ordered with
// respect to appends. It returns the new collection id.
func (w *Worker) Rollover(ctx context.Context) (string, error) {
	req := rolloverReq{reply: make(chan string, 1)}
	select {
	case w.rollover <- req:
	case <-w.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case id := <-req.reply:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
