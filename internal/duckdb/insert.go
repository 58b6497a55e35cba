package duckdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
const DefaultFlushQueueSize = 64

// InsertBuffer batches sample records and flushes them to DuckDB asynchronously.
// Add never blocks on DuckDB writes; records are handed to a flush goroutine.
type InsertBuffer struct {
	writer        model.SampleWriter
	log           *zap.Logger
	mu            sync.Mutex
	pending       []*model.SampleRecord
	flushChan     chan []*model.SampleRecord
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	closeMu       sync.RWMutex // guards closed and sends on flushChan from Add
	closed        bool
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64 // unix seconds of the last backpressure warning
	written           atomic.Int64
	failed            atomic.Int64
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Logger         *zap.Logger
}

// NewInsertBuffer creates a new insert buffer that flushes to writer.
func NewInsertBuffer(writer model.SampleWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := 2000
	flushInterval := 100 * time.Millisecond
	flushQueueSize := DefaultFlushQueueSize
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}

	b := &InsertBuffer{
		writer:        writer,
		log:           logger.Named("duckdb.insert"),
		pending:       make([]*model.SampleRecord, 0, batchSize),
		flushChan:     make(chan []*model.SampleRecord, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure warns at most once per 10 seconds when the flush channel is
// full and a batch is written inline.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		b.log.Warn("flush channel full, writing inline", zap.Int64("inline_flushes", count))
	}
}

func (b *InsertBuffer) takePending() []*model.SampleRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make([]*model.SampleRecord, 0, b.maxBatch)
	return batch
}

func (b *InsertBuffer) drainPending() {
	if batch := b.takePending(); batch != nil {
		b.enqueue(batch)
	}
}

// enqueue hands batch to the flush goroutine, or writes it inline when the
// flush channel is full.
func (b *InsertBuffer) enqueue(batch []*model.SampleRecord) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		b.flushBatch(batch)
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		b.flushBatch(batch)
	}
}

// Add queues a record for batch insertion. It never blocks on DuckDB IO.
// Records added after Stop are dropped.
func (b *InsertBuffer) Add(record *model.SampleRecord) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	if record.Received.IsZero() {
		record.Received = time.Now()
	}

	b.mu.Lock()
	b.pending = append(b.pending, record)
	var batch []*model.SampleRecord
	if len(b.pending) >= b.maxBatch {
		batch = b.pending
		b.pending = make([]*model.SampleRecord, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
}

// Written reports how many records reached DuckDB and how many were dropped.
func (b *InsertBuffer) Written() (written, failed int64) {
	return b.written.Load(), b.failed.Load()
}

// Stop flushes remaining records and waits for all writes to complete.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		// tickLoop's final drain must finish before flushChan closes.
		b.tickWg.Wait()
		b.closeMu.Lock()
		b.closed = true
		close(b.flushChan)
		b.closeMu.Unlock()
		b.wg.Wait()
		// Records added between the final drain and closing.
		b.flushBatch(b.takePending())
	})
}

func (b *InsertBuffer) flushBatch(batch []*model.SampleRecord) {
	if len(batch) == 0 {
		return
	}
	if err := b.writer.InsertSampleBatch(batch); err != nil {
		b.failed.Add(int64(len(batch)))
		b.log.Warn("dropping sample batch", zap.Int("records", len(batch)), zap.Error(err))
		return
	}
	b.written.Add(int64(len(batch)))
}

// InsertSampleBatch appends a batch of records in a single transaction. If the
// batch fails it is retried record by record to salvage what it can; the
// returned error reports the records that could not be written.
func (s *Store) InsertSampleBatch(records []*model.SampleRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.insertBatchTx(ctx, records)
	if err == nil {
		return nil
	}

	var failed int
	for _, r := range records {
		if rerr := s.insertBatchTx(ctx, []*model.SampleRecord{r}); rerr != nil {
			failed++
			s.log.Debug("dropping sample", zap.String("collection", r.CollectionID),
				zap.String("counter", r.Sample.Name), zap.Error(rerr))
		}
	}
	if failed > 0 {
		return fmt.Errorf("duckdb: %d/%d records dropped: %w", failed, len(records), err)
	}
	return nil
}

func (s *Store) insertBatchTx(ctx context.Context, records []*model.SampleRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO samples
		(collection_id, counter, instance, locality, pool, thread, sequence, ts, value, unit, received)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		inst := r.Sample.Instance
		received := r.Received
		if received.IsZero() {
			received = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			r.CollectionID, r.Sample.Name, inst.String(),
			nullable(inst.Locality), nullable(inst.Pool), nullable(inst.Thread),
			int64(r.Sample.Sequence), r.Sample.Timestamp, r.Sample.Value, r.Sample.Unit,
			received,
		); err != nil {
			return fmt.Errorf("sample insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
