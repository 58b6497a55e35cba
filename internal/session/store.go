// Package session aggregates decoded counter samples into collections and
// persists them. A store holds exactly one active collection at a time plus
// any number of archived ones; only the active collection accepts appends.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/model"
)

var (
	// ErrImport is returned by ImportSession after it fell back to a fresh session.
	ErrImport = errors.New("session: import failed")
	// ErrStorageWrite marks a failed write of session files. Unwritten rows stay pending.
	ErrStorageWrite = errors.New("session: storage write failed")
	// ErrOutOfOrder rejects a sample older than the last one of its line.
	ErrOutOfOrder = errors.New("session: sample timestamp out of order")
	// ErrNoSession is returned by Append before a session was started.
	ErrNoSession = errors.New("session: no active collection")
	// ErrArchived rejects appends to an archived collection.
	ErrArchived = errors.New("session: collection is archived")
	// ErrActiveCollection is returned when dropping the active collection.
	ErrActiveCollection = errors.New("session: collection is active")
	// ErrUnknownCollection is returned for an id the store does not hold.
	ErrUnknownCollection = errors.New("session: unknown collection")
)

// Config configures a Store.
type Config struct {
	AutoSave bool
	SavePath string
	Logger   *zap.Logger
	Metrics  *metrics.Pipeline
	// Now is the wall clock used for creation times; defaults to time.Now.
	Now func() time.Time
}

// Store is the session aggregate. Append is meant for a single writer; all
// other methods are safe for concurrent use.
type Store struct {
	autoSave bool
	savePath string
	log      *zap.Logger
	metrics  *metrics.Pipeline
	now      func() time.Time

	mu          sync.RWMutex
	sessionDir  string
	created     time.Time
	collections []*Collection
	byID        map[string]*Collection
	active      *Collection
	nextID      int

	metaMu    sync.Mutex
	metaDirty map[string]bool // session directories whose metadata must be rewritten

	flushMu sync.Mutex // serializes file writes
}

// NewStore creates an empty store. Call StartSession or ImportSession before
// appending.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		autoSave:  cfg.AutoSave,
		savePath:  cfg.SavePath,
		log:       logger.Named("session"),
		metrics:   cfg.Metrics,
		now:       now,
		byID:      make(map[string]*Collection),
		metaDirty: make(map[string]bool),
		nextID:    1,
	}
}

// SessionDir returns the directory of the current session, or "" when the
// session is kept in memory only.
func (s *Store) SessionDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionDir
}

// StartSession flushes and archives the current collection, then opens a new
// session with a fresh active collection. With autoSave the session gets its
// own timestamped directory below savePath.
func (s *Store) StartSession(autoSave bool, savePath string) error {
	if err := s.Flush(); err != nil {
		s.log.Warn("final flush before new session failed", zap.Error(err))
	}

	now := s.now()
	dir := ""
	if autoSave {
		var err error
		if dir, err = newSessionDir(savePath, now); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.autoSave = autoSave
	s.savePath = savePath
	s.sessionDir = dir
	s.created = now
	c := s.rolloverLocked(now)
	s.mu.Unlock()

	s.log.Info("session started",
		zap.String("dir", dir), zap.Bool("auto_save", autoSave), zap.String("collection", c.ID()))
	return s.writeDirtyMeta()
}

// ImportSession loads a session previously written to path. Every listed
// collection is loaded as archived, except one left active by its writer,
// which resumes as the active collection. Without such a collection a new one
// is created inside the imported session. If anything cannot be loaded the
// store starts a fresh session instead and returns an error wrapping ErrImport.
func (s *Store) ImportSession(path string) error {
	loaded, resume, meta, err := s.load(path)
	if err == nil {
		err = s.checkIDsFree(loaded)
	}
	if err != nil {
		s.log.Warn("import failed, starting a fresh session", zap.String("path", path), zap.Error(err))
		if startErr := s.StartSession(s.autoSaveSetting()); startErr != nil {
			return errors.Join(fmt.Errorf("%w: %s: %w", ErrImport, path, err), startErr)
		}
		return fmt.Errorf("%w: %s: %w", ErrImport, path, err)
	}

	if err := s.Flush(); err != nil {
		s.log.Warn("final flush before import failed", zap.Error(err))
	}

	s.mu.Lock()
	if s.active != nil {
		s.active.setActive(false)
		s.markDirty(s.active)
		s.active = nil
	}
	dir := path
	if !s.autoSave {
		dir = ""
	}
	for _, c := range loaded {
		if dir == "" {
			c.dir = ""
		}
		s.addLocked(c)
	}
	s.sessionDir = dir
	s.created = meta.Created
	var c *Collection
	if resume != nil {
		resume.setActive(true)
		s.active = resume
		s.markDirty(resume)
		c = resume
	} else {
		c = s.rolloverLocked(s.now())
	}
	s.mu.Unlock()

	s.log.Info("session imported",
		zap.String("path", path), zap.Int("collections", len(loaded)),
		zap.String("active", c.ID()), zap.Bool("resumed", resume != nil))
	return s.writeDirtyMeta()
}

func (s *Store) autoSaveSetting() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoSave, s.savePath
}

func (s *Store) checkIDsFree(loaded []*Collection) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range loaded {
		if _, taken := s.byID[c.id]; taken {
			return fmt.Errorf("collection %q already loaded", c.id)
		}
	}
	return nil
}

// load reads every collection of the session at path without touching the store.
func (s *Store) load(path string) (loaded []*Collection, resume *Collection, meta sessionMeta, err error) {
	meta, err = readMeta(path)
	if err != nil {
		return nil, nil, meta, err
	}
	seen := make(map[string]bool, len(meta.Collections))
	for _, cm := range meta.Collections {
		if seen[cm.ID] {
			return nil, nil, meta, fmt.Errorf("duplicate collection %q", cm.ID)
		}
		seen[cm.ID] = true
		c, err := loadCollection(path, cm)
		if err != nil {
			return nil, nil, meta, err
		}
		if cm.Active {
			if resume != nil {
				return nil, nil, meta, fmt.Errorf("collections %s and %s both active", resume.ID(), c.ID())
			}
			resume = c
		}
		loaded = append(loaded, c)
	}
	return loaded, resume, meta, nil
}

// NewCollection archives the active collection and starts a new one in the
// current session. Rows of the archived collection not yet on disk are written
// by the next Flush.
func (s *Store) NewCollection() *Collection {
	s.mu.Lock()
	c := s.rolloverLocked(s.now())
	s.mu.Unlock()
	s.log.Info("collection started", zap.String("collection", c.ID()))
	return c
}

func (s *Store) rolloverLocked(now time.Time) *Collection {
	if s.active != nil {
		s.active.setActive(false)
		s.markDirty(s.active)
	}
	c := newCollection(s.newIDLocked(), now, s.sessionDir)
	c.active = true
	s.addLocked(c)
	s.active = c
	s.markDirty(c)
	return c
}

func (s *Store) newIDLocked() string {
	for {
		id := fmt.Sprintf("%04d", s.nextID)
		s.nextID++
		if _, taken := s.byID[id]; !taken {
			return id
		}
	}
}

func (s *Store) addLocked(c *Collection) {
	s.collections = append(s.collections, c)
	s.byID[c.id] = c
	if n, err := strconv.Atoi(c.id); err == nil && n >= s.nextID {
		s.nextID = n + 1
	}
}

// markDirty schedules a metadata rewrite for the session holding c.
func (s *Store) markDirty(c *Collection) {
	if c.dir == "" {
		return
	}
	s.metaMu.Lock()
	s.metaDirty[c.dir] = true
	s.metaMu.Unlock()
}

// CurrentCollection returns the active collection, or nil before a session started.
func (s *Store) CurrentCollection() *Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// GetCollection looks up a collection by id. The empty id selects the active one.
func (s *Store) GetCollection(id string) (*Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == model.DefaultCollectionID {
		return s.active, s.active != nil
	}
	c, ok := s.byID[id]
	return c, ok
}

// Collections summarizes every collection in creation order.
func (s *Store) Collections() []model.CollectionInfo {
	s.mu.RLock()
	cs := append([]*Collection(nil), s.collections...)
	s.mu.RUnlock()
	out := make([]model.CollectionInfo, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Info())
	}
	return out
}

// Append adds a sample to the active collection and returns that collection.
func (s *Store) Append(sample model.CounterSample) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.active
	if c == nil {
		return nil, ErrNoSession
	}
	if err := c.append(sample); err != nil {
		return nil, err
	}
	return c, nil
}

// Flush writes every unflushed row of every persisted collection, including
// collections archived since the last flush, and rewrites stale metadata.
// Failed rows stay pending and are retried by the next call.
func (s *Store) Flush() error {
	started := time.Now()
	rows, errs := s.writePending(s.persisted())
	if err := s.writeDirtyMeta(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	s.metrics.FlushDone(started, rows, err)
	if err != nil {
		s.log.Warn("flush incomplete, will retry", zap.Int("rows", rows), zap.Error(err))
	} else if rows > 0 {
		s.log.Debug("flushed", zap.Int("rows", rows), zap.Duration("took", time.Since(started)))
	}
	return err
}

// persisted snapshots the collections that live on disk.
func (s *Store) persisted() []*Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs := make([]*Collection, 0, len(s.collections))
	for _, c := range s.collections {
		if c.dir != "" {
			cs = append(cs, c)
		}
	}
	return cs
}

// writePending appends the unflushed rows of cs. Collections dropped after
// cs was taken are skipped.
func (s *Store) writePending(cs []*Collection) (rows int, errs []error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	for _, c := range cs {
		if !s.holds(c) {
			continue
		}
		for _, p := range c.unflushed() {
			dir := collectionDir(c.dir, c.id)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				errs = append(errs, storageErr("create", dir, err))
				break
			}
			// A line's first flush replaces whatever an interrupted run left behind.
			if err := writeRows(filepath.Join(dir, lineFile(p.line.hash)), p.samples, p.from == 0); err != nil {
				errs = append(errs, err)
				continue
			}
			if c.markFlushed(p.line, p.from+len(p.samples)) {
				s.markDirty(c)
			}
			rows += len(p.samples)
		}
	}
	return rows, errs
}

func (s *Store) holds(c *Collection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[c.id] == c
}

func (s *Store) writeDirtyMeta() error {
	s.metaMu.Lock()
	dirty := s.metaDirty
	s.metaDirty = make(map[string]bool)
	s.metaMu.Unlock()
	if len(dirty) == 0 {
		return nil
	}

	metas := make(map[string]sessionMeta, len(dirty))
	s.mu.RLock()
	for dir := range dirty {
		metas[dir] = s.metaLocked(dir)
	}
	s.mu.RUnlock()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	var errs []error
	for dir, meta := range metas {
		if err := writeMeta(dir, meta); err != nil {
			errs = append(errs, err)
			s.metaMu.Lock()
			s.metaDirty[dir] = true
			s.metaMu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// metaLocked builds the metadata of the session stored in dir.
func (s *Store) metaLocked(dir string) sessionMeta {
	meta := sessionMeta{Version: metaVersion, Created: s.created}
	first := true
	for _, c := range s.collections {
		if c.dir != dir {
			continue
		}
		if first || c.created.Before(meta.Created) {
			meta.Created = c.created
			first = false
		}
		meta.Collections = append(meta.Collections, collectionMeta{
			ID:      c.id,
			Created: c.created,
			Active:  c.Active(),
			Lines:   c.lineMetas(true),
		})
	}
	return meta
}

// Export writes a complete copy of every collection into a new session
// directory below root and returns its path. The copy has no active
// collection, so importing it starts a new one.
func (s *Store) Export(root string) (string, error) {
	dir, err := newSessionDir(root, s.now())
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	cs := append([]*Collection(nil), s.collections...)
	created := s.created
	s.mu.RUnlock()

	meta := sessionMeta{Version: metaVersion, Created: created}
	for _, c := range cs {
		cdir := collectionDir(dir, c.id)
		if err := os.MkdirAll(cdir, 0o755); err != nil {
			return "", storageErr("create", cdir, err)
		}
		lines := c.lineMetas(false)
		for _, lm := range lines {
			samples, _ := c.Samples(lm.Hash)
			if err := writeRows(filepath.Join(cdir, lm.File), samples, true); err != nil {
				return "", err
			}
		}
		meta.Collections = append(meta.Collections, collectionMeta{
			ID:      c.id,
			Created: c.created,
			Lines:   lines,
		})
	}
	if err := writeMeta(dir, meta); err != nil {
		return "", err
	}
	s.log.Info("session exported", zap.String("dir", dir), zap.Int("collections", len(cs)))
	return dir, nil
}

// DropCollection removes an archived collection from memory and disk.
func (s *Store) DropCollection(id string) error {
	s.mu.Lock()
	c, ok := s.byID[id]
	switch {
	case !ok:
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownCollection, id)
	case c == s.active:
		s.mu.Unlock()
		return fmt.Errorf("drop %q: %w", id, ErrActiveCollection)
	}
	delete(s.byID, id)
	for i, other := range s.collections {
		if other == c {
			s.collections = append(s.collections[:i], s.collections[i+1:]...)
			break
		}
	}
	s.markDirty(c)
	s.mu.Unlock()

	if c.dir != "" {
		s.flushMu.Lock()
		err := os.RemoveAll(collectionDir(c.dir, c.id))
		s.flushMu.Unlock()
		if err != nil {
			return storageErr("remove", collectionDir(c.dir, c.id), err)
		}
	}
	s.log.Info("collection dropped", zap.String("collection", id))
	return s.writeDirtyMeta()
}
