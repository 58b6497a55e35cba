package socketrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/session"
)

// ErrNotFound marks unknown collections or lines. It maps to code -32001.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned for methods whose component is not configured.
var ErrUnavailable = errors.New("not available")

// Backend is what the socket server exposes.
type Backend interface {
	ListCollections() ([]model.CollectionInfo, error)
	Lines(collectionID string) ([]model.LineInfo, error)
	Stats(key model.SubscriptionKey) (model.Stats, error)
	History(key model.SubscriptionKey, limit int) ([]model.Point, error)
	Rollover(ctx context.Context) (string, error)
	DropCollection(collectionID string) error
	Export(dir string) (string, error)
	TotalSampleCount() (int64, error)
	Snapshot(path string) (int64, error)
}

// Sessions is the part of the session store the service uses.
type Sessions interface {
	Collections() []model.CollectionInfo
	GetCollection(id string) (*session.Collection, bool)
	DropCollection(id string) error
	Export(root string) (string, error)
}

// Observers resolves subscription keys to line data.
type Observers interface {
	GetStats(key model.SubscriptionKey) (model.Stats, bool)
	History(key model.SubscriptionKey) ([]model.Point, bool)
}

// Roller starts a new collection in order with ingestion.
type Roller interface {
	Rollover(ctx context.Context) (string, error)
}

// Mirror is the optional analytic store.
type Mirror interface {
	TotalSampleCount() (int64, error)
	SnapshotTo(path string) (int64, error)
	DeleteCollection(collectionID string) (int64, error)
}

// Service adapts the running components to Backend. Worker and Mirror may be nil.
type Service struct {
	Sessions  Sessions
	Observers Observers
	Worker    Roller
	Mirror    Mirror
}

var _ Backend = (*Service)(nil)

func currentID(id string) string {
	if id == "current" {
		return model.DefaultCollectionID
	}
	return id
}

func (s *Service) ListCollections() ([]model.CollectionInfo, error) {
	return s.Sessions.Collections(), nil
}

func (s *Service) Lines(collectionID string) ([]model.LineInfo, error) {
	c, ok := s.Sessions.GetCollection(currentID(collectionID))
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", collectionID, ErrNotFound)
	}
	return c.Lines(), nil
}

func (s *Service) Stats(key model.SubscriptionKey) (model.Stats, error) {
	key.CollectionID = currentID(key.CollectionID)
	st, ok := s.Observers.GetStats(key)
	if !ok {
		return model.Stats{}, fmt.Errorf("line %s{%s}: %w", key.Counter, key.Instance, ErrNotFound)
	}
	return st, nil
}

func (s *Service) History(key model.SubscriptionKey, limit int) ([]model.Point, error) {
	key.CollectionID = currentID(key.CollectionID)
	points, ok := s.Observers.History(key)
	if !ok {
		return nil, fmt.Errorf("line %s{%s}: %w", key.Counter, key.Instance, ErrNotFound)
	}
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

func (s *Service) Rollover(ctx context.Context) (string, error) {
	if s.Worker == nil {
		return "", fmt.Errorf("rollover: %w", ErrUnavailable)
	}
	return s.Worker.Rollover(ctx)
}

func (s *Service) DropCollection(collectionID string) error {
	err := s.Sessions.DropCollection(collectionID)
	if errors.Is(err, session.ErrUnknownCollection) {
		return fmt.Errorf("collection %q: %w", collectionID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if s.Mirror != nil {
		if _, err := s.Mirror.DeleteCollection(collectionID); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}
	return nil
}

func (s *Service) Export(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("export: empty directory")
	}
	return s.Sessions.Export(dir)
}

func (s *Service) TotalSampleCount() (int64, error) {
	if s.Mirror == nil {
		return 0, fmt.Errorf("sample count: %w", ErrUnavailable)
	}
	return s.Mirror.TotalSampleCount()
}

func (s *Service) Snapshot(path string) (int64, error) {
	if s.Mirror == nil {
		return 0, fmt.Errorf("snapshot: %w", ErrUnavailable)
	}
	return s.Mirror.SnapshotTo(path)
}
