// memory based implementation for testing and single-node deployments
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyp0633/caldora/server/ledger"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/storage"
)

// Store implements storage.Store using in-memory maps
type Store struct {
	mu          sync.RWMutex
	collections map[string]*model.Collection
	series      map[string]*model.Series
	views       map[string]map[string]model.ViewState // collection -> resource -> state
	logs        map[string]*changeLog                  // key: collection id
}

type changeLog struct {
	rev     int64
	floor   int64
	entries []ledger.Entry
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory storage
func New() *Store {
	return &Store{
		collections: make(map[string]*model.Collection),
		series:      make(map[string]*model.Series),
		views:       make(map[string]map[string]model.ViewState),
		logs:        make(map[string]*changeLog),
	}
}

// Collection operations

func (s *Store) CreateCollection(_ context.Context, c *model.Collection) error {
	if c == nil || c.ID == "" || c.Owner == "" {
		return fmt.Errorf("collection needs an id and an owner: %w", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[c.ID]; exists {
		return fmt.Errorf("collection %s: %w", c.ID, storage.ErrConflict)
	}
	if c.Default {
		for _, other := range s.collections {
			if other.Owner == c.Owner && other.Default {
				return fmt.Errorf("%s already has a default collection: %w", c.Owner, storage.ErrConflict)
			}
		}
	}
	if c.Epoch == "" {
		c.Epoch = ledger.NewEpoch()
	}
	cp := *c
	s.collections[c.ID] = &cp
	s.views[c.ID] = make(map[string]model.ViewState)
	s.logs[c.ID] = &changeLog{}
	return nil
}

func (s *Store) Collection(_ context.Context, id string) (*model.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[id]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", id, storage.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) Collections(_ context.Context, owner string) ([]model.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Collection
	for _, c := range s.collections {
		if owner == "" || c.Owner == owner {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DefaultCollection(_ context.Context, owner string) (*model.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.collections {
		if c.Owner == owner && c.Default {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("default collection of %s: %w", owner, storage.ErrNotFound)
}

// Series operations

func (s *Store) LoadSeries(_ context.Context, id string) (*model.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.series[id]
	if !ok {
		return nil, fmt.Errorf("series %s: %w", id, storage.ErrNotFound)
	}
	return series.Clone(), nil
}

// View operations

func (s *Store) View(_ context.Context, collectionID, resourceID string) (*model.ViewState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.views[collectionID][resourceID]
	if !ok {
		return nil, fmt.Errorf("view %s/%s: %w", collectionID, resourceID, storage.ErrNotFound)
	}
	return &v, nil
}

func (s *Store) Views(_ context.Context, collectionID string) ([]model.ViewState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views, ok := s.views[collectionID]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", collectionID, storage.ErrNotFound)
	}
	out := make([]model.ViewState, 0, len(views))
	for _, v := range views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

// Commit validates the whole batch before touching anything.
func (s *Store) Commit(_ context.Context, b *storage.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range b.Changes {
		if _, ok := s.logs[id]; !ok {
			return fmt.Errorf("ledger of %s: %w", id, storage.ErrNotFound)
		}
	}
	for _, v := range b.Views {
		if _, ok := s.views[v.CollectionID]; !ok {
			return fmt.Errorf("collection %s: %w", v.CollectionID, storage.ErrNotFound)
		}
	}
	if b.Delete != "" {
		if _, ok := s.series[b.Delete]; !ok {
			return fmt.Errorf("series %s: %w", b.Delete, storage.ErrNotFound)
		}
	}

	revs := make(map[string]int64, len(b.Changes))
	for id, changes := range b.Changes {
		if len(changes) == 0 {
			continue
		}
		revs[id] = s.appendLocked(id, changes, b.At)
	}

	if b.Put != nil {
		s.series[b.Put.ID] = b.Put.Clone()
	}
	if b.Delete != "" {
		delete(s.series, b.Delete)
	}
	for _, k := range b.DropViews {
		delete(s.views[k.CollectionID], k.ResourceID)
	}
	for _, v := range b.Views {
		if rev, ok := revs[v.CollectionID]; ok {
			v.Revision = rev
		} else {
			v.Revision = s.logs[v.CollectionID].rev
		}
		s.views[v.CollectionID][v.ResourceID] = v
	}
	return nil
}

// Ledger operations

func (s *Store) LedgerState(_ context.Context, collectionID string) (ledger.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collectionID]
	if !ok {
		return ledger.State{}, fmt.Errorf("collection %s: %w", collectionID, storage.ErrNotFound)
	}
	log := s.logs[collectionID]
	return ledger.State{Epoch: c.Epoch, Rev: log.rev, Floor: log.floor}, nil
}

func (s *Store) Entries(_ context.Context, collectionID string, after int64) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[collectionID]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", collectionID, storage.ErrNotFound)
	}
	i := sort.Search(len(log.entries), func(i int) bool { return log.entries[i].Rev > after })
	return append([]ledger.Entry(nil), log.entries[i:]...), nil
}

func (s *Store) Append(_ context.Context, collectionID string, changes []ledger.Change, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[collectionID]; !ok {
		return 0, fmt.Errorf("collection %s: %w", collectionID, storage.ErrNotFound)
	}
	return s.appendLocked(collectionID, changes, at), nil
}

func (s *Store) appendLocked(collectionID string, changes []ledger.Change, at time.Time) int64 {
	log := s.logs[collectionID]
	log.rev++
	for _, c := range changes {
		log.entries = append(log.entries, ledger.Entry{
			Rev:          log.rev,
			ResourceID:   c.ResourceID,
			RecurrenceID: c.RecurrenceID,
			Kind:         c.Kind,
			At:           at,
		})
	}
	return log.rev
}

// Prune drops whole revisions older than before.
func (s *Store) Prune(_ context.Context, collectionID string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[collectionID]
	if !ok {
		return 0, fmt.Errorf("collection %s: %w", collectionID, storage.ErrNotFound)
	}
	i := 0
	for i < len(log.entries) && log.entries[i].At.Before(before) {
		i++
	}
	if i > 0 {
		log.floor = log.entries[i-1].Rev
		log.entries = append([]ledger.Entry(nil), log.entries[i:]...)
	}
	return log.floor, nil
}
