package storage

import (
	"context"
	"time"

	"github.com/cyp0633/caldora/server/ledger"
	"github.com/cyp0633/caldora/server/model"
	"github.com/stretchr/testify/mock"
)

// MockStore implements the Store interface for testing
type MockStore struct {
	mock.Mock
}

var _ Store = (*MockStore)(nil)

func (m *MockStore) CreateCollection(ctx context.Context, c *model.Collection) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockStore) Collection(ctx context.Context, id string) (*model.Collection, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Collection), args.Error(1)
}

func (m *MockStore) Collections(ctx context.Context, owner string) ([]model.Collection, error) {
	args := m.Called(ctx, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Collection), args.Error(1)
}

func (m *MockStore) DefaultCollection(ctx context.Context, owner string) (*model.Collection, error) {
	args := m.Called(ctx, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Collection), args.Error(1)
}

func (m *MockStore) LoadSeries(ctx context.Context, id string) (*model.Series, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	// Callers own what they load.
	return args.Get(0).(*model.Series).Clone(), args.Error(1)
}

func (m *MockStore) View(ctx context.Context, collectionID, resourceID string) (*model.ViewState, error) {
	args := m.Called(ctx, collectionID, resourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ViewState), args.Error(1)
}

func (m *MockStore) Views(ctx context.Context, collectionID string) ([]model.ViewState, error) {
	args := m.Called(ctx, collectionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ViewState), args.Error(1)
}

func (m *MockStore) Commit(ctx context.Context, b *Batch) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

func (m *MockStore) LedgerState(ctx context.Context, collectionID string) (ledger.State, error) {
	args := m.Called(ctx, collectionID)
	return args.Get(0).(ledger.State), args.Error(1)
}

func (m *MockStore) Entries(ctx context.Context, collectionID string, after int64) ([]ledger.Entry, error) {
	args := m.Called(ctx, collectionID, after)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ledger.Entry), args.Error(1)
}

func (m *MockStore) Append(ctx context.Context, collectionID string, changes []ledger.Change, at time.Time) (int64, error) {
	args := m.Called(ctx, collectionID, changes, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Prune(ctx context.Context, collectionID string, before time.Time) (int64, error) {
	args := m.Called(ctx, collectionID, before)
	return args.Get(0).(int64), args.Error(1)
}

// --- Helper methods for creating test data ---

// NewMockCollection creates a test collection owned by userID
func NewMockCollection(id, userID string, isDefault bool) *model.Collection {
	return &model.Collection{
		ID:          id,
		Owner:       userID,
		DisplayName: id,
		Epoch:       ledger.NewEpoch(),
		Default:     isDefault,
	}
}

// NewMockSeries creates a single, non-recurring event owned by userID
func NewMockSeries(uid, userID, collectionID, summary string, start, end time.Time) *model.Series {
	return &model.Series{
		ID:           uid,
		Owner:        userID,
		CollectionID: collectionID,
		Master:       model.Fields{Summary: summary, Start: start, End: end},
		Created:      start,
		Modified:     start,
	}
}

// --- Convenience methods for setting up common test scenarios ---

// SetupUserWithCollection populates the mock with a user who owns one default collection
func (m *MockStore) SetupUserWithCollection(userID string) *model.Collection {
	col := NewMockCollection(userID+"-default", userID, true)
	m.On("Collection", mock.Anything, col.ID).Return(col, nil)
	m.On("Collections", mock.Anything, userID).Return([]model.Collection{*col}, nil)
	m.On("DefaultCollection", mock.Anything, userID).Return(col, nil)
	m.On("LedgerState", mock.Anything, col.ID).Return(ledger.State{Epoch: col.Epoch}, nil)
	m.On("Views", mock.Anything, col.ID).Return([]model.ViewState{}, nil)
	return col
}

// AddSeries makes a series loadable and lists it in its owner's collection
func (m *MockStore) AddSeries(s *model.Series, views ...model.ViewState) {
	m.ExpectedCalls = removeMatchingCalls(m.ExpectedCalls, "Views", s.CollectionID)
	m.On("LoadSeries", mock.Anything, s.ID).Return(s, nil)
	m.On("Views", mock.Anything, s.CollectionID).Return(views, nil)
	for i := range views {
		v := views[i]
		m.On("View", mock.Anything, v.CollectionID, v.ResourceID).Return(&v, nil)
	}
}

// Helper to remove existing mock calls that match a method and the argument after the context
func removeMatchingCalls(calls []*mock.Call, method string, arg interface{}) []*mock.Call {
	result := make([]*mock.Call, 0, len(calls))
	for _, call := range calls {
		if call.Method == method && len(call.Arguments) > 1 && call.Arguments[1] == arg {
			continue
		}
		result = append(result, call)
	}
	return result
}
