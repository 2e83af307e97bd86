package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cyp0633/caldora/server/ledger"
	"github.com/cyp0633/caldora/server/model"
)

// Store persists series, collections, per-user sync state and the change
// ledger. Please use the error values provided.
type Store interface {
	ledger.Store

	// CreateCollection adds a collection. The store assigns the epoch when empty.
	CreateCollection(ctx context.Context, c *model.Collection) error
	// Collection finds a collection by id.
	Collection(ctx context.Context, id string) (*model.Collection, error)
	// Collections lists a user's collections. An empty owner lists all of them.
	Collections(ctx context.Context, owner string) ([]model.Collection, error)
	// DefaultCollection returns the collection invitations to owner land in.
	DefaultCollection(ctx context.Context, owner string) (*model.Collection, error)

	// LoadSeries returns a private copy of a series. Every timed value is
	// in the series' reference zone.
	LoadSeries(ctx context.Context, id string) (*model.Series, error)

	// View returns the sync state of one resource in one collection.
	View(ctx context.Context, collectionID, resourceID string) (*model.ViewState, error)
	// Views lists the resources currently present in a collection.
	Views(ctx context.Context, collectionID string) ([]model.ViewState, error)

	// Commit applies a batch atomically.
	Commit(ctx context.Context, b *Batch) error
}

// ViewKey names one resource in one collection.
type ViewKey struct {
	CollectionID string
	ResourceID   string
}

// Batch is everything one mutation writes.
type Batch struct {
	// Put stores the series, replacing any previous version.
	Put *model.Series
	// Delete removes the series with this id.
	Delete string
	// Views are upserted. Their Revision is set to the revision the batch
	// is assigned in their collection.
	Views     []model.ViewState
	DropViews []ViewKey
	// Changes go to each collection's ledger, one revision per collection.
	Changes map[string][]ledger.Change
	At      time.Time
}

// Empty reports whether committing b would change nothing.
func (b *Batch) Empty() bool {
	if b.Put != nil || b.Delete != "" || len(b.Views) > 0 || len(b.DropViews) > 0 {
		return false
	}
	for _, changes := range b.Changes {
		if len(changes) > 0 {
			return false
		}
	}
	return true
}

var (
	// ErrNotFound is returned when a requested resource doesn't exist
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidInput is returned when the input parameters are invalid
	ErrInvalidInput = errors.New("invalid input parameters")
	// ErrPermissionDenied is returned when the operation is not allowed
	ErrPermissionDenied = errors.New("permission denied")
	// ErrConflict is returned when there's a conflict with an existing resource
	ErrConflict = errors.New("resource conflict")
	// ErrStorageUnavailable is returned when the storage backend is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
