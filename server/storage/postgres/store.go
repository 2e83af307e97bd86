// Package postgres is a storage.Store on PostgreSQL. Series are kept as
// JSONB documents; view states and the change ledger are plain tables.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cyp0633/caldora/internal/metrics"
	"github.com/cyp0633/caldora/server/ledger"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements storage.Store on a pgx pool.
type Store struct {
	pool PgxPool
}

var _ storage.Store = (*Store)(nil)

func New(pool PgxPool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn, applies pending migrations and returns the store
// together with the pool so the caller can close it.
func Open(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", errors.Join(storage.ErrStorageUnavailable, err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", errors.Join(storage.ErrStorageUnavailable, err))
	}
	if err := ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return New(pool), pool, nil
}

func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Collection operations

func (s *Store) CreateCollection(ctx context.Context, c *model.Collection) error {
	defer observeDB(ctx, "db.create_collection")()
	if c == nil || c.ID == "" || c.Owner == "" {
		return fmt.Errorf("collection needs an id and an owner: %w", storage.ErrInvalidInput)
	}
	if c.Epoch == "" {
		c.Epoch = ledger.NewEpoch()
	}
	const q = `INSERT INTO collections (id, owner, display_name, epoch, is_default) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q, c.ID, c.Owner, c.DisplayName, c.Epoch, c.Default); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("collection %s: %w", c.ID, storage.ErrConflict)
		}
		return fmt.Errorf("create collection %s: %w", c.ID, err)
	}
	return nil
}

const collectionColumns = `id, owner, display_name, epoch, is_default`

func scanCollection(row pgx.Row) (*model.Collection, error) {
	var c model.Collection
	if err := row.Scan(&c.ID, &c.Owner, &c.DisplayName, &c.Epoch, &c.Default); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) Collection(ctx context.Context, id string) (*model.Collection, error) {
	defer observeDB(ctx, "db.collection")()
	c, err := scanCollection(s.pool.QueryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load collection %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) Collections(ctx context.Context, owner string) ([]model.Collection, error) {
	defer observeDB(ctx, "db.collections")()
	rows, err := s.pool.Query(ctx, `SELECT `+collectionColumns+` FROM collections WHERE $1 = '' OR owner = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []model.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) DefaultCollection(ctx context.Context, owner string) (*model.Collection, error) {
	defer observeDB(ctx, "db.default_collection")()
	c, err := scanCollection(s.pool.QueryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE owner=$1 AND is_default`, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("default collection of %s: %w", owner, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load default collection of %s: %w", owner, err)
	}
	return c, nil
}

// Series operations

func (s *Store) LoadSeries(ctx context.Context, id string) (*model.Series, error) {
	defer observeDB(ctx, "db.load_series")()
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM series WHERE id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("series %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load series %s: %w", id, err)
	}
	var series model.Series
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, fmt.Errorf("decode series %s: %w", id, err)
	}
	if err := series.Localize(); err != nil {
		return nil, fmt.Errorf("series %s: %w", id, err)
	}
	return &series, nil
}

// View operations

const viewColumns = `collection_id, resource_id, calendar_user, etag, schedule_tag, revision, modified`

func scanView(row pgx.Row) (*model.ViewState, error) {
	var v model.ViewState
	if err := row.Scan(&v.CollectionID, &v.ResourceID, &v.CalendarUser, &v.ETag, &v.ScheduleTag, &v.Revision, &v.Modified); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) View(ctx context.Context, collectionID, resourceID string) (*model.ViewState, error) {
	defer observeDB(ctx, "db.view")()
	v, err := scanView(s.pool.QueryRow(ctx,
		`SELECT `+viewColumns+` FROM view_states WHERE collection_id=$1 AND resource_id=$2`, collectionID, resourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("view %s/%s: %w", collectionID, resourceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load view %s/%s: %w", collectionID, resourceID, err)
	}
	return v, nil
}

func (s *Store) Views(ctx context.Context, collectionID string) ([]model.ViewState, error) {
	defer observeDB(ctx, "db.views")()
	if _, err := s.Collection(ctx, collectionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+viewColumns+` FROM view_states WHERE collection_id=$1 ORDER BY resource_id`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list views of %s: %w", collectionID, err)
	}
	defer rows.Close()

	out := []model.ViewState{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan view: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Commit writes a batch in one transaction. Collections are bumped in id
// order so concurrent commits lock rows consistently.
func (s *Store) Commit(ctx context.Context, b *storage.Batch) (err error) {
	defer observeDB(ctx, "db.commit")()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit: %w", errors.Join(storage.ErrStorageUnavailable, err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ids := make([]string, 0, len(b.Changes))
	for id, changes := range b.Changes {
		if len(changes) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	revs := make(map[string]int64, len(ids))
	for _, id := range ids {
		rev, err := appendTx(ctx, tx, id, b.Changes[id], b.At)
		if err != nil {
			return err
		}
		revs[id] = rev
	}

	if b.Put != nil {
		data, err := json.Marshal(b.Put)
		if err != nil {
			return fmt.Errorf("encode series %s: %w", b.Put.ID, err)
		}
		const q = `INSERT INTO series (id, owner, collection_id, data, modified) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET owner=EXCLUDED.owner, collection_id=EXCLUDED.collection_id, data=EXCLUDED.data, modified=EXCLUDED.modified`
		if _, err := tx.Exec(ctx, q, b.Put.ID, b.Put.Owner, b.Put.CollectionID, data, b.Put.Modified); err != nil {
			return fmt.Errorf("store series %s: %w", b.Put.ID, err)
		}
	}
	if b.Delete != "" {
		tag, err := tx.Exec(ctx, `DELETE FROM series WHERE id=$1`, b.Delete)
		if err != nil {
			return fmt.Errorf("delete series %s: %w", b.Delete, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("series %s: %w", b.Delete, storage.ErrNotFound)
		}
	}

	for _, k := range b.DropViews {
		if _, err := tx.Exec(ctx, `DELETE FROM view_states WHERE collection_id=$1 AND resource_id=$2`, k.CollectionID, k.ResourceID); err != nil {
			return fmt.Errorf("drop view %s/%s: %w", k.CollectionID, k.ResourceID, err)
		}
	}
	for _, v := range b.Views {
		rev, ok := revs[v.CollectionID]
		if !ok {
			if err := tx.QueryRow(ctx, `SELECT rev FROM collections WHERE id=$1`, v.CollectionID).Scan(&rev); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("collection %s: %w", v.CollectionID, storage.ErrNotFound)
				}
				return fmt.Errorf("read revision of %s: %w", v.CollectionID, err)
			}
		}
		const q = `INSERT INTO view_states (` + viewColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (collection_id, resource_id) DO UPDATE SET calendar_user=EXCLUDED.calendar_user, etag=EXCLUDED.etag,
schedule_tag=EXCLUDED.schedule_tag, revision=EXCLUDED.revision, modified=EXCLUDED.modified`
		if _, err := tx.Exec(ctx, q, v.CollectionID, v.ResourceID, v.CalendarUser, v.ETag, v.ScheduleTag, rev, v.Modified); err != nil {
			return fmt.Errorf("store view %s/%s: %w", v.CollectionID, v.ResourceID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func appendTx(ctx context.Context, tx pgx.Tx, collectionID string, changes []ledger.Change, at time.Time) (int64, error) {
	var rev int64
	err := tx.QueryRow(ctx, `UPDATE collections SET rev = rev + 1 WHERE id=$1 RETURNING rev`, collectionID).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("ledger of %s: %w", collectionID, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("bump revision of %s: %w", collectionID, err)
	}
	const q = `INSERT INTO ledger_entries (collection_id, rev, resource_id, recurrence_id, kind, at) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, c := range changes {
		if _, err := tx.Exec(ctx, q, collectionID, rev, c.ResourceID, c.RecurrenceID, int16(c.Kind), at); err != nil {
			return 0, fmt.Errorf("append change to %s: %w", collectionID, err)
		}
	}
	return rev, nil
}

// Ledger operations

func (s *Store) LedgerState(ctx context.Context, collectionID string) (ledger.State, error) {
	defer observeDB(ctx, "db.ledger_state")()
	var st ledger.State
	err := s.pool.QueryRow(ctx, `SELECT epoch, rev, floor FROM collections WHERE id=$1`, collectionID).
		Scan(&st.Epoch, &st.Rev, &st.Floor)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.State{}, fmt.Errorf("collection %s: %w", collectionID, storage.ErrNotFound)
	}
	if err != nil {
		return ledger.State{}, fmt.Errorf("read ledger of %s: %w", collectionID, err)
	}
	return st, nil
}

func (s *Store) Entries(ctx context.Context, collectionID string, after int64) ([]ledger.Entry, error) {
	defer observeDB(ctx, "db.ledger_entries")()
	rows, err := s.pool.Query(ctx, `SELECT rev, resource_id, recurrence_id, kind, at FROM ledger_entries
WHERE collection_id=$1 AND rev > $2 ORDER BY rev`, collectionID, after)
	if err != nil {
		return nil, fmt.Errorf("read ledger of %s: %w", collectionID, err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var kind int16
		if err := rows.Scan(&e.Rev, &e.ResourceID, &e.RecurrenceID, &kind, &e.At); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = ledger.ChangeKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Append(ctx context.Context, collectionID string, changes []ledger.Change, at time.Time) (rev int64, err error) {
	defer observeDB(ctx, "db.ledger_append")()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", errors.Join(storage.ErrStorageUnavailable, err))
	}
	rev, err = appendTx(ctx, tx, collectionID, changes, at)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return rev, nil
}

func (s *Store) Prune(ctx context.Context, collectionID string, before time.Time) (int64, error) {
	defer observeDB(ctx, "db.ledger_prune")()
	const q = `WITH gone AS (
    DELETE FROM ledger_entries WHERE collection_id=$1 AND at < $2 RETURNING rev
)
UPDATE collections SET floor = GREATEST(floor, (SELECT COALESCE(MAX(rev), 0) FROM gone))
WHERE id=$1 RETURNING floor`
	var floor int64
	err := s.pool.QueryRow(ctx, q, collectionID, before).Scan(&floor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("collection %s: %w", collectionID, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("prune ledger of %s: %w", collectionID, err)
	}
	return floor, nil
}
