package keyinfo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Drivers selected by the store configuration.
	_ "github.com/go-sql-driver/mysql" // MySQL / MariaDB
	_ "github.com/lib/pq"              // PostgreSQL

	"github.com/google/uuid"

	"github.com/Superhepper/parsec/internal/logging"
	"github.com/Superhepper/parsec/pkg/requests"
)

// sqlDrivers maps configured store types to registered driver names.
var sqlDrivers = map[string]string{
	"postgres":   "postgres",
	"postgresql": "postgres",
	"mysql":      "mysql",
	"mariadb":    "mysql",
}

var sqlSchemas = map[string][]string{
	"postgres": {
		`CREATE TABLE IF NOT EXISTS key_mappings (
			app         TEXT NOT NULL,
			name        TEXT NOT NULL,
			provider    SMALLINT NOT NULL,
			handle      BYTEA,
			attributes  TEXT NOT NULL,
			state       TEXT NOT NULL,
			creation_id TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (app, name, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS key_tombstones (
			id          TEXT PRIMARY KEY,
			app         TEXT NOT NULL,
			name        TEXT NOT NULL,
			provider    SMALLINT NOT NULL,
			handle      BYTEA,
			attributes  TEXT NOT NULL,
			creation_id TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL
		)`,
	},
	"mysql": {
		`CREATE TABLE IF NOT EXISTS key_mappings (
			app         VARCHAR(255) NOT NULL,
			name        VARCHAR(255) NOT NULL,
			provider    SMALLINT NOT NULL,
			handle      BLOB,
			attributes  TEXT NOT NULL,
			state       VARCHAR(16) NOT NULL,
			creation_id VARCHAR(64) NOT NULL,
			created_at  DATETIME(6) NOT NULL,
			PRIMARY KEY (app, name, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS key_tombstones (
			id          VARCHAR(64) NOT NULL,
			app         VARCHAR(255) NOT NULL,
			name        VARCHAR(255) NOT NULL,
			provider    SMALLINT NOT NULL,
			handle      BLOB,
			attributes  TEXT NOT NULL,
			creation_id VARCHAR(64) NOT NULL,
			started_at  DATETIME(6) NOT NULL,
			PRIMARY KEY (id)
		)`,
	},
}

// SQL stores entries in a key_mappings table and destroy intents in
// key_tombstones, using lib/pq or go-sql-driver/mysql. MySQL DSNs must set
// parseTime=true so created_at scans into time.Time.
type SQL struct {
	db       *sql.DB
	flavor   string
	aliasing bool
	log      *logging.Logger
	locks    *lockTable
}

var _ Manager = (*SQL)(nil)

// NewSQL opens the database, verifies connectivity and bootstraps the
// schema. driver accepts postgres, postgresql, mysql or mariadb.
func NewSQL(driver, dsn string, aliasing bool, log *logging.Logger) (*SQL, error) {
	flavor, ok := sqlDrivers[strings.ToLower(driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported key info store driver %q", driver)
	}
	db, err := sql.Open(flavor, dsn)
	if err != nil {
		return nil, fmt.Errorf("open key info database: %w", err)
	}
	s := newSQLWithDB(db, flavor, aliasing, log)
	if err := s.bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLWithDB(db *sql.DB, flavor string, aliasing bool, log *logging.Logger) *SQL {
	return &SQL{
		db:       db,
		flavor:   flavor,
		aliasing: aliasing,
		log:      log,
		locks:    newLockTable(),
	}
}

func (s *SQL) bootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to key info database: %w", err)
	}
	for _, stmt := range sqlSchemas[s.flavor] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap key info schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $1..$n for postgres.
func (s *SQL) rebind(query string) string {
	if s.flavor != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Insert records a create intent.
func (s *SQL) Insert(ctx context.Context, entry Entry) error {
	if err := entry.validateForInsert(); err != nil {
		return err
	}
	attrs, err := json.Marshal(entry.Attributes)
	if err != nil {
		return fmt.Errorf("marshal key attributes: %w", err)
	}

	unlock := s.locks.lock(lockKey(entry.App, entry.Name))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.rebind(
		`SELECT provider FROM key_mappings WHERE app = ? AND name = ?`),
		entry.App, entry.Name)
	if err != nil {
		return fmt.Errorf("query live entries: %w", err)
	}
	taken := false
	for rows.Next() {
		var provider int
		if err := rows.Scan(&provider); err != nil {
			rows.Close()
			return fmt.Errorf("scan live entry: %w", err)
		}
		if !s.aliasing || requests.ProviderID(provider) == entry.Provider {
			taken = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("query live entries: %w", err)
	}
	rows.Close()
	if taken {
		return fmt.Errorf("key %s/%s: %w", entry.App, entry.Name, requests.ErrAlreadyExists)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO key_mappings (app, name, provider, handle, attributes, state, creation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.App, entry.Name, int(entry.Provider), entry.Handle, string(attrs),
		string(entry.State), entry.CreationID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entry: %w", err)
	}
	return nil
}

// Activate flips a pending entry to active.
func (s *SQL) Activate(ctx context.Context, app, name string, provider requests.ProviderID, handle []byte) error {
	unlock := s.locks.lock(lockKey(app, name))
	defer unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE key_mappings SET state = ?, handle = ?
		 WHERE app = ? AND name = ? AND provider = ? AND state = ?`),
		string(StateActive), handle, app, name, int(provider), string(StatePending))
	if err != nil {
		return fmt.Errorf("activate entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no pending entry for %s/%s on %s: %w", app, name, provider, requests.ErrKeyDoesNotExist)
	}
	return nil
}

// AbortCreate drops a pending entry.
func (s *SQL) AbortCreate(ctx context.Context, app, name string, provider requests.ProviderID) error {
	unlock := s.locks.lock(lockKey(app, name))
	defer unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM key_mappings WHERE app = ? AND name = ? AND provider = ? AND state = ?`),
		app, name, int(provider), string(StatePending))
	if err != nil {
		return fmt.Errorf("abort create: %w", err)
	}
	return nil
}

// Lookup returns the active entry for (app, name) on provider.
func (s *SQL) Lookup(ctx context.Context, app, name string, provider requests.ProviderID) (Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT handle, attributes, state, creation_id, created_at
		 FROM key_mappings WHERE app = ? AND name = ? AND provider = ?`),
		app, name, int(provider))

	e := Entry{App: app, Name: name, Provider: provider}
	var attrs, state string
	err := row.Scan(&e.Handle, &attrs, &state, &e.CreationID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("key %s/%s on %s: %w", app, name, provider, requests.ErrKeyDoesNotExist)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup entry: %w", err)
	}
	e.State = State(state)
	if e.State != StateActive {
		return Entry{}, fmt.Errorf("key %s/%s on %s: %w", app, name, provider, requests.ErrKeyDoesNotExist)
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return Entry{}, fmt.Errorf("%w: entry %s/%s: %v", ErrStoreCorruption, app, name, err)
	}
	return e, nil
}

// Find resolves a key-using request. Exclusive stores hold at most one live
// entry per (app, name), so the hint is ignored; aliasing stores defer to
// Lookup with it.
func (s *SQL) Find(ctx context.Context, app, name string, hint requests.ProviderID) (Entry, error) {
	if s.aliasing {
		return s.Lookup(ctx, app, name, hint)
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT provider, handle, attributes, creation_id, created_at
		 FROM key_mappings WHERE app = ? AND name = ? AND state = ?`),
		app, name, string(StateActive))

	e := Entry{App: app, Name: name, State: StateActive}
	var attrs string
	var provider int
	err := row.Scan(&provider, &e.Handle, &attrs, &e.CreationID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("key %s/%s: %w", app, name, requests.ErrKeyDoesNotExist)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("find entry: %w", err)
	}
	e.Provider = requests.ProviderID(provider)
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return Entry{}, fmt.Errorf("%w: entry %s/%s: %v", ErrStoreCorruption, app, name, err)
	}
	return e, nil
}

// BeginDestroy moves the active entry into a tombstone, transactionally.
func (s *SQL) BeginDestroy(ctx context.Context, app, name string, provider requests.ProviderID) (Tombstone, error) {
	unlock := s.locks.lock(lockKey(app, name))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Tombstone{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT handle, attributes, creation_id, created_at
		 FROM key_mappings WHERE app = ? AND name = ? AND provider = ? AND state = ?`),
		app, name, int(provider), string(StateActive))

	e := Entry{App: app, Name: name, Provider: provider, State: StateDestroying}
	var attrs string
	err = row.Scan(&e.Handle, &attrs, &e.CreationID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tombstone{}, fmt.Errorf("key %s/%s on %s: %w", app, name, provider, requests.ErrKeyDoesNotExist)
	}
	if err != nil {
		return Tombstone{}, fmt.Errorf("read entry: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return Tombstone{}, fmt.Errorf("%w: entry %s/%s: %v", ErrStoreCorruption, app, name, err)
	}

	ts := Tombstone{ID: uuid.NewString(), Entry: e, StartedAt: time.Now().UTC()}
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO key_tombstones (id, app, name, provider, handle, attributes, creation_id, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ts.ID, app, name, int(provider), e.Handle, attrs, e.CreationID, ts.StartedAt)
	if err != nil {
		return Tombstone{}, fmt.Errorf("write tombstone: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`DELETE FROM key_mappings WHERE app = ? AND name = ? AND provider = ?`),
		app, name, int(provider))
	if err != nil {
		return Tombstone{}, fmt.Errorf("remove entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Tombstone{}, fmt.Errorf("commit destroy intent: %w", err)
	}
	return ts, nil
}

// CompleteDestroy removes a tombstone.
func (s *SQL) CompleteDestroy(ctx context.Context, tombstoneID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM key_tombstones WHERE id = ?`), tombstoneID)
	if err != nil {
		return fmt.Errorf("remove tombstone: %w", err)
	}
	return nil
}

// Tombstones returns all outstanding destroy intents.
func (s *SQL) Tombstones(ctx context.Context) ([]Tombstone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app, name, provider, handle, attributes, creation_id, started_at
		 FROM key_tombstones ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var (
			ts       Tombstone
			provider int
			attrs    string
		)
		ts.Entry.State = StateDestroying
		err := rows.Scan(&ts.ID, &ts.Entry.App, &ts.Entry.Name, &provider,
			&ts.Entry.Handle, &attrs, &ts.Entry.CreationID, &ts.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		ts.Entry.Provider = requests.ProviderID(provider)
		if err := json.Unmarshal([]byte(attrs), &ts.Entry.Attributes); err != nil {
			s.log.Warn("key info store corruption: tombstone %s: %v", ts.ID, err)
			continue
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	return out, nil
}

// PendingIntents returns all create intents.
func (s *SQL) PendingIntents(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT app, name, provider, handle, attributes, creation_id, created_at
		 FROM key_mappings WHERE state = ? ORDER BY created_at`),
		string(StatePending))
	if err != nil {
		return nil, fmt.Errorf("query pending intents: %w", err)
	}
	defer rows.Close()

	out, err := s.scanEntries(rows, StatePending)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns the application's active entries sorted by name then provider.
func (s *SQL) List(ctx context.Context, app string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT app, name, provider, handle, attributes, creation_id, created_at
		 FROM key_mappings WHERE app = ? AND state = ? ORDER BY name, provider`),
		app, string(StateActive))
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	out, err := s.scanEntries(rows, StateActive)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQL) scanEntries(rows *sql.Rows, state State) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			provider int
			attrs    string
		)
		e.State = state
		err := rows.Scan(&e.App, &e.Name, &provider, &e.Handle, &attrs, &e.CreationID, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Provider = requests.ProviderID(provider)
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			s.log.Warn("key info store corruption: entry %s/%s: %v", e.App, e.Name, err)
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *SQL) Close() error {
	return s.db.Close()
}
