// Package keyinfo tracks the mapping between application-owned key names and
// the provider-native objects that back them. Every key known to the service
// has exactly one entry here; providers never see application names and the
// front end never sees provider handles.
//
// Mutations follow a durable-intent discipline. A create is recorded as a
// pending entry (with a fresh creation ID) before the provider is asked to
// make anything, and a destroy moves the entry into a tombstone before the
// provider is asked to delete anything. A crash between the two steps leaves
// an intent behind that the service reconciles on the next start.
//
// A store is owned by a single service process. Transitions for one
// (app, name) pair are serialized by an in-process lock table held only for
// the store operation itself, never across provider calls.
package keyinfo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// ErrStoreCorruption marks an entry that exists on the backing store but can
// no longer be decoded. It is surfaced for the damaged entry only; the rest
// of the store stays usable.
var ErrStoreCorruption = errors.New("key info store corruption")

// State of a mapping entry. Destroying entries live in tombstones, not in
// the mapping table.
type State string

const (
	// StatePending marks a create intent: the entry is durable but the
	// provider call has not finished. Pending entries block duplicate
	// creates and are invisible to lookups.
	StatePending State = "pending"

	// StateActive marks a usable key.
	StateActive State = "active"

	// StateDestroying is the state carried by a tombstoned entry.
	StateDestroying State = "destroying"
)

// Entry maps one application key name to one provider-native object.
type Entry struct {
	App        string              `json:"app"`
	Name       string              `json:"name"`
	Provider   requests.ProviderID `json:"provider"`
	Handle     []byte              `json:"handle,omitempty"`
	Attributes keys.Attributes     `json:"attributes"`
	State      State               `json:"state"`

	// CreationID names the provider-native object during creation so an
	// interrupted create can be reconciled. Assigned by the dispatcher,
	// never reused.
	CreationID string    `json:"creation_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// String identifies the entry in logs.
func (e Entry) String() string {
	return fmt.Sprintf("%s/%s@%s", e.App, e.Name, e.Provider)
}

func (e Entry) validateForInsert() error {
	switch {
	case e.App == "":
		return errors.New("entry has no application")
	case e.Name == "":
		return errors.New("entry has no key name")
	case e.CreationID == "":
		return errors.New("entry has no creation id")
	case e.State != StatePending:
		return fmt.Errorf("entry state must be %q, got %q", StatePending, e.State)
	}
	return nil
}

// Tombstone is a durable destroy intent. The entry it carries has been
// removed from the mapping table and its provider object may or may not
// still exist.
type Tombstone struct {
	ID        string    `json:"id"`
	Entry     Entry     `json:"entry"`
	StartedAt time.Time `json:"started_at"`
}

// Manager is the key info store contract. Implementations: OnDisk and SQL.
//
// Uniqueness on Insert depends on the aliasing policy the store was opened
// with. Exclusive (the default) admits at most one live entry per
// (app, name); aliasing admits one per (app, name, provider).
type Manager interface {
	// Insert records a create intent. The entry must be pending and carry
	// a creation ID. Returns requests.ErrAlreadyExists (wrapped) when a
	// live entry occupies the name under the store's policy.
	Insert(ctx context.Context, entry Entry) error

	// Activate flips a pending entry to active and attaches the provider
	// handle. Returns requests.ErrKeyDoesNotExist when no pending entry
	// matches.
	Activate(ctx context.Context, app, name string, provider requests.ProviderID, handle []byte) error

	// AbortCreate drops a pending entry after the provider side has been
	// cleaned up. Aborting an absent entry is not an error.
	AbortCreate(ctx context.Context, app, name string, provider requests.ProviderID) error

	// Lookup returns the active entry for (app, name) on the given
	// provider. Pending and tombstoned entries do not match.
	Lookup(ctx context.Context, app, name string, provider requests.ProviderID) (Entry, error)

	// Find resolves the entry a key-using request addresses. Under the
	// exclusive policy the name alone identifies the key and the hint is
	// ignored; under aliasing the hint selects among same-named keys and
	// must match exactly. The hint is a concrete provider ID, already
	// resolved from the request header.
	Find(ctx context.Context, app, name string, hint requests.ProviderID) (Entry, error)

	// BeginDestroy atomically moves the active entry into a tombstone and
	// returns it. The caller drives the provider-side destroy and then
	// calls CompleteDestroy.
	BeginDestroy(ctx context.Context, app, name string, provider requests.ProviderID) (Tombstone, error)

	// CompleteDestroy removes a tombstone once the provider object is
	// gone. Completing an absent tombstone is not an error.
	CompleteDestroy(ctx context.Context, tombstoneID string) error

	// Tombstones returns all outstanding destroy intents.
	Tombstones(ctx context.Context) ([]Tombstone, error)

	// PendingIntents returns all create intents, for crash reconciliation.
	PendingIntents(ctx context.Context) ([]Entry, error)

	// List returns a point-in-time snapshot of the application's active
	// entries, sorted by name then provider.
	List(ctx context.Context, app string) ([]Entry, error)

	Close() error
}

// lockTable hands out per-key mutexes. Locks are created on demand and
// reclaimed when the last holder releases, so the table stays proportional
// to in-flight transitions rather than to the number of keys.
type lockTable struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]*keyLock)}
}

// lock acquires the mutex for key and returns its release func.
func (t *lockTable) lock(key string) func() {
	t.mu.Lock()
	l, ok := t.held[key]
	if !ok {
		l = &keyLock{}
		t.held[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.held, key)
		}
		t.mu.Unlock()
	}
}

func lockKey(app, name string) string {
	return app + "\x00" + name
}
