package keyinfo

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Superhepper/parsec/internal/logging"
	"github.com/Superhepper/parsec/pkg/requests"
)

// OnDisk stores one JSON document per (app, name) pair under
// <root>/mappings/<app dir>/<name file>.json and tombstones under
// <root>/tombstones/<id>.json. Documents are replaced with a temp-file
// write, fsync and rename, so a reader sees either the old or the new
// version and an interrupted write never parses as a valid document.
//
// The filesystem is the source of truth; nothing is cached in memory.
type OnDisk struct {
	root     string
	aliasing bool
	log      *logging.Logger
	locks    *lockTable
}

var _ Manager = (*OnDisk)(nil)

// document is the on-disk form of all live entries for one (app, name).
// Exclusive policy keeps at most one entry; aliasing keeps one per provider.
type document struct {
	App     string  `json:"app"`
	Name    string  `json:"name"`
	Entries []Entry `json:"entries"`
}

// NewOnDisk opens (creating if needed) an on-disk store rooted at root.
func NewOnDisk(root string, aliasing bool, log *logging.Logger) (*OnDisk, error) {
	for _, dir := range []string{filepath.Join(root, "mappings"), filepath.Join(root, "tombstones")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key info directory: %w", err)
		}
	}
	return &OnDisk{
		root:     root,
		aliasing: aliasing,
		log:      log,
		locks:    newLockTable(),
	}, nil
}

// Insert records a create intent.
func (o *OnDisk) Insert(ctx context.Context, entry Entry) error {
	if err := entry.validateForInsert(); err != nil {
		return err
	}
	unlock := o.locks.lock(lockKey(entry.App, entry.Name))
	defer unlock()

	path := o.mappingPath(entry.App, entry.Name)
	doc, err := o.readDocument(path)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = &document{App: entry.App, Name: entry.Name}
	}

	for _, existing := range doc.Entries {
		if o.aliasing && existing.Provider != entry.Provider {
			continue
		}
		return fmt.Errorf("key %s/%s: %w", entry.App, entry.Name, requests.ErrAlreadyExists)
	}

	doc.Entries = append(doc.Entries, entry)
	return o.writeDocument(path, doc)
}

// Activate flips a pending entry to active.
func (o *OnDisk) Activate(ctx context.Context, app, name string, provider requests.ProviderID, handle []byte) error {
	unlock := o.locks.lock(lockKey(app, name))
	defer unlock()

	path := o.mappingPath(app, name)
	doc, err := o.readDocument(path)
	if err != nil {
		return err
	}
	if doc != nil {
		for i, e := range doc.Entries {
			if e.Provider == provider && e.State == StatePending {
				doc.Entries[i].State = StateActive
				doc.Entries[i].Handle = handle
				return o.writeDocument(path, doc)
			}
		}
	}
	return fmt.Errorf("no pending entry for %s/%s on %s: %w", app, name, provider, requests.ErrKeyDoesNotExist)
}

// AbortCreate drops a pending entry.
func (o *OnDisk) AbortCreate(ctx context.Context, app, name string, provider requests.ProviderID) error {
	unlock := o.locks.lock(lockKey(app, name))
	defer unlock()

	path := o.mappingPath(app, name)
	doc, err := o.readDocument(path)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	for i, e := range doc.Entries {
		if e.Provider == provider && e.State == StatePending {
			doc.Entries = append(doc.Entries[:i], doc.Entries[i+1:]...)
			return o.writeDocument(path, doc)
		}
	}
	return nil
}

// Lookup returns the active entry for (app, name) on provider.
func (o *OnDisk) Lookup(ctx context.Context, app, name string, provider requests.ProviderID) (Entry, error) {
	doc, err := o.readDocument(o.mappingPath(app, name))
	if err != nil {
		return Entry{}, err
	}
	if doc != nil {
		for _, e := range doc.Entries {
			if e.Provider == provider && e.State == StateActive {
				return e, nil
			}
		}
	}
	return Entry{}, fmt.Errorf("key %s/%s on %s: %w", app, name, provider, requests.ErrKeyDoesNotExist)
}

// Find resolves a key-using request. Exclusive stores hold at most one live
// entry per (app, name), so the hint is ignored; aliasing stores defer to
// Lookup with it.
func (o *OnDisk) Find(ctx context.Context, app, name string, hint requests.ProviderID) (Entry, error) {
	if o.aliasing {
		return o.Lookup(ctx, app, name, hint)
	}
	doc, err := o.readDocument(o.mappingPath(app, name))
	if err != nil {
		return Entry{}, err
	}
	if doc != nil {
		for _, e := range doc.Entries {
			if e.State == StateActive {
				return e, nil
			}
		}
	}
	return Entry{}, fmt.Errorf("key %s/%s: %w", app, name, requests.ErrKeyDoesNotExist)
}

// BeginDestroy moves the active entry into a tombstone.
func (o *OnDisk) BeginDestroy(ctx context.Context, app, name string, provider requests.ProviderID) (Tombstone, error) {
	unlock := o.locks.lock(lockKey(app, name))
	defer unlock()

	path := o.mappingPath(app, name)
	doc, err := o.readDocument(path)
	if err != nil {
		return Tombstone{}, err
	}
	if doc == nil {
		return Tombstone{}, fmt.Errorf("key %s/%s on %s: %w", app, name, provider, requests.ErrKeyDoesNotExist)
	}

	for i, e := range doc.Entries {
		if e.Provider != provider || e.State != StateActive {
			continue
		}
		e.State = StateDestroying
		ts := Tombstone{
			ID:        uuid.NewString(),
			Entry:     e,
			StartedAt: time.Now().UTC(),
		}
		// The tombstone is durable before the entry disappears. A crash
		// between the two writes is healed by CompleteDestroy.
		if err := o.writeTombstone(ts); err != nil {
			return Tombstone{}, err
		}
		doc.Entries = append(doc.Entries[:i], doc.Entries[i+1:]...)
		if err := o.writeDocument(path, doc); err != nil {
			return Tombstone{}, err
		}
		return ts, nil
	}
	return Tombstone{}, fmt.Errorf("key %s/%s on %s: %w", app, name, provider, requests.ErrKeyDoesNotExist)
}

// CompleteDestroy removes a tombstone and any mapping entry an interrupted
// BeginDestroy left behind.
func (o *OnDisk) CompleteDestroy(ctx context.Context, tombstoneID string) error {
	path := o.tombstonePath(tombstoneID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tombstone: %w", err)
	}
	var ts Tombstone
	if err := json.Unmarshal(data, &ts); err != nil {
		return fmt.Errorf("%w: tombstone %s: %v", ErrStoreCorruption, tombstoneID, err)
	}

	unlock := o.locks.lock(lockKey(ts.Entry.App, ts.Entry.Name))
	defer unlock()

	docPath := o.mappingPath(ts.Entry.App, ts.Entry.Name)
	doc, err := o.readDocument(docPath)
	if err != nil {
		return err
	}
	if doc != nil {
		for i, e := range doc.Entries {
			if e.Provider == ts.Entry.Provider && e.CreationID == ts.Entry.CreationID {
				doc.Entries = append(doc.Entries[:i], doc.Entries[i+1:]...)
				if err := o.writeDocument(docPath, doc); err != nil {
					return err
				}
				break
			}
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove tombstone: %w", err)
	}
	return nil
}

// Tombstones returns all outstanding destroy intents. Unreadable tombstones
// are logged and skipped so one damaged file cannot stall recovery.
func (o *OnDisk) Tombstones(ctx context.Context) ([]Tombstone, error) {
	dir := filepath.Join(o.root, "tombstones")
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tombstone directory: %w", err)
	}

	var out []Tombstone
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			o.log.Warn("key info store corruption: tombstone %s: %v", f.Name(), err)
			continue
		}
		var ts Tombstone
		if err := json.Unmarshal(data, &ts); err != nil {
			o.log.Warn("key info store corruption: tombstone %s: %v", f.Name(), err)
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// PendingIntents returns all create intents across applications.
func (o *OnDisk) PendingIntents(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := o.walkDocuments(func(doc *document) {
		for _, e := range doc.Entries {
			if e.State == StatePending {
				out = append(out, e)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// List returns the application's active entries sorted by name then provider.
func (o *OnDisk) List(ctx context.Context, app string) ([]Entry, error) {
	dir := filepath.Join(o.root, "mappings", safeComponent(app))
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mapping directory: %w", err)
	}

	var out []Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		doc, err := o.readDocument(filepath.Join(dir, f.Name()))
		if err != nil {
			o.log.Warn("%v", err)
			continue
		}
		if doc == nil || doc.App != app {
			continue
		}
		for _, e := range doc.Entries {
			if e.State == StateActive {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

// Close is a no-op; every operation leaves the filesystem consistent.
func (o *OnDisk) Close() error { return nil }

func (o *OnDisk) walkDocuments(fn func(*document)) error {
	mappings := filepath.Join(o.root, "mappings")
	appDirs, err := os.ReadDir(mappings)
	if err != nil {
		return fmt.Errorf("read mapping directory: %w", err)
	}
	for _, appDir := range appDirs {
		if !appDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(mappings, appDir.Name()))
		if err != nil {
			return fmt.Errorf("read mapping directory: %w", err)
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			doc, err := o.readDocument(filepath.Join(mappings, appDir.Name(), f.Name()))
			if err != nil {
				o.log.Warn("%v", err)
				continue
			}
			if doc != nil {
				fn(doc)
			}
		}
	}
	return nil
}

// readDocument returns nil for a missing file and a wrapped
// ErrStoreCorruption for one that cannot be decoded.
func (o *OnDisk) readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: mapping %s: %v", ErrStoreCorruption, filepath.Base(path), err)
	}
	return &doc, nil
}

func (o *OnDisk) writeDocument(path string, doc *document) error {
	if len(doc.Entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove mapping: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create mapping directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	return writeFileAtomic(path, data)
}

func (o *OnDisk) writeTombstone(ts Tombstone) error {
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tombstone: %w", err)
	}
	return writeFileAtomic(o.tombstonePath(ts.ID), data)
}

func (o *OnDisk) mappingPath(app, name string) string {
	return filepath.Join(o.root, "mappings", safeComponent(app), safeComponent(name)+".json")
}

func (o *OnDisk) tombstonePath(id string) string {
	return filepath.Join(o.root, "tombstones", safeComponent(id)+".json")
}

// writeFileAtomic writes data next to path and renames it into place. The
// fsync makes the content durable before it becomes visible.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// safeComponent turns an arbitrary application or key name into a filesystem
// component. The readable prefix keeps the tree inspectable; the hash suffix
// keeps distinct names distinct after sanitizing.
func safeComponent(name string) string {
	sum := sha256.Sum256([]byte(name))
	s := sanitizeComponent(name)
	if len(s) > 100 {
		s = s[:100]
	}
	return fmt.Sprintf("%s-%x", s, sum[:4])
}

func sanitizeComponent(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
		".", "_",
	)
	return replacer.Replace(name)
}
