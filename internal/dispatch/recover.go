package dispatch

import (
	"context"
	"fmt"
)

// Recover reconciles intents a previous process left behind. It runs before
// the listener accepts anything: outstanding tombstones get their provider
// object destroyed and are compacted away, and orphaned create intents get
// their provider-side object (named by creation ID) destroyed and the
// intent dropped.
//
// A provider that is no longer configured, or that fails its destroy,
// leaves the intent in place for the next start. Recovery is idempotent,
// so partial progress is never lost and never repeated destructively.
func (d *Dispatcher) Recover(ctx context.Context) error {
	tombstones, err := d.store.Tombstones(ctx)
	if err != nil {
		return fmt.Errorf("scan tombstones: %w", err)
	}
	for _, ts := range tombstones {
		prov, err := d.registry.Resolve(ts.Entry.Provider)
		if err != nil {
			d.log.Warn("recovery: tombstone %s for %s kept, provider unavailable: %v", ts.ID, ts.Entry.String(), err)
			continue
		}
		if err := prov.DestroyKey(ctx, ts.Entry.Handle); err != nil {
			d.log.Warn("recovery: tombstone %s for %s kept, provider destroy failed: %v", ts.ID, ts.Entry.String(), err)
			continue
		}
		if err := d.store.CompleteDestroy(ctx, ts.ID); err != nil {
			d.log.Warn("recovery: tombstone %s for %s not compacted: %v", ts.ID, ts.Entry.String(), err)
			continue
		}
		d.log.Info("recovery: completed interrupted destroy of %s", ts.Entry.String())
	}

	intents, err := d.store.PendingIntents(ctx)
	if err != nil {
		return fmt.Errorf("scan pending intents: %w", err)
	}
	for _, e := range intents {
		prov, err := d.registry.Resolve(e.Provider)
		if err != nil {
			d.log.Warn("recovery: create intent for %s kept, provider unavailable: %v", e.String(), err)
			continue
		}
		if err := prov.DestroyKey(ctx, []byte(e.CreationID)); err != nil {
			d.log.Warn("recovery: create intent for %s kept, provider cleanup failed: %v", e.String(), err)
			continue
		}
		if err := d.store.AbortCreate(ctx, e.App, e.Name, e.Provider); err != nil {
			d.log.Warn("recovery: create intent for %s not dropped: %v", e.String(), err)
			continue
		}
		d.log.Info("recovery: dropped interrupted create of %s", e.String())
	}
	return nil
}
