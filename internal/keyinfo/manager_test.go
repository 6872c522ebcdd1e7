package keyinfo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableSerializesPerKey(t *testing.T) {
	t.Parallel()

	table := newLockTable()
	const workers = 32

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.lock("app1\x00key")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)

	// Locks are reclaimed once released.
	table.mu.Lock()
	defer table.mu.Unlock()
	assert.Empty(t, table.held)
}

func TestLockTableIndependentKeys(t *testing.T) {
	t.Parallel()

	table := newLockTable()
	unlockA := table.lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := table.lock("b")
		unlockB()
		close(done)
	}()

	// A held lock on one key must not block another key.
	<-done
	unlockA()
}

func TestEntryValidateForInsert(t *testing.T) {
	t.Parallel()

	valid := testEntry("app", "name", 1)
	require.NoError(t, valid.validateForInsert())

	noApp := valid
	noApp.App = ""
	assert.ErrorContains(t, noApp.validateForInsert(), "no application")

	noName := valid
	noName.Name = ""
	assert.ErrorContains(t, noName.validateForInsert(), "no key name")

	noCreation := valid
	noCreation.CreationID = ""
	assert.ErrorContains(t, noCreation.validateForInsert(), "no creation id")

	active := valid
	active.State = StateActive
	assert.ErrorContains(t, active.validateForInsert(), "state must be")
}

func TestEntryString(t *testing.T) {
	t.Parallel()

	e := testEntry("billing", "signer", 1)
	assert.Equal(t, "billing/signer@software", e.String())
}
