package lock

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestOrder(t *testing.T) {
	t.Parallel()

	got := Request{Ledger: true, Logins: []string{"wells", "chase", "wells", "amex"}}.Resources()
	require.Equal(t, []Resource{Ledger, Login("amex"), Login("chase"), Login("wells")}, got)
	require.Equal(t, []Resource{Login("chase")}, Request{Logins: []string{"chase"}}.Resources())
}

func TestBusyFailsFastAndNamesHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	alice := NewManager(dir, "alice")
	bob := NewManager(dir, "bob")

	g, err := alice.Acquire(ctx, "scrape", Request{Logins: []string{"chase"}})
	require.NoError(t, err)

	start := time.Now()
	_, err = bob.Acquire(ctx, "reconcile", Request{Ledger: true, Logins: []string{"chase"}})
	require.Less(t, time.Since(start), time.Second)
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	require.Equal(t, Login("chase"), busy.Resource)
	require.NotNil(t, busy.Holder)
	require.Equal(t, "alice", busy.Holder.Owner)
	require.Contains(t, err.Error(), "scrape")

	// bob's ledger lock was rolled back.
	g2, err := alice.Acquire(ctx, "post", Request{Ledger: true})
	require.NoError(t, err)
	require.NoError(t, g2.Release())

	require.NoError(t, g.Release())
	_, err = os.Stat(filepath.Join(dir, "login-chase.lock.json"))
	require.True(t, errors.Is(err, os.ErrNotExist), "metadata removed on release")

	g3, err := bob.Acquire(ctx, "reconcile", Request{Ledger: true, Logins: []string{"chase"}})
	require.NoError(t, err)
	require.NoError(t, g3.Release())
	require.NoError(t, g3.Release(), "release is idempotent")
}

func TestStaleMetadataIsReplaced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ghost := Metadata{Owner: "ghost", Purpose: "crashed", PID: 999999, Resource: Ledger}
	data, err := json.Marshal(ghost)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger.lock.json"), data, 0o644))

	m := NewManager(dir, "carol")
	g, err := m.Acquire(context.Background(), "reconcile", Request{Ledger: true})
	require.NoError(t, err, "a leftover sidecar does not mean the lock is held")

	metas, err := m.Inspect()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, "carol", metas[0].Owner)
	require.Equal(t, os.Getpid(), metas[0].PID)
	require.NoError(t, g.Release())
}

func TestLockOrderingUnderContention(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const workers = 8
	const trials = 10
	want := []Resource{Ledger, Login("alpha"), Login("beta")}

	var wg sync.WaitGroup
	errs := make(chan error, workers*trials)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			m := NewManager(dir, "worker", WithWait(5*time.Second))
			for i := 0; i < trials; i++ {
				logins := []string{"alpha", "beta"}
				rng.Shuffle(len(logins), func(a, b int) { logins[a], logins[b] = logins[b], logins[a] })
				g, err := m.Acquire(ctx, "trial", Request{Ledger: true, Logins: logins})
				if err != nil {
					errs <- err
					return
				}
				got := g.Resources()
				if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
					errs <- errors.New("unexpected acquisition order")
				}
				time.Sleep(time.Millisecond)
				if err := g.Release(); err != nil {
					errs <- err
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewManager(t.TempDir(), "dave").Acquire(ctx, "x", Request{Ledger: true})
	require.ErrorIs(t, err, context.Canceled)
}
