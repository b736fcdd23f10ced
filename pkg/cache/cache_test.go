package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s)
}

func TestAcquireGrantsOnce(t *testing.T) {
	m := newTestManager(t)

	out, err := m.Acquire("fp1", "owner-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, AcquireGranted, out.Status)

	out, err = m.Acquire("fp1", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, AcquireHeldBy, out.Status)
	require.Equal(t, "owner-a", out.Owner)
}

func TestPublishIsVisibleToLookup(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Acquire("fp1", "owner-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Publish("fp1", map[string]any{"energy": -1.0}, "owner-a", "worker-1", "method-x"))

	entry, hit, err := m.Lookup("fp1")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, -1.0, entry.Value["energy"])

	out, err := m.Acquire("fp1", "owner-c", time.Minute)
	require.NoError(t, err)
	require.Equal(t, AcquireHit, out.Status)
}

func TestStalePublishRejected(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Acquire("fp1", "owner-a", time.Minute)
	require.NoError(t, err)
	m.Release("fp1", "owner-a")

	// owner-a no longer holds the lease; its publish must be discarded.
	require.NoError(t, m.Publish("fp1", map[string]any{"energy": -9.0}, "owner-a", "worker-1", "method-x"))

	_, hit, err := m.Lookup("fp1")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestWaiterPromotedAfterRelease(t *testing.T) {
	m := newTestManager(t)

	out, err := m.Acquire("fp1", "owner-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, AcquireGranted, out.Status)

	var wg sync.WaitGroup
	wg.Add(1)
	var waiterSawRelease bool
	go func() {
		defer wg.Done()
		cached, _ := m.Wait("fp1")
		waiterSawRelease = !cached
	}()

	time.Sleep(20 * time.Millisecond)
	m.Release("fp1", "owner-a")
	wg.Wait()

	require.True(t, waiterSawRelease)

	out, err = m.Acquire("fp1", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, AcquireGranted, out.Status, "fingerprint must be re-acquirable after a release")
}

func TestWaiterSeesCachedAfterPublish(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Acquire("fp1", "owner-a", time.Minute)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var sawCached bool
	go func() {
		defer wg.Done()
		cached, _ := m.Wait("fp1")
		sawCached = cached
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Publish("fp1", map[string]any{"ok": true}, "owner-a", "worker-1", "m"))
	wg.Wait()

	require.True(t, sawCached)
}

func TestCleanupExpiredReleasesStaleLease(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Acquire("fp1", "owner-a", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	expired := m.CleanupExpired()
	require.Contains(t, expired, "fp1")

	out, err := m.Acquire("fp1", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, AcquireGranted, out.Status)
}

func TestHeartbeatExtendsDeadline(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Acquire("fp1", "owner-a", 10*time.Millisecond)
	require.NoError(t, err)

	require.True(t, m.Heartbeat("fp1", "owner-a", time.Minute))
	time.Sleep(20 * time.Millisecond)

	expired := m.CleanupExpired()
	require.NotContains(t, expired, "fp1", "a heartbeated lease must not expire")
}

func TestConcurrentAcquireOnlyOneWinner(t *testing.T) {
	m := newTestManager(t)

	const n = 50
	var wg sync.WaitGroup
	granted := make(chan string, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			out, err := m.Acquire("fp-shared", "owner", time.Minute)
			require.NoError(t, err)
			if out.Status == AcquireGranted {
				granted <- "won"
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	require.Equal(t, 1, count, "exactly one concurrent acquirer may be granted the lease")
}
