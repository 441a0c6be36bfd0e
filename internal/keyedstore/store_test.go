package keyedstore_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/serroba/edge-guard/internal/clock"
	"github.com/serroba/edge-guard/internal/keyedstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T, opts keyedstore.Options) (*keyedstore.Store[int], *clock.Manual) {
	t.Helper()

	clk := clock.NewManual(epoch)
	s, err := keyedstore.New[int](clk, opts)
	require.NoError(t, err)

	return s, clk
}

func increment(ttl time.Duration) keyedstore.MutateFunc[int] {
	return func(cur int, _ bool, now time.Time) (int, time.Time, error) {
		return cur + 1, now.Add(ttl), nil
	}
}

func TestNew(t *testing.T) {
	t.Run("rejects negative options", func(t *testing.T) {
		_, err := keyedstore.New[int](clock.New(), keyedstore.Options{Shards: -1})

		assert.ErrorIs(t, err, keyedstore.ErrInvalidOptions)
	})

	t.Run("rejects an unknown overflow policy", func(t *testing.T) {
		_, err := keyedstore.New[int](clock.New(), keyedstore.Options{Overflow: keyedstore.OverflowEvict + 1})

		assert.ErrorIs(t, err, keyedstore.ErrInvalidOptions)
	})

	t.Run("accepts zero options", func(t *testing.T) {
		s, err := keyedstore.New[int](clock.New(), keyedstore.Options{})

		require.NoError(t, err)
		assert.Equal(t, 0, s.Len())
	})
}

func TestStore_Get(t *testing.T) {
	t.Run("returns absent for unknown key", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})

		_, ok := s.Get("missing")

		assert.False(t, ok)
	})

	t.Run("returns live entry", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})
		s.InsertIfAbsent("k", 7, epoch.Add(time.Minute))

		e, ok := s.Get("k")

		require.True(t, ok)
		assert.Equal(t, 7, e.Payload)
		assert.Equal(t, "k", e.Key)
		assert.Equal(t, epoch, e.CreatedAt)
		assert.Equal(t, epoch.Add(time.Minute), e.ExpiresAt)
	})

	t.Run("never returns an entry at or past its expiry", func(t *testing.T) {
		s, clk := newStore(t, keyedstore.Options{})
		s.InsertIfAbsent("k", 1, epoch.Add(time.Minute))

		clk.Advance(time.Minute)

		_, ok := s.Get("k")

		assert.False(t, ok)
		assert.False(t, s.DeleteIfExpired("k"), "expired entry should already be purged")
	})
}

func TestStore_InsertIfAbsent(t *testing.T) {
	t.Run("keeps the first live entry", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})

		first, inserted, err := s.InsertIfAbsent("k", 1, epoch.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, inserted)

		second, inserted, err := s.InsertIfAbsent("k", 2, epoch.Add(time.Minute))

		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, first, second)
	})

	t.Run("replaces an expired entry", func(t *testing.T) {
		s, clk := newStore(t, keyedstore.Options{})
		s.InsertIfAbsent("k", 1, epoch.Add(time.Second))

		clk.Advance(2 * time.Second)

		e, inserted, err := s.InsertIfAbsent("k", 2, clk.Now().Add(time.Second))

		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, 2, e.Payload)
		assert.Equal(t, clk.Now(), e.CreatedAt)
	})

	t.Run("only one concurrent caller inserts", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
		)

		for i := range 50 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				if _, ok, _ := s.InsertIfAbsent("k", i, epoch.Add(time.Minute)); ok {
					mu.Lock()
					inserted++
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, 1, inserted)
	})
}

func TestStore_Upsert(t *testing.T) {
	t.Run("creates from zero value and refreshes", func(t *testing.T) {
		s, clk := newStore(t, keyedstore.Options{})

		e1, err := s.Upsert("k", increment(time.Minute))
		require.NoError(t, err)

		clk.Advance(time.Second)

		e2, err := s.Upsert("k", increment(time.Minute))
		require.NoError(t, err)

		assert.Equal(t, 1, e1.Payload)
		assert.Equal(t, 2, e2.Payload)
		assert.Equal(t, e1.CreatedAt, e2.CreatedAt)
		assert.Equal(t, clk.Now().Add(time.Minute), e2.ExpiresAt)
		assert.Greater(t, e2.Version, e1.Version)
	})

	t.Run("starts from a fresh default after expiry", func(t *testing.T) {
		s, clk := newStore(t, keyedstore.Options{})

		_, err := s.Upsert("k", increment(time.Second))
		require.NoError(t, err)

		clk.Advance(time.Second)

		e, err := s.Upsert("k", func(cur int, exists bool, now time.Time) (int, time.Time, error) {
			assert.False(t, exists)
			assert.Zero(t, cur)

			return 10, now.Add(time.Second), nil
		})

		require.NoError(t, err)
		assert.Equal(t, 10, e.Payload)
		assert.Equal(t, clk.Now(), e.CreatedAt)
	})

	t.Run("mutate error aborts without writing", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})
		errBoom := errors.New("boom")

		_, err := s.Upsert("k", func(int, bool, time.Time) (int, time.Time, error) {
			return 0, time.Time{}, errBoom
		})

		assert.ErrorIs(t, err, errBoom)

		_, ok := s.Get("k")
		assert.False(t, ok)
	})

	t.Run("no lost updates under concurrency", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})

		const workers, perWorker = 16, 200

		var wg sync.WaitGroup

		for range workers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for range perWorker {
					_, err := s.Upsert("counter", increment(time.Hour))
					assert.NoError(t, err)
				}
			}()
		}

		wg.Wait()

		e, ok := s.Get("counter")
		require.True(t, ok)
		assert.Equal(t, workers*perWorker, e.Payload)
	})

	t.Run("returns ErrContention when retries are exhausted", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{MaxRetries: 3})
		s.InsertIfAbsent("k", 0, epoch.Add(time.Hour))

		attempts := 0

		_, err := s.Upsert("k", func(cur int, _ bool, now time.Time) (int, time.Time, error) {
			attempts++

			// A competing writer lands between snapshot and commit.
			e, _ := s.Get("k")
			s.CompareAndSwap("k", e.Version, e.Payload+100, e.ExpiresAt)

			return cur + 1, now.Add(time.Hour), nil
		})

		require.ErrorIs(t, err, keyedstore.ErrContention)
		assert.Equal(t, 3, attempts)

		e, _ := s.Get("k")
		assert.Equal(t, 300, e.Payload)
	})
}

func TestStore_CompareAndSwap(t *testing.T) {
	t.Run("swaps when version matches", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})
		e, _, _ := s.InsertIfAbsent("k", 1, epoch.Add(time.Minute))

		next, ok := s.CompareAndSwap("k", e.Version, 2, epoch.Add(2*time.Minute))

		require.True(t, ok)
		assert.Equal(t, 2, next.Payload)
		assert.Equal(t, e.CreatedAt, next.CreatedAt)
		assert.NotEqual(t, e.Version, next.Version)
	})

	t.Run("fails on stale version", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})
		e, _, _ := s.InsertIfAbsent("k", 1, epoch.Add(time.Minute))
		s.CompareAndSwap("k", e.Version, 2, epoch.Add(time.Minute))

		_, ok := s.CompareAndSwap("k", e.Version, 3, epoch.Add(time.Minute))

		assert.False(t, ok)
	})

	t.Run("fails on expired entry", func(t *testing.T) {
		s, clk := newStore(t, keyedstore.Options{})
		e, _, _ := s.InsertIfAbsent("k", 1, epoch.Add(time.Minute))
		clk.Advance(time.Minute)

		_, ok := s.CompareAndSwap("k", e.Version, 2, clk.Now().Add(time.Minute))

		assert.False(t, ok)
	})

	t.Run("versions are not reused after delete and recreate", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})
		old, _, _ := s.InsertIfAbsent("k", 1, epoch.Add(time.Minute))
		s.Delete("k")
		s.InsertIfAbsent("k", 2, epoch.Add(time.Minute))

		_, ok := s.CompareAndSwap("k", old.Version, 3, epoch.Add(time.Minute))

		assert.False(t, ok)
	})
}

func TestStore_Delete(t *testing.T) {
	t.Run("delete reports presence", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})
		s.InsertIfAbsent("k", 1, epoch.Add(time.Minute))

		assert.True(t, s.Delete("k"))
		assert.False(t, s.Delete("k"))
	})

	t.Run("delete if version only removes matching entry", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})
		e, _, _ := s.InsertIfAbsent("k", 1, epoch.Add(time.Minute))

		assert.False(t, s.DeleteIfVersion("k", e.Version+1))
		assert.True(t, s.DeleteIfVersion("k", e.Version))
	})

	t.Run("delete if expired keeps live entries", func(t *testing.T) {
		s, clk := newStore(t, keyedstore.Options{})
		s.InsertIfAbsent("k", 1, epoch.Add(time.Minute))

		assert.False(t, s.DeleteIfExpired("k"))

		clk.Advance(time.Minute)

		assert.True(t, s.DeleteIfExpired("k"))
	})

	t.Run("delete func removes matching entries", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})
		s.InsertIfAbsent("a:1", 1, epoch.Add(time.Minute))
		s.InsertIfAbsent("a:2", 2, epoch.Add(time.Minute))
		s.InsertIfAbsent("b:1", 3, epoch.Add(time.Minute))

		removed := s.DeleteFunc(func(e keyedstore.Entry[int]) bool {
			return e.Key[0] == 'a'
		})

		assert.Equal(t, 2, removed)
		assert.Equal(t, 1, s.Len())
	})
}

func TestStore_Eviction(t *testing.T) {
	t.Run("sweep removes expired entries", func(t *testing.T) {
		s, clk := newStore(t, keyedstore.Options{})
		s.InsertIfAbsent("short", 1, epoch.Add(time.Second))
		s.InsertIfAbsent("long", 2, epoch.Add(time.Hour))

		clk.Advance(time.Minute)

		assert.Equal(t, 1, s.Sweep())
		assert.Equal(t, 1, s.Len())
	})

	t.Run("evicting store drops the entry closest to expiry", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{Shards: 1, MaxEntries: 2, Overflow: keyedstore.OverflowEvict})
		s.InsertIfAbsent("soon", 1, epoch.Add(time.Second))
		s.InsertIfAbsent("later", 2, epoch.Add(time.Hour))

		_, inserted, err := s.InsertIfAbsent("new", 3, epoch.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, inserted)

		_, soon := s.Get("soon")
		_, later := s.Get("later")
		_, fresh := s.Get("new")

		assert.False(t, soon)
		assert.True(t, later)
		assert.True(t, fresh)
	})

	t.Run("rejecting store refuses new keys and keeps live ones", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{Shards: 1, MaxEntries: 2})
		s.InsertIfAbsent("a", 1, epoch.Add(time.Hour))
		s.InsertIfAbsent("b", 2, epoch.Add(time.Hour))

		_, inserted, err := s.InsertIfAbsent("c", 3, epoch.Add(time.Hour))
		require.ErrorIs(t, err, keyedstore.ErrFull)
		assert.False(t, inserted)

		_, err = s.Upsert("d", func(int, bool, time.Time) (int, time.Time, error) {
			return 4, epoch.Add(time.Hour), nil
		})
		require.ErrorIs(t, err, keyedstore.ErrFull)

		_, a := s.Get("a")
		_, b := s.Get("b")
		assert.True(t, a)
		assert.True(t, b)
		assert.Equal(t, 2, s.Len())
	})

	t.Run("rejecting store updates existing keys when full", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{Shards: 1, MaxEntries: 1})
		s.InsertIfAbsent("a", 1, epoch.Add(time.Hour))

		e, err := s.Upsert("a", func(cur int, _ bool, _ time.Time) (int, time.Time, error) {
			return cur + 1, epoch.Add(time.Hour), nil
		})

		require.NoError(t, err)
		assert.Equal(t, 2, e.Payload)
	})

	t.Run("rejecting store admits new keys once old ones expire", func(t *testing.T) {
		s, clk := newStore(t, keyedstore.Options{Shards: 1, MaxEntries: 1})
		s.InsertIfAbsent("a", 1, epoch.Add(time.Second))

		clk.Advance(time.Second)

		_, inserted, err := s.InsertIfAbsent("b", 2, clk.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("janitor sweeps in the background", func(t *testing.T) {
		s, clk := newStore(t, keyedstore.Options{})
		s.InsertIfAbsent("k", 1, epoch.Add(time.Second))
		clk.Advance(time.Minute)

		s.StartJanitor(5 * time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, s.Shutdown())

		// Rewind: a surviving entry would be live again.
		clk.Set(epoch)

		_, ok := s.Get("k")
		assert.False(t, ok)
	})

	t.Run("shutdown without janitor is a no-op", func(t *testing.T) {
		s, _ := newStore(t, keyedstore.Options{})

		assert.NoError(t, s.Shutdown())
	})
}
