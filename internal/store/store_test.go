package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reportd/internal/report"
)

// storeUnderTest runs the shared Store contract tests against both
// implementations.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func alice() report.Actor {
	return report.Actor{UserID: "u-alice", Username: "alice"}
}

func bob() report.Actor {
	return report.Actor{UserID: "u-bob", Username: "bob"}
}

func TestSave_CreateAssignsVersionOne(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			saved, err := s.Save(context.Background(), &SaveRequest{
				Fields: report.Fields{report.FieldTitle: "week 34"},
				Actor:  alice(),
			})
			require.NoError(t, err)

			assert.NotEmpty(t, saved.ID)
			assert.Equal(t, int64(1), saved.Version)
			assert.Equal(t, "alice", saved.UpdatedBy)
			assert.Equal(t, "week 34", saved.Fields[report.FieldTitle])
		})
	}
}

func TestSave_VersionIncrementsByOne(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			saved, err := s.Save(ctx, &SaveRequest{
				Fields: report.Fields{report.FieldProgressRate: "10"},
				Actor:  alice(),
			})
			require.NoError(t, err)

			for want := int64(2); want <= 5; want++ {
				saved, err = s.Save(ctx, &SaveRequest{
					ID:          saved.ID,
					BaseVersion: saved.Version,
					Fields:      report.Fields{report.FieldProgressRate: "10"},
					Actor:       alice(),
				})
				require.NoError(t, err)
				assert.Equal(t, want, saved.Version)
			}
		})
	}
}

func TestSave_StaleBaseVersionConflicts(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			saved, err := s.Save(ctx, &SaveRequest{
				Fields: report.Fields{report.FieldWeeklyTasks: "draft"},
				Actor:  alice(),
			})
			require.NoError(t, err)

			// Alice advances the document to version 2.
			_, err = s.Save(ctx, &SaveRequest{
				ID:          saved.ID,
				BaseVersion: 1,
				Fields:      report.Fields{report.FieldWeeklyTasks: "A's tasks"},
				Actor:       alice(),
			})
			require.NoError(t, err)

			// Bob still holds base version 1.
			_, err = s.Save(ctx, &SaveRequest{
				ID:          saved.ID,
				BaseVersion: 1,
				Fields:      report.Fields{report.FieldWeeklyTasks: "B's tasks"},
				Actor:       bob(),
			})
			require.Error(t, err)

			vc, ok := report.IsVersionConflict(err)
			require.True(t, ok)
			assert.Equal(t, int64(1), vc.BaseVersion)
			assert.Equal(t, int64(2), vc.Current.Version)
			// The conflict carries the authoritative content.
			assert.Equal(t, "A's tasks", vc.Current.Fields[report.FieldWeeklyTasks])

			// The rejected write left nothing behind.
			got, err := s.Get(ctx, saved.ID)
			require.NoError(t, err)
			assert.Equal(t, "A's tasks", got.Fields[report.FieldWeeklyTasks])
			assert.Equal(t, int64(2), got.Version)
		})
	}
}

func TestSave_ConcurrentSameBaseOnlyOneWins(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			saved, err := s.Save(ctx, &SaveRequest{
				Fields: report.Fields{report.FieldWeeklyTasks: "draft"},
				Actor:  alice(),
			})
			require.NoError(t, err)

			const writers = 8
			var wg sync.WaitGroup
			errs := make([]error, writers)

			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = s.Save(ctx, &SaveRequest{
						ID:          saved.ID,
						BaseVersion: 1,
						Fields:      report.Fields{report.FieldWeeklyTasks: "mine"},
						Actor:       bob(),
					})
				}(i)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				_, ok := report.IsVersionConflict(err)
				assert.True(t, ok, "loser must observe a version conflict, got %v", err)
			}
			assert.Equal(t, 1, wins)

			got, err := s.Get(ctx, saved.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Version)
		})
	}
}

func TestSave_UnknownIDNotFound(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Save(context.Background(), &SaveRequest{
				ID:          "nope",
				BaseVersion: 1,
				Fields:      report.Fields{},
				Actor:       alice(),
			})
			assert.ErrorIs(t, err, report.ErrNotFound)
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, report.ErrNotFound)
		})
	}
}

func TestList_ReturnsAll(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				_, err := s.Save(ctx, &SaveRequest{
					Fields: report.Fields{report.FieldTitle: "r"},
					Actor:  alice(),
				})
				require.NoError(t, err)
			}

			reports, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, reports, 3)
		})
	}
}

func TestSave_NotifiesAfterAcceptedWrite(t *testing.T) {
	type notification struct {
		docID    string
		username string
		version  int64
	}

	sqlite, err := OpenSQLite(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	for name, tc := range map[string]struct {
		store Store
		set   func(Notifier)
	}{
		"sqlite": {store: sqlite, set: sqlite.SetNotifier},
		"memory": func() struct {
			store Store
			set   func(Notifier)
		} {
			m := NewMemoryStore()
			return struct {
				store Store
				set   func(Notifier)
			}{m, m.SetNotifier}
		}(),
	} {
		t.Run(name, func(t *testing.T) {
			var mu sync.Mutex
			var got []notification
			tc.set(NotifierFunc(func(docID, username string, version int64) {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, notification{docID, username, version})
			}))

			ctx := context.Background()
			saved, err := tc.store.Save(ctx, &SaveRequest{
				Fields: report.Fields{},
				Actor:  alice(),
			})
			require.NoError(t, err)

			// A rejected write must not notify.
			_, err = tc.store.Save(ctx, &SaveRequest{
				ID:          saved.ID,
				BaseVersion: 99,
				Fields:      report.Fields{},
				Actor:       bob(),
			})
			require.Error(t, err)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, got, 1)
			assert.Equal(t, saved.ID, got[0].docID)
			assert.Equal(t, "alice", got[0].username)
			assert.Equal(t, int64(1), got[0].version)
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSQLite(dir, zap.NewNop())
	require.NoError(t, err)

	saved, err := s.Save(context.Background(), &SaveRequest{
		Fields: report.Fields{report.FieldTitle: "persisted"},
		Actor:  alice(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := OpenSQLite(dir, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Fields[report.FieldTitle])
	assert.Equal(t, int64(1), got.Version)
}

func TestSQLite_ClosedStoreFailsClosed(t *testing.T) {
	s, err := OpenSQLite(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Save(context.Background(), &SaveRequest{Fields: report.Fields{}, Actor: alice()})
	assert.Error(t, err)

	_, err = s.Get(context.Background(), "any")
	assert.Error(t, err)
}
