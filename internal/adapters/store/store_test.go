package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseCallStore runs the behaviour every CallStore backend shares.
// Users are unique per run so shared databases need no cleanup.
func exerciseCallStore(t *testing.T, s core.CallStore) {
	t.Helper()
	ctx := context.Background()
	alice := domain.UserID("alice-" + uuid.NewString()[:8])
	bob := domain.UserID("bob-" + uuid.NewString()[:8])
	carol := domain.UserID("carol-" + uuid.NewString()[:8])
	base := time.Now().Truncate(time.Millisecond)

	t.Run("create assigns id", func(t *testing.T) {
		rec, err := s.CreateCall(ctx, domain.CallRecord{CallerID: alice, ReceiverID: bob, Status: domain.RecordRinging, CreatedAt: base})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)

		got, err := s.GetCall(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, alice, got.CallerID)
		assert.Equal(t, bob, got.ReceiverID)
		assert.Equal(t, domain.RecordRinging, got.Status)
		assert.True(t, got.CreatedAt.Equal(base), "created_at %v != %v", got.CreatedAt, base)
		assert.Nil(t, got.AnsweredAt)
		assert.Nil(t, got.EndedAt)
	})

	t.Run("create rejects incomplete rows", func(t *testing.T) {
		_, err := s.CreateCall(ctx, domain.CallRecord{CallerID: alice, Status: domain.RecordRinging})
		assert.Error(t, err)
		_, err = s.CreateCall(ctx, domain.CallRecord{CallerID: alice, ReceiverID: bob, Status: "bogus"})
		assert.Error(t, err)
	})

	t.Run("create with a known id", func(t *testing.T) {
		id := domain.CallID(uuid.NewString())
		rec, err := s.CreateCall(ctx, domain.CallRecord{ID: id, CallerID: alice, ReceiverID: bob, Status: domain.RecordRinging})
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)

		_, err = s.CreateCall(ctx, domain.CallRecord{ID: id, CallerID: alice, ReceiverID: bob, Status: domain.RecordDeclined})
		assert.ErrorIs(t, err, core.ErrCallExists)
		got, err := s.GetCall(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.RecordRinging, got.Status, "duplicate insert must not overwrite")
	})

	t.Run("status timestamps", func(t *testing.T) {
		rec, err := s.CreateCall(ctx, domain.CallRecord{CallerID: alice, ReceiverID: bob, Status: domain.RecordRinging})
		require.NoError(t, err)

		answered := base.Add(2 * time.Second)
		ended := base.Add(9 * time.Second)
		require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.RecordActive, answered))
		require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.RecordEnded, ended))
		// A late second terminal write keeps the first end time.
		require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.RecordEnded, ended.Add(time.Minute)))

		got, err := s.GetCall(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RecordEnded, got.Status)
		require.NotNil(t, got.AnsweredAt)
		require.NotNil(t, got.EndedAt)
		assert.True(t, got.AnsweredAt.Equal(answered))
		assert.True(t, got.EndedAt.Equal(ended))
	})

	t.Run("update unknown call", func(t *testing.T) {
		err := s.UpdateStatus(ctx, domain.CallID(uuid.NewString()), domain.RecordEnded, base)
		assert.ErrorIs(t, err, core.ErrNotFound)
		_, err = s.GetCall(ctx, domain.CallID(uuid.NewString()))
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("update rejects invalid status", func(t *testing.T) {
		rec, err := s.CreateCall(ctx, domain.CallRecord{CallerID: alice, ReceiverID: bob, Status: domain.RecordRinging})
		require.NoError(t, err)
		assert.Error(t, s.UpdateStatus(ctx, rec.ID, "bogus", base))
	})

	t.Run("list newest first", func(t *testing.T) {
		var ids []domain.CallID
		for i := range 3 {
			rec, err := s.CreateCall(ctx, domain.CallRecord{
				CallerID: carol, ReceiverID: bob, Status: domain.RecordRinging,
				CreatedAt: base.Add(time.Duration(i+1) * time.Hour),
			})
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}

		got, err := s.ListCalls(ctx, carol, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[2], got[0].ID)
		assert.Equal(t, ids[1], got[1].ID)

		all, err := s.ListCalls(ctx, carol, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		none, err := s.ListCalls(ctx, domain.UserID("nobody-"+uuid.NewString()[:8]), 10)
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseCallStore(t, NewMemory())
}

func TestMemoryResolveBusiness(t *testing.T) {
	m := NewMemory()
	m.SetBusinessOwner("acme", "owner")

	owner, err := m.ResolveBusiness(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("owner"), owner)

	_, err = m.ResolveBusiness(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryRejectsDuplicateID(t *testing.T) {
	m := NewMemory()
	rec := domain.CallRecord{ID: "c1", CallerID: "a", ReceiverID: "b", Status: domain.RecordRinging}
	_, err := m.CreateCall(context.Background(), rec)
	require.NoError(t, err)
	_, err = m.CreateCall(context.Background(), rec)
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseCallStore(t, s)
}

func TestSQLiteBusinessOwners(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.ResolveBusiness(ctx, "acme")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.SetBusinessOwner(ctx, "acme", "first"))
	require.NoError(t, s.SetBusinessOwner(ctx, "acme", "second"))
	owner, err := s.ResolveBusiness(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("second"), owner)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "calls.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	rec, err := s.CreateCall(ctx, domain.CallRecord{CallerID: "a", ReceiverID: "b", Status: domain.RecordRinging})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	got, err := s.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("VOICE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := OpenPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	p := NewPostgres(pool)
	require.NoError(t, p.Migrate(ctx))
	exerciseCallStore(t, p)

	biz := "biz-" + uuid.NewString()[:8]
	_, err = pool.Exec(ctx, `INSERT INTO businesses (id, owner_id) VALUES ($1, $2)`, biz, "owner")
	require.NoError(t, err)
	owner, err := p.ResolveBusiness(ctx, biz)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("owner"), owner)
}
