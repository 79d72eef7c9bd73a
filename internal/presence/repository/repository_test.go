package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"munchclub/pkg/model"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type repoFactory func(t *testing.T) MembershipRepository

func backends() map[string]repoFactory {
	return map[string]repoFactory{
		"memory": func(t *testing.T) MembershipRepository {
			return NewMemoryMembershipRepository()
		},
		"badger": func(t *testing.T) MembershipRepository {
			db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return NewBadgerMembershipRepository(db)
		},
	}
}

func member(userID string, joinedAt time.Time) model.MemberEntry {
	return model.MemberEntry{
		UserID:          userID,
		DisplayName:     "User " + userID,
		JoinedAt:        joinedAt,
		LastHeartbeatAt: joinedAt,
	}
}

func receive(t *testing.T, ch <-chan model.Snapshot) model.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
		return model.Snapshot{}
	}
}

func TestRepositories(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("read missing", func(t *testing.T) { testReadMissing(t, factory(t)) })
			t.Run("write then read", func(t *testing.T) { testWriteThenRead(t, factory(t)) })
			t.Run("updated at is monotonic", func(t *testing.T) { testMonotonicUpdatedAt(t, factory(t)) })
			t.Run("empty member set", func(t *testing.T) { testEmptyMembers(t, factory(t)) })
			t.Run("subscribe delivers initial and own writes", func(t *testing.T) { testSubscribe(t, factory(t)) })
			t.Run("subscribe ignores other locations", func(t *testing.T) { testSubscribeFilters(t, factory(t)) })
			t.Run("subscribe all", func(t *testing.T) { testSubscribeAll(t, factory(t)) })
			t.Run("slow consumer sees latest", func(t *testing.T) { testConflation(t, factory(t)) })
			t.Run("cancel closes channel", func(t *testing.T) { testCancelCloses(t, factory(t)) })
		})
	}
}

func testReadMissing(t *testing.T, repo MembershipRepository) {
	_, err := repo.Read(context.Background(), "arrillaga")
	require.ErrorIs(t, err, ErrNotFound)
}

func testWriteThenRead(t *testing.T, repo MembershipRepository) {
	ctx := context.Background()
	members := []model.MemberEntry{member("1", t0), member("2", t0.Add(time.Minute))}

	written, err := repo.Write(ctx, "arrillaga", members, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, t0.Add(time.Minute), written.UpdatedAt)

	got, err := repo.Read(ctx, "arrillaga")
	require.NoError(t, err)
	require.Equal(t, "arrillaga", got.LocationID)
	require.Equal(t, members, got.Members)
	require.Equal(t, written.UpdatedAt, got.UpdatedAt)
}

func testMonotonicUpdatedAt(t *testing.T, repo MembershipRepository) {
	ctx := context.Background()

	first, err := repo.Write(ctx, "wilbur", nil, t0)
	require.NoError(t, err)
	second, err := repo.Write(ctx, "wilbur", nil, t0)
	require.NoError(t, err)
	third, err := repo.Write(ctx, "wilbur", nil, t0.Add(-time.Hour))
	require.NoError(t, err)

	require.True(t, second.UpdatedAt.After(first.UpdatedAt))
	require.True(t, third.UpdatedAt.After(second.UpdatedAt))
	require.Equal(t, t0.Add(2*time.Millisecond), third.UpdatedAt)
}

func testEmptyMembers(t *testing.T, repo MembershipRepository) {
	ctx := context.Background()
	_, err := repo.Write(ctx, "stern", []model.MemberEntry{member("1", t0)}, t0)
	require.NoError(t, err)
	_, err = repo.Write(ctx, "stern", nil, t0.Add(time.Second))
	require.NoError(t, err)

	got, err := repo.Read(ctx, "stern")
	require.NoError(t, err)
	require.NotNil(t, got.Members)
	require.Empty(t, got.Members)
}

func testSubscribe(t *testing.T, repo MembershipRepository) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := repo.Subscribe(ctx, "lakeside")
	require.NoError(t, err)

	initial := receive(t, ch)
	require.Equal(t, "lakeside", initial.LocationID)
	require.False(t, initial.Exists)

	_, err = repo.Write(ctx, "lakeside", []model.MemberEntry{member("1", t0)}, t0)
	require.NoError(t, err)

	snap := receive(t, ch)
	require.True(t, snap.Exists)
	require.Len(t, snap.Members, 1)
	require.Equal(t, "1", snap.Members[0].UserID)
}

func testSubscribeFilters(t *testing.T, repo MembershipRepository) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := repo.Subscribe(ctx, "lakeside")
	require.NoError(t, err)
	receive(t, ch)

	_, err = repo.Write(ctx, "wilbur", []model.MemberEntry{member("1", t0)}, t0)
	require.NoError(t, err)
	_, err = repo.Write(ctx, "lakeside", []model.MemberEntry{member("2", t0)}, t0)
	require.NoError(t, err)

	snap := receive(t, ch)
	require.Equal(t, "lakeside", snap.LocationID)
	require.Equal(t, "2", snap.Members[0].UserID)
}

func testSubscribeAll(t *testing.T, repo MembershipRepository) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := repo.Write(ctx, "arrillaga", []model.MemberEntry{member("1", t0)}, t0)
	require.NoError(t, err)

	ch, err := repo.SubscribeAll(ctx)
	require.NoError(t, err)

	initial := receive(t, ch)
	require.Equal(t, "arrillaga", initial.LocationID)

	_, err = repo.Write(ctx, "wilbur", []model.MemberEntry{member("2", t0)}, t0)
	require.NoError(t, err)

	snap := receive(t, ch)
	require.Equal(t, "wilbur", snap.LocationID)
}

func testConflation(t *testing.T, repo MembershipRepository) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := repo.Subscribe(ctx, "branner")
	require.NoError(t, err)
	receive(t, ch)

	// Nobody reads while these land; writers must not block.
	for i := 0; i < 50; i++ {
		members := []model.MemberEntry{member(fmt.Sprint(i), t0)}
		_, err := repo.Write(ctx, "branner", members, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return snap.Members[0].UserID == "49"
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func testCancelCloses(t *testing.T, repo MembershipRepository) {
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := repo.SubscribeAll(ctx)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRead_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryMembershipRepository().Read(ctx, "arrillaga")
	require.True(t, errors.Is(err, context.Canceled))
}
