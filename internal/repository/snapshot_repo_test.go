package repository

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/collab-relay/internal/models"
)

// Runs against a real postgres when TEST_DATABASE_URL is set.
func newTestRepo(t *testing.T) *SnapshotRepositoryImpl {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	log := zerolog.Nop()
	db, err := Open(dsn, &log)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewSnapshotRepository(db)
}

func TestSnapshotLatestWins(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	room := "doc-" + ksuid.New().String()

	state, err := repo.LoadDocument(ctx, room)
	require.NoError(t, err)
	require.Nil(t, state)

	require.NoError(t, repo.SaveDocument(ctx, room, []byte("v1")))
	require.NoError(t, repo.SaveDocument(ctx, room, []byte("v2")))
	require.NoError(t, repo.SaveCanvas(ctx, room, []byte(`{"objects":[]}`)))

	state, err = repo.LoadDocument(ctx, room)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), state)

	canvas, err := repo.LoadCanvas(ctx, room)
	require.NoError(t, err)
	require.JSONEq(t, `{"objects":[]}`, string(canvas))
}

func TestSnapshotPrune(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	repo.keep = 3
	room := "doc-" + ksuid.New().String()

	for i := range 6 {
		require.NoError(t, repo.SaveDocument(ctx, room, []byte(fmt.Sprintf("v%d", i))))
	}

	var count int64
	require.NoError(t, repo.db.Model(&models.RoomSnapshot{}).
		Where("room_id = ? AND kind = ?", room, models.RoomKindDocument).
		Count(&count).Error)
	require.EqualValues(t, 3, count)
}
