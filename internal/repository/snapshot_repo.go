package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mossy-p/collab-relay/internal/models"
)

// defaultKeep is how many snapshots per room and kind survive a prune.
const defaultKeep = 20

// Open connects to postgres and migrates the snapshot schema.
func Open(dsn string, log *zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&models.RoomSnapshot{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Msg("database connected and migrated")
	return db, nil
}

// SnapshotRepositoryImpl persists document and whiteboard snapshots in
// postgres.
type SnapshotRepositoryImpl struct {
	db   *gorm.DB
	keep int
}

// NewSnapshotRepository returns a snapshot store on db.
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db, keep: defaultKeep}
}

// SaveDocument records a new document snapshot and prunes old ones.
func (r *SnapshotRepositoryImpl) SaveDocument(ctx context.Context, roomID string, state []byte) error {
	return r.save(ctx, roomID, models.RoomKindDocument, state)
}

// LoadDocument returns the newest document snapshot, or nil.
func (r *SnapshotRepositoryImpl) LoadDocument(ctx context.Context, roomID string) ([]byte, error) {
	return r.latest(ctx, roomID, models.RoomKindDocument)
}

// SaveCanvas records a new whiteboard snapshot and prunes old ones.
func (r *SnapshotRepositoryImpl) SaveCanvas(ctx context.Context, roomID string, snapshot []byte) error {
	return r.save(ctx, roomID, models.RoomKindWhiteboard, snapshot)
}

// LoadCanvas returns the newest whiteboard snapshot, or nil.
func (r *SnapshotRepositoryImpl) LoadCanvas(ctx context.Context, roomID string) ([]byte, error) {
	return r.latest(ctx, roomID, models.RoomKindWhiteboard)
}

func (r *SnapshotRepositoryImpl) save(ctx context.Context, roomID string, kind models.RoomKind, state []byte) error {
	snap := &models.RoomSnapshot{RoomID: roomID, Kind: kind, State: state}
	if err := r.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("failed to store %s snapshot: %w", kind, err)
	}
	return r.prune(ctx, roomID, kind)
}

// latest returns nil without error when the room has no snapshot yet.
func (r *SnapshotRepositoryImpl) latest(ctx context.Context, roomID string, kind models.RoomKind) ([]byte, error) {
	var snap models.RoomSnapshot
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND kind = ?", roomID, kind).
		Order("created_at DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s snapshot: %w", kind, err)
	}
	return snap.State, nil
}

// prune removes all but the newest r.keep snapshots of a room.
func (r *SnapshotRepositoryImpl) prune(ctx context.Context, roomID string, kind models.RoomKind) error {
	var cutoff models.RoomSnapshot
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND kind = ?", roomID, kind).
		Order("created_at DESC").
		Offset(r.keep - 1).
		First(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find prune cutoff: %w", err)
	}

	result := r.db.WithContext(ctx).
		Where("room_id = ? AND kind = ? AND created_at < ?", roomID, kind, cutoff.CreatedAt).
		Delete(&models.RoomSnapshot{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete old snapshots: %w", result.Error)
	}
	return nil
}
