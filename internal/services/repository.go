package services

import (
	"context"
	"errors"
	"fmt"

	"crash-round-backend/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Repository is the durable store for rounds, bets and the rig settings row.
// Saves are upserts keyed by id, so a retried write is harmless.
type Repository struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %v", err)
	}
	return db, nil
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.CrashRound{},
		&models.CrashBet{},
		&models.RigSettings{},
	)
}

func (r *Repository) SaveRound(ctx context.Context, round *models.CrashRound) error {
	return r.upsert(ctx, round)
}

func (r *Repository) SaveBet(ctx context.Context, bet *models.CrashBet) error {
	return r.upsert(ctx, bet)
}

func (r *Repository) SaveRigSettings(ctx context.Context, s *models.RigSettings) error {
	s.ID = models.RigSettingsID
	return r.upsert(ctx, s)
}

// LoadRigSettings returns the stored row, or the defaults when none exists.
func (r *Repository) LoadRigSettings(ctx context.Context) (models.RigSettings, error) {
	var s models.RigSettings
	err := r.db.WithContext(ctx).First(&s, "id = ?", models.RigSettingsID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DefaultRigSettings(), nil
	}
	if err != nil {
		return models.RigSettings{}, fmt.Errorf("failed to load rig settings: %w", err)
	}
	return s, nil
}

func (r *Repository) LastRoundNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.CrashRound{}).
		Select("COALESCE(MAX(round_number), 0)").
		Scan(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read last round number: %w", err)
	}
	return n, nil
}

func (r *Repository) RoundBets(ctx context.Context, roundID string) ([]models.CrashBet, error) {
	var bets []models.CrashBet
	err := r.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("created_at").
		Find(&bets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load bets: %w", err)
	}
	return bets, nil
}

func (r *Repository) upsert(ctx context.Context, value interface{}) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(value).Error
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPersistenceTimeout, err)
	}
	return err
}
