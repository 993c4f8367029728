package rewardsd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ClaimReceipt is the durable record of one successful disbursement. Receipts
// exist alongside the ledger state so finance can reconcile payouts without
// touching the key-value store.
type ClaimReceipt struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SurveyID    uint64    `gorm:"index"`
	UserID      string    `gorm:"index"`
	Token       string
	Amount      string
	TxRef       string `gorm:"uniqueIndex"`
	ProofDigest string
	CreatedAt   time.Time
}

// AuditLog records administrative actions against the ledger.
type AuditLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Actor     string    `gorm:"index"`
	Action    string    `gorm:"index"`
	Detail    string
	CreatedAt time.Time
}

// Store persists claim receipts and audit entries.
type Store struct {
	db *gorm.DB
}

// OpenStore connects to the receipts database. Postgres DSNs use the postgres
// driver; anything else is treated as a SQLite path. An empty DSN opens an
// in-memory database.
func OpenStore(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "":
		dialector = sqlite.Open("file::memory:?cache=shared")
	case strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://"):
		dialector = postgres.Open(trimmed)
	default:
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open receipts store: %w", err)
	}
	return NewStore(db)
}

// NewStore migrates the schema and wraps the connection.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&ClaimReceipt{}, &AuditLog{}); err != nil {
		return nil, fmt.Errorf("migrate receipts store: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordClaim persists a receipt for a successful disbursement.
func (s *Store) RecordClaim(ctx context.Context, receipt ClaimReceipt) error {
	if receipt.ID == uuid.Nil {
		receipt.ID = uuid.New()
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&receipt).Error
}

// RecordAudit persists one administrative action.
func (s *Store) RecordAudit(ctx context.Context, actor, action, detail string) error {
	entry := AuditLog{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// ReceiptsForSurvey returns every receipt recorded for the survey.
func (s *Store) ReceiptsForSurvey(ctx context.Context, surveyID uint64) ([]ClaimReceipt, error) {
	var receipts []ClaimReceipt
	err := s.db.WithContext(ctx).
		Where("survey_id = ?", surveyID).
		Order("created_at asc").
		Find(&receipts).Error
	return receipts, err
}

// Receipts returns all recorded receipts ordered by creation time.
func (s *Store) Receipts(ctx context.Context) ([]ClaimReceipt, error) {
	var receipts []ClaimReceipt
	err := s.db.WithContext(ctx).Order("created_at asc").Find(&receipts).Error
	return receipts, err
}

// AuditTrail returns the most recent administrative actions, newest first.
func (s *Store) AuditTrail(ctx context.Context, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []AuditLog
	err := s.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&entries).Error
	return entries, err
}
