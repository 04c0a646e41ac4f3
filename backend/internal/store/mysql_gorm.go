package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabSync/backend/internal/relay"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

// DocumentRecord is the latest content of a document.
type DocumentRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Title     string `gorm:"size:255"`
	Content   string `gorm:"type:longtext"`
	Revision  uint64
	UpdatedAt time.Time
}

func (DocumentRecord) TableName() string { return "collab_documents" }

// DocumentRepo implements relay.DocumentRepo on gorm.
type DocumentRepo struct{ db *gorm.DB }

var _ relay.DocumentRepo = (*DocumentRepo)(nil)

func NewDocumentRepo(db *gorm.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) Migrate() error {
	return r.db.AutoMigrate(&DocumentRecord{})
}

func (r *DocumentRepo) LoadDocument(ctx context.Context, docID string) (relay.Snapshot, error) {
	var rec DocumentRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return relay.Snapshot{}, fmt.Errorf("%w: %s", relay.ErrDocumentNotFound, docID)
	}
	if err != nil {
		return relay.Snapshot{}, err
	}
	return relay.Snapshot{DocumentID: rec.ID, Title: rec.Title, Content: rec.Content, Revision: rec.Revision}, nil
}

// SaveDocument upserts; a stale revision never overwrites a newer one.
func (r *DocumentRepo) SaveDocument(ctx context.Context, snap relay.Snapshot) error {
	rec := DocumentRecord{
		ID:       snap.DocumentID,
		Title:    snap.Title,
		Content:  snap.Content,
		Revision: snap.Revision,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"content":    gorm.Expr("IF(VALUES(revision) >= revision, VALUES(content), content)"),
			"updated_at": gorm.Expr("IF(VALUES(revision) >= revision, VALUES(updated_at), updated_at)"),
			"revision":   gorm.Expr("GREATEST(revision, VALUES(revision))"),
		}),
	}).Create(&rec).Error
}
