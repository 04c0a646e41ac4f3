package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

const createSnapshots = `CREATE TABLE IF NOT EXISTS document_snapshots (
	document_id VARCHAR(64) NOT NULL,
	revision    BIGINT UNSIGNED NOT NULL,
	content     LONGTEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (document_id, revision)
)`

// SnapshotStore keeps every saved (document, revision) content.
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	return sql.Open("mysql", dsn)
}

func (s *SnapshotStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createSnapshots)
	return err
}

// SaveDocumentSnapshot treats an existing (document, revision) row as
// success: content at a revision never changes.
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content) VALUES (?, ?, ?)`,
		docID, rev, content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			glog.V(1).Infof("[store]%s snapshot r%d already stored", docID, rev)
			return nil
		}
		return err
	}
	return nil
}

// Latest returns the newest snapshot of docID, or sql.ErrNoRows.
func (s *SnapshotStore) Latest(ctx context.Context, docID string) (uint64, string, error) {
	var (
		rev     uint64
		content string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, content FROM document_snapshots WHERE document_id = ? ORDER BY revision DESC LIMIT 1`,
		docID,
	).Scan(&rev, &content)
	return rev, content, err
}
