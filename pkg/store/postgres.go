package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ArchiveStore keeps finished render records in postgres so the web tier can
// show render history after the live redis records expire.
type ArchiveStore struct {
	db *sql.DB
}

func NewArchiveStore(dsn string) (*ArchiveStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &ArchiveStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *ArchiveStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS render_archive (
    id TEXT PRIMARY KEY,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *ArchiveStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Archive upserts a finished record.
func (s *ArchiveStore) Archive(rec *RenderRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO render_archive (id, data, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		rec.ID, data, time.Unix(rec.CreatedAt, 0).UTC())
	if err != nil {
		return fmt.Errorf("archive record: %w", err)
	}
	return nil
}

// Recent lists the most recently archived records, newest first.
func (s *ArchiveStore) Recent(limit int) ([]RenderRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT data FROM render_archive ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var records []RenderRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var rec RenderRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
