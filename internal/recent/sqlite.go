package recent

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps lists in the recent_searches table (see store.Open).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Add upserts city for the session and trims the list to MaxEntries.
func (s *SQLiteStore) Add(ctx context.Context, sessionID, city string) ([]string, error) {
	city = Capitalize(city)
	if city == "" {
		return s.List(ctx, sessionID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO recent_searches (session_id, city, city_key, searched_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, city_key) DO UPDATE SET city = excluded.city, searched_at = excluded.searched_at`,
		sessionID, city, dedupeKey(city), s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert recent search: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM recent_searches WHERE session_id = ? AND city_key NOT IN (
			SELECT city_key FROM recent_searches WHERE session_id = ? ORDER BY searched_at DESC LIMIT ?)`,
		sessionID, sessionID, MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("trim recent searches: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.List(ctx, sessionID)
}

// List returns the session's cities, newest first.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT city FROM recent_searches WHERE session_id = ? ORDER BY searched_at DESC LIMIT ?`,
		sessionID, MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("list recent searches: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var city string
		if err := rows.Scan(&city); err != nil {
			return nil, err
		}
		out = append(out, city)
	}
	return out, rows.Err()
}

// Clear deletes the session's rows.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recent_searches WHERE session_id = ?`, sessionID)
	return err
}
