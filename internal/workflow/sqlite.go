package workflow

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/farewell/farewelld/internal/identity"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS removals (
    code TEXT PRIMARY KEY,
    pet_name TEXT NOT NULL DEFAULT '',
    tutor_id TEXT NOT NULL DEFAULT '',
    tutor_name TEXT NOT NULL DEFAULT '',
    modality TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS removal_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    removal_code TEXT NOT NULL,
    at DATETIME NOT NULL,
    actor_id TEXT NOT NULL,
    actor_name TEXT NOT NULL,
    actor_role TEXT NOT NULL,
    action TEXT NOT NULL,
    FOREIGN KEY (removal_code) REFERENCES removals(code) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS removal_history_code ON removal_history(removal_code);`

// SQLiteStore keeps removals in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// a single connection keeps ":memory:" databases alive and serialises writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, r Removal) error {
	if r.Code == "" {
		return fmt.Errorf("removal code is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO removals (code, pet_name, tutor_id, tutor_name, modality, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Code, r.PetName, r.TutorID, r.TutorName, string(r.Modality), string(r.Status), r.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert removal %q: %w", r.Code, err)
	}
	if err := insertHistory(ctx, tx, r.Code, r.History); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateRemoval(ctx context.Context, code string, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var res sql.Result
	if u.Status != nil {
		res, err = tx.ExecContext(ctx, "UPDATE removals SET status = ? WHERE code = ?", string(*u.Status), code)
	} else {
		res, err = tx.ExecContext(ctx, "UPDATE removals SET status = status WHERE code = ?", code)
	}
	if err != nil {
		return fmt.Errorf("update removal %q: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("removal %q: %w", code, ErrUnknownRemoval)
	}
	if err := insertHistory(ctx, tx, code, u.History); err != nil {
		return err
	}
	return tx.Commit()
}

func insertHistory(ctx context.Context, tx *sql.Tx, code string, entries []HistoryEntry) error {
	for _, h := range entries {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO removal_history (removal_code, at, actor_id, actor_name, actor_role, action)
            VALUES (?, ?, ?, ?, ?, ?)`,
			code, h.At.UTC(), h.ActorID, h.ActorName, string(h.ActorRole), h.Action); err != nil {
			return fmt.Errorf("append history to %q: %w", code, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Removal(ctx context.Context, code string) (Removal, error) {
	var r Removal
	var modality, status string
	err := s.db.QueryRowContext(ctx, `
        SELECT code, pet_name, tutor_id, tutor_name, modality, status, created_at
        FROM removals WHERE code = ?`, code).
		Scan(&r.Code, &r.PetName, &r.TutorID, &r.TutorName, &modality, &status, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return Removal{}, fmt.Errorf("removal %q: %w", code, ErrUnknownRemoval)
	}
	if err != nil {
		return Removal{}, err
	}
	r.Modality, r.Status = Modality(modality), Status(status)

	history, err := s.history(ctx, "WHERE removal_code = ?", code)
	if err != nil {
		return Removal{}, err
	}
	r.History = history[code]
	return r, nil
}

func (s *SQLiteStore) Removals(ctx context.Context) ([]Removal, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT code, pet_name, tutor_id, tutor_name, modality, status, created_at
        FROM removals
        ORDER BY created_at, code`)
	if err != nil {
		return nil, fmt.Errorf("list removals: %w", err)
	}
	defer rows.Close()

	out := make([]Removal, 0)
	for rows.Next() {
		var r Removal
		var modality, status string
		if err := rows.Scan(&r.Code, &r.PetName, &r.TutorID, &r.TutorName, &modality, &status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan removal: %w", err)
		}
		r.Modality, r.Status = Modality(modality), Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	history, err := s.history(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].History = history[out[i].Code]
	}
	return out, nil
}

func (s *SQLiteStore) history(ctx context.Context, where string, args ...any) (map[string][]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT removal_code, at, actor_id, actor_name, actor_role, action
        FROM removal_history `+where+`
        ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]HistoryEntry)
	for rows.Next() {
		var code, role string
		var h HistoryEntry
		if err := rows.Scan(&code, &h.At, &h.ActorID, &h.ActorName, &role, &h.Action); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.ActorRole = identity.Role(role)
		out[code] = append(out[code], h)
	}
	return out, rows.Err()
}
