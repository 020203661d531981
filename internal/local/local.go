// Package local keeps boards and client preferences on the device, in a
// SQLite file next to the client binary's data directory.
package local

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/npezzotti/go-pinboard/internal/types"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// NicknameKey is the preference key the nickname is cached under.
const NicknameKey = "pinboard_nickname"

var ErrBoardNotFound = errors.New("board not found")

type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open opens or creates the database at path. ":memory:" gives a
// throwaway store.
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, log: logger}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS boards (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS prefs (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ListBoards returns every saved board, most recently updated first.
func (s *Store) ListBoards() ([]types.Board, error) {
	rows, err := s.db.Query("SELECT data FROM boards ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var boards []types.Board
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b types.Board
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			s.log.Warnw("skipping unreadable board", "error", err)
			continue
		}
		boards = append(boards, b)
	}
	return boards, rows.Err()
}

func (s *Store) GetBoard(id string) (types.Board, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM boards WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Board{}, fmt.Errorf("%w: %s", ErrBoardNotFound, id)
	}
	if err != nil {
		return types.Board{}, err
	}

	var b types.Board
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return types.Board{}, fmt.Errorf("decode board %s: %w", id, err)
	}
	return b, nil
}

// SaveBoard inserts b or replaces the saved board with the same id.
func (s *Store) SaveBoard(b types.Board) error {
	if b.Id == "" {
		return fmt.Errorf("save board: missing id")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO boards (id, name, updated_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at, data = excluded.data`,
		b.Id, b.Name, b.UpdatedAt, string(data))
	return err
}

// DeleteBoard removes the board with id. Deleting a missing board is not
// an error.
func (s *Store) DeleteBoard(id string) error {
	_, err := s.db.Exec("DELETE FROM boards WHERE id = ?", id)
	return err
}

// Pref returns the preference stored under key, or "" if unset.
func (s *Store) Pref(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM prefs WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) SetPref(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO prefs (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Nickname() (string, error) {
	return s.Pref(NicknameKey)
}

// SetNickname caches the truncated nickname. An empty nickname clears it.
func (s *Store) SetNickname(nickname string) error {
	nickname = types.TruncateNickname(nickname)
	if nickname == "" {
		_, err := s.db.Exec("DELETE FROM prefs WHERE key = ?", NicknameKey)
		return err
	}
	return s.SetPref(NicknameKey, nickname)
}
