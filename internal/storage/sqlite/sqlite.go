// Package sqlite implements the storage.Store contract on SQLite. Records
// are kept as JSON documents; indexed columns cover the lookup paths the
// core needs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

// Store is the SQLite-backed document store.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serialises writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			channel_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (channel_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			channel_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (channel_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			channel_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (channel_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			channel_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (channel_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			tool TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_tool ON executions(tool, agent_id, seq)`,
		`CREATE TABLE IF NOT EXISTS verdicts (
			fingerprint TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Sessions() storage.SessionStore     { return &sessionStore{db: s.db} }
func (s *Store) Channels() storage.ChannelStore     { return &channelStore{db: s.db} }
func (s *Store) Tasks() storage.TaskStore           { return &taskStore{db: s.db} }
func (s *Store) Memories() storage.MemoryStore      { return &memoryStore{db: s.db} }
func (s *Store) Graph() storage.GraphStore          { return &graphStore{db: s.db} }
func (s *Store) Executions() storage.ExecutionStore { return &executionStore{db: s.db} }
func (s *Store) Verdicts() storage.VerdictCache     { return &verdictCache{db: s.db} }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func putDoc(ctx context.Context, db *sql.DB, table, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	_, err = db.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, data, updated_at) VALUES (?, ?, ?)`, table),
		id, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s: %w", table, err)
	}
	return nil
}

func getDoc(ctx context.Context, db *sql.DB, table, id string, v any) error {
	var data string
	err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, table), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", table, err)
	}
	return json.Unmarshal([]byte(data), v)
}

func putScopedDoc(ctx context.Context, db *sql.DB, table, channelID, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	_, err = db.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (channel_id, id, data, updated_at) VALUES (?, ?, ?, ?)`, table),
		channelID, id, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s: %w", table, err)
	}
	return nil
}

func getScopedDoc(ctx context.Context, db *sql.DB, table, channelID, id string, v any) error {
	var data string
	err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE channel_id = ? AND id = ?`, table),
		channelID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", table, err)
	}
	return json.Unmarshal([]byte(data), v)
}

func listScopedDocs[T any](ctx context.Context, db *sql.DB, table, channelID string) ([]*T, error) {
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE channel_id = ? ORDER BY id`, table), channelID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type sessionStore struct{ db *sql.DB }

func (s *sessionStore) Put(ctx context.Context, session *models.Session) error {
	return putDoc(ctx, s.db, "sessions", session.ID, session)
}

func (s *sessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := getDoc(ctx, s.db, "sessions", id, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

type channelStore struct{ db *sql.DB }

func (s *channelStore) Put(ctx context.Context, channel *models.Channel) error {
	return putDoc(ctx, s.db, "channels", channel.ID, channel)
}

func (s *channelStore) Get(ctx context.Context, id string) (*models.Channel, error) {
	var channel models.Channel
	if err := getDoc(ctx, s.db, "channels", id, &channel); err != nil {
		return nil, err
	}
	return &channel, nil
}

func (s *channelStore) List(ctx context.Context) ([]*models.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*models.Channel
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ch models.Channel
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			return nil, err
		}
		out = append(out, &ch)
	}
	return out, rows.Err()
}

func (s *channelStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	return err
}

type taskStore struct{ db *sql.DB }

func (s *taskStore) Put(ctx context.Context, task *models.Task) error {
	return putScopedDoc(ctx, s.db, "tasks", task.ChannelID, task.ID, task)
}

func (s *taskStore) Get(ctx context.Context, channelID, taskID string) (*models.Task, error) {
	var task models.Task
	if err := getScopedDoc(ctx, s.db, "tasks", channelID, taskID, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *taskStore) List(ctx context.Context, channelID string) ([]*models.Task, error) {
	return listScopedDocs[models.Task](ctx, s.db, "tasks", channelID)
}

func (s *taskStore) Delete(ctx context.Context, channelID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE channel_id = ? AND id = ?`, channelID, taskID)
	return err
}

type memoryStore struct{ db *sql.DB }

func (s *memoryStore) Put(ctx context.Context, record *models.MemoryRecord) error {
	return putScopedDoc(ctx, s.db, "memories", record.ChannelID, record.ID, record)
}

func (s *memoryStore) Get(ctx context.Context, channelID, id string) (*models.MemoryRecord, error) {
	var record models.MemoryRecord
	if err := getScopedDoc(ctx, s.db, "memories", channelID, id, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *memoryStore) List(ctx context.Context, channelID string) ([]*models.MemoryRecord, error) {
	return listScopedDocs[models.MemoryRecord](ctx, s.db, "memories", channelID)
}

func (s *memoryStore) Delete(ctx context.Context, channelID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE channel_id = ? AND id = ?`, channelID, id)
	return err
}

type graphStore struct{ db *sql.DB }

func (s *graphStore) PutEntity(ctx context.Context, entity *models.Entity) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entities (channel_id, id, data) VALUES (?, ?, ?)`,
		entity.ChannelID, entity.ID, string(data))
	return err
}

func (s *graphStore) GetEntity(ctx context.Context, channelID, id string) (*models.Entity, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE channel_id = ? AND id = ?`, channelID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	var entity models.Entity
	if err := json.Unmarshal([]byte(data), &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

func (s *graphStore) ListEntities(ctx context.Context, channelID string) ([]*models.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM entities WHERE channel_id = ? ORDER BY id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var entity models.Entity
		if err := json.Unmarshal([]byte(data), &entity); err != nil {
			return nil, err
		}
		out = append(out, &entity)
	}
	return out, rows.Err()
}

func (s *graphStore) PutRelationship(ctx context.Context, rel *models.Relationship) error {
	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal relationship: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO relationships (channel_id, id, data) VALUES (?, ?, ?)`,
		rel.ChannelID, rel.ID, string(data))
	return err
}

func (s *graphStore) ListRelationships(ctx context.Context, channelID string) ([]*models.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM relationships WHERE channel_id = ? ORDER BY id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []*models.Relationship
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rel models.Relationship
		if err := json.Unmarshal([]byte(data), &rel); err != nil {
			return nil, err
		}
		out = append(out, &rel)
	}
	return out, rows.Err()
}

type executionStore struct{ db *sql.DB }

func (s *executionStore) Append(ctx context.Context, record *models.ExecutionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (tool, agent_id, data) VALUES (?, ?, ?)`,
		record.Tool, record.AgentID, string(data))
	return err
}

func (s *executionStore) Recent(ctx context.Context, tool, agentID string, limit int) ([]*models.ExecutionRecord, error) {
	query := `SELECT data FROM executions WHERE tool = ?`
	args := []any{tool}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var out []*models.ExecutionRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var record models.ExecutionRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, err
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

type verdictCache struct{ db *sql.DB }

func (s *verdictCache) Get(ctx context.Context, fingerprint string) (*models.Verdict, bool, error) {
	var data string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, expires_at FROM verdicts WHERE fingerprint = ?`, fingerprint).
		Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get verdict: %w", err)
	}
	if time.Now().UnixMilli() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM verdicts WHERE fingerprint = ?`, fingerprint)
		return nil, false, nil
	}
	var verdict models.Verdict
	if err := json.Unmarshal([]byte(data), &verdict); err != nil {
		return nil, false, err
	}
	return &verdict, true, nil
}

func (s *verdictCache) Put(ctx context.Context, fingerprint string, verdict *models.Verdict, ttl time.Duration) error {
	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO verdicts (fingerprint, data, expires_at) VALUES (?, ?, ?)`,
		fingerprint, string(data), time.Now().Add(ttl).UnixMilli())
	return err
}
