// Package storage defines the document-store collaborator contract and an
// in-memory implementation used in tests and single-node deployments. The
// core never names a specific database; internal/storage/sqlite provides the
// persistent backend.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// SessionStore persists connected sessions for post-restart diagnostics.
type SessionStore interface {
	Put(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
}

// ChannelStore persists channel definitions and membership.
type ChannelStore interface {
	Put(ctx context.Context, channel *models.Channel) error
	Get(ctx context.Context, id string) (*models.Channel, error)
	List(ctx context.Context) ([]*models.Channel, error)
	Delete(ctx context.Context, id string) error
}

// TaskStore persists tasks keyed by channel and task id. Dependency edges
// live on the task record.
type TaskStore interface {
	Put(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, channelID, taskID string) (*models.Task, error)
	List(ctx context.Context, channelID string) ([]*models.Task, error)
	Delete(ctx context.Context, channelID, taskID string) error
}

// MemoryStore is the authoritative document side of the memory dual-write.
type MemoryStore interface {
	Put(ctx context.Context, record *models.MemoryRecord) error
	Get(ctx context.Context, channelID, id string) (*models.MemoryRecord, error)
	List(ctx context.Context, channelID string) ([]*models.MemoryRecord, error)
	Delete(ctx context.Context, channelID, id string) error
}

// GraphStore persists knowledge-graph entities and relationships.
type GraphStore interface {
	PutEntity(ctx context.Context, entity *models.Entity) error
	GetEntity(ctx context.Context, channelID, id string) (*models.Entity, error)
	ListEntities(ctx context.Context, channelID string) ([]*models.Entity, error)
	PutRelationship(ctx context.Context, rel *models.Relationship) error
	ListRelationships(ctx context.Context, channelID string) ([]*models.Relationship, error)
}

// ExecutionStore records tool-call outcomes for pattern learning and risk
// scoring.
type ExecutionStore interface {
	Append(ctx context.Context, record *models.ExecutionRecord) error
	// Recent returns the newest records for a tool, optionally filtered by
	// agent (empty agentID matches all), newest first.
	Recent(ctx context.Context, tool, agentID string, limit int) ([]*models.ExecutionRecord, error)
}

// VerdictCache is the L2 validation cache backed by the document store.
type VerdictCache interface {
	Get(ctx context.Context, fingerprint string) (*models.Verdict, bool, error)
	Put(ctx context.Context, fingerprint string, verdict *models.Verdict, ttl time.Duration) error
}

// Store groups every collection of the document collaborator.
type Store interface {
	Sessions() SessionStore
	Channels() ChannelStore
	Tasks() TaskStore
	Memories() MemoryStore
	Graph() GraphStore
	Executions() ExecutionStore
	Verdicts() VerdictCache
	Close() error
}
