package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

// MemStore is the in-memory Store used by tests and the memory backend.
type MemStore struct {
	sessions   memSessions
	channels   memChannels
	tasks      memTasks
	memories   memMemories
	graph      memGraph
	executions memExecutions
	verdicts   memVerdicts
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:   memSessions{m: make(map[string]*models.Session)},
		channels:   memChannels{m: make(map[string]*models.Channel)},
		tasks:      memTasks{m: make(map[string]map[string]*models.Task)},
		memories:   memMemories{m: make(map[string]map[string]*models.MemoryRecord)},
		graph:      memGraph{entities: make(map[string]map[string]*models.Entity), rels: make(map[string][]*models.Relationship)},
		executions: memExecutions{},
		verdicts:   memVerdicts{m: make(map[string]cachedVerdict)},
	}
}

func (s *MemStore) Sessions() SessionStore     { return &s.sessions }
func (s *MemStore) Channels() ChannelStore     { return &s.channels }
func (s *MemStore) Tasks() TaskStore           { return &s.tasks }
func (s *MemStore) Memories() MemoryStore      { return &s.memories }
func (s *MemStore) Graph() GraphStore          { return &s.graph }
func (s *MemStore) Executions() ExecutionStore { return &s.executions }
func (s *MemStore) Verdicts() VerdictCache     { return &s.verdicts }
func (s *MemStore) Close() error               { return nil }

type memSessions struct {
	mu sync.RWMutex
	m  map[string]*models.Session
}

func (s *memSessions) Put(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *session
	s.m[session.ID] = &clone
	return nil
}

func (s *memSessions) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *sess
	return &clone, nil
}

func (s *memSessions) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}

type memChannels struct {
	mu sync.RWMutex
	m  map[string]*models.Channel
}

func (s *memChannels) Put(_ context.Context, channel *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *channel
	s.m[channel.ID] = &clone
	return nil
}

func (s *memChannels) Get(_ context.Context, id string) (*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *ch
	return &clone, nil
}

func (s *memChannels) List(_ context.Context) ([]*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Channel, 0, len(s.m))
	for _, ch := range s.m {
		clone := *ch
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memChannels) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}

type memTasks struct {
	mu sync.RWMutex
	m  map[string]map[string]*models.Task
}

func (s *memTasks) Put(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.m[task.ChannelID]
	if !ok {
		byID = make(map[string]*models.Task)
		s.m[task.ChannelID] = byID
	}
	clone := *task
	byID[task.ID] = &clone
	return nil
}

func (s *memTasks) Get(_ context.Context, channelID, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.m[channelID][taskID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (s *memTasks) List(_ context.Context, channelID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Task, 0, len(s.m[channelID]))
	for _, task := range s.m[channelID] {
		clone := *task
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memTasks) Delete(_ context.Context, channelID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m[channelID], taskID)
	return nil
}

type memMemories struct {
	mu sync.RWMutex
	m  map[string]map[string]*models.MemoryRecord
}

func (s *memMemories) Put(_ context.Context, record *models.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.m[record.ChannelID]
	if !ok {
		byID = make(map[string]*models.MemoryRecord)
		s.m[record.ChannelID] = byID
	}
	clone := *record
	byID[record.ID] = &clone
	return nil
}

func (s *memMemories) Get(_ context.Context, channelID, id string) (*models.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.m[channelID][id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *memMemories) List(_ context.Context, channelID string) ([]*models.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.MemoryRecord, 0, len(s.m[channelID]))
	for _, rec := range s.m[channelID] {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memMemories) Delete(_ context.Context, channelID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m[channelID], id)
	return nil
}

type memGraph struct {
	mu       sync.RWMutex
	entities map[string]map[string]*models.Entity
	rels     map[string][]*models.Relationship
}

func (s *memGraph) PutEntity(_ context.Context, entity *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.entities[entity.ChannelID]
	if !ok {
		byID = make(map[string]*models.Entity)
		s.entities[entity.ChannelID] = byID
	}
	clone := *entity
	byID[entity.ID] = &clone
	return nil
}

func (s *memGraph) GetEntity(_ context.Context, channelID, id string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[channelID][id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (s *memGraph) ListEntities(_ context.Context, channelID string) ([]*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Entity, 0, len(s.entities[channelID]))
	for _, e := range s.entities[channelID] {
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memGraph) PutRelationship(_ context.Context, rel *models.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rel
	for i, existing := range s.rels[rel.ChannelID] {
		if existing.ID == rel.ID {
			s.rels[rel.ChannelID][i] = &clone
			return nil
		}
	}
	s.rels[rel.ChannelID] = append(s.rels[rel.ChannelID], &clone)
	return nil
}

func (s *memGraph) ListRelationships(_ context.Context, channelID string) ([]*models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Relationship, 0, len(s.rels[channelID]))
	for _, r := range s.rels[channelID] {
		clone := *r
		out = append(out, &clone)
	}
	return out, nil
}

type memExecutions struct {
	mu      sync.RWMutex
	records []*models.ExecutionRecord
}

func (s *memExecutions) Append(_ context.Context, record *models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records = append(s.records, &clone)
	return nil
}

func (s *memExecutions) Recent(_ context.Context, tool, agentID string, limit int) ([]*models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ExecutionRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if r.Tool != tool {
			continue
		}
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		clone := *r
		out = append(out, &clone)
	}
	return out, nil
}

type cachedVerdict struct {
	verdict models.Verdict
	expires time.Time
}

type memVerdicts struct {
	mu sync.RWMutex
	m  map[string]cachedVerdict
}

func (s *memVerdicts) Get(_ context.Context, fingerprint string) (*models.Verdict, bool, error) {
	s.mu.RLock()
	entry, ok := s.m[fingerprint]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false, nil
	}
	clone := entry.verdict
	return &clone, true, nil
}

func (s *memVerdicts) Put(_ context.Context, fingerprint string, verdict *models.Verdict, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[fingerprint] = cachedVerdict{verdict: *verdict, expires: time.Now().Add(ttl)}
	return nil
}
