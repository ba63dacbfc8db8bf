// Package dag maintains the per-channel task dependency graph: cycle-safe
// edge insertion, dependency-respecting status transitions, readiness
// re-evaluation, Kahn execution levels, and the critical path.
package dag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

var (
	// ErrCycle is returned when an edge would make the graph cyclic.
	ErrCycle = errors.New("cycle detected")
	// ErrBlocked is returned when a task cannot start because a dependency
	// is not completed.
	ErrBlocked = errors.New("task blocked by dependencies")
	// ErrUnknownTask is returned for operations on missing tasks.
	ErrUnknownTask = errors.New("unknown task")
	// ErrBadTransition is returned for illegal status transitions.
	ErrBadTransition = errors.New("invalid status transition")
)

// Emitter is the bus slice the scheduler needs.
type Emitter interface {
	Emit(ev models.Event)
}

// Scheduler owns one graph per channel. Graphs lock independently;
// operations spanning channels take channel locks in id order.
type Scheduler struct {
	mu     sync.Mutex
	graphs map[string]*graph

	store      storage.TaskStore
	emitter    Emitter
	logger     *observability.Logger
	autoAssign bool
}

type graph struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	// dependents inverts DependsOn: dependency id -> ids of tasks waiting
	// on it.
	dependents map[string][]string
}

// Options configure the scheduler.
type Options struct {
	// AutoAssign assigns newly unblocked tasks to the completing task's
	// agent when they have no assignee.
	AutoAssign bool
}

// NewScheduler creates a task scheduler. The store may be nil in tests.
func NewScheduler(store storage.TaskStore, emitter Emitter, logger *observability.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Scheduler{
		graphs:     make(map[string]*graph),
		store:      store,
		emitter:    emitter,
		logger:     logger.WithComponent("dag"),
		autoAssign: opts.AutoAssign,
	}
}

func (s *Scheduler) channel(channelID string) *graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[channelID]
	if !ok {
		g = &graph{
			tasks:      make(map[string]*models.Task),
			dependents: make(map[string][]string),
		}
		s.graphs[channelID] = g
	}
	return g
}

// CreateTask adds a task to its channel graph. Dependencies listed on the
// task are inserted as edges; an edge that would create a cycle fails the
// whole creation. A task whose dependencies are all completed (or absent)
// is immediately ready.
func (s *Scheduler) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task.ChannelID == "" {
		return nil, fmt.Errorf("task channel id is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	g := s.channel(task.ChannelID)
	g.mu.Lock()
	if _, exists := g.tasks[task.ID]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", task.ID, storage.ErrAlreadyExists)
	}
	for _, dep := range task.DependsOn {
		if _, ok := g.tasks[dep]; !ok {
			g.mu.Unlock()
			return nil, fmt.Errorf("dependency %s: %w", dep, ErrUnknownTask)
		}
	}
	clone := *task
	g.tasks[task.ID] = &clone
	for _, dep := range task.DependsOn {
		g.dependents[dep] = append(g.dependents[dep], task.ID)
	}
	blocked := g.blockersLocked(task.ID)
	g.mu.Unlock()

	if err := s.persist(ctx, &clone); err != nil {
		return nil, err
	}
	s.emit(models.NewEvent(models.EventTaskCreated, clone).WithChannel(task.ChannelID))
	if len(blocked) == 0 && len(task.DependsOn) > 0 {
		s.emit(models.NewEvent(models.EventDAGDependenciesResolved, map[string]any{
			"taskId": task.ID,
		}).WithChannel(task.ChannelID))
	}
	result := clone
	return &result, nil
}

// AddEdge inserts `dependent depends on dependency`. Both endpoints must be
// in the channel. An edge that would create a cycle is rejected with a
// dag:cycle_detected event naming the path.
func (s *Scheduler) AddEdge(ctx context.Context, channelID, dependent, dependency string) error {
	g := s.channel(channelID)
	g.mu.Lock()
	depTask, ok := g.tasks[dependent]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("dependent %s: %w", dependent, ErrUnknownTask)
	}
	if _, ok := g.tasks[dependency]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("dependency %s: %w", dependency, ErrUnknownTask)
	}
	for _, existing := range depTask.DependsOn {
		if existing == dependency {
			g.mu.Unlock()
			return nil
		}
	}
	// Reachability check: if the dependency already (transitively) depends
	// on the dependent, the edge closes a cycle.
	if path := g.pathLocked(dependency, dependent); path != nil {
		cyclePath := append([]string{dependent}, path...)
		g.mu.Unlock()
		s.emit(models.NewEvent(models.EventDAGCycleDetected, map[string]any{
			"cyclePath": cyclePath,
		}).WithChannel(channelID))
		return fmt.Errorf("%w: %v", ErrCycle, cyclePath)
	}
	depTask.DependsOn = append(depTask.DependsOn, dependency)
	depTask.UpdatedAt = time.Now()
	g.dependents[dependency] = append(g.dependents[dependency], dependent)
	clone := *depTask
	g.mu.Unlock()

	return s.persist(ctx, &clone)
}

// RemoveEdge deletes a dependency edge. Missing edges are ignored.
func (s *Scheduler) RemoveEdge(ctx context.Context, channelID, dependent, dependency string) error {
	g := s.channel(channelID)
	g.mu.Lock()
	depTask, ok := g.tasks[dependent]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("dependent %s: %w", dependent, ErrUnknownTask)
	}
	for i, existing := range depTask.DependsOn {
		if existing == dependency {
			depTask.DependsOn = append(depTask.DependsOn[:i], depTask.DependsOn[i+1:]...)
			break
		}
	}
	deps := g.dependents[dependency]
	for i, id := range deps {
		if id == dependent {
			g.dependents[dependency] = append(deps[:i:i], deps[i+1:]...)
			break
		}
	}
	depTask.UpdatedAt = time.Now()
	clone := *depTask
	g.mu.Unlock()

	return s.persist(ctx, &clone)
}

// SetStatus transitions a task. Terminal states are sticky; transitions to
// assigned, in-progress, or completed are rejected with dag:task_blocked
// while any dependency is incomplete; completion re-evaluates dependents
// and emits dag:task_unblocked for newly ready tasks.
func (s *Scheduler) SetStatus(ctx context.Context, channelID, taskID string, status models.TaskStatus) error {
	g := s.channel(channelID)
	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
	}
	if task.Status == status {
		g.mu.Unlock()
		return nil
	}
	if !models.CanTransition(task.Status, status) {
		from := task.Status
		g.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, status)
	}
	if status == models.TaskStatusAssigned || status == models.TaskStatusInProgress || status == models.TaskStatusCompleted {
		if blockers := g.blockersLocked(taskID); len(blockers) > 0 {
			g.mu.Unlock()
			s.emit(models.NewEvent(models.EventDAGTaskBlocked, map[string]any{
				"taskId":   taskID,
				"blocking": blockers,
			}).WithChannel(channelID))
			return fmt.Errorf("%w: %v", ErrBlocked, blockers)
		}
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	clone := *task

	type unblockedTask struct {
		id        string
		remaining []string
		assignee  string
	}
	var unblocked []unblockedTask
	if status == models.TaskStatusCompleted {
		for _, dependentID := range g.dependents[taskID] {
			dependent, ok := g.tasks[dependentID]
			if !ok || dependent.Status.IsTerminal() {
				continue
			}
			remaining := g.blockersLocked(dependentID)
			if len(remaining) == 0 {
				if dependent.Status == models.TaskStatusBlocked {
					dependent.Status = models.TaskStatusPending
					dependent.UpdatedAt = time.Now()
				}
				unblocked = append(unblocked, unblockedTask{
					id:        dependentID,
					remaining: remaining,
					assignee:  dependent.AssignedTo,
				})
			}
		}
	}
	g.mu.Unlock()

	if err := s.persist(ctx, &clone); err != nil {
		return err
	}
	s.emit(models.NewEvent(statusEvent(status), clone).WithChannel(channelID))

	for _, u := range unblocked {
		s.emit(models.NewEvent(models.EventDAGTaskUnblocked, map[string]any{
			"taskId":            u.id,
			"remainingBlockers": u.remaining,
		}).WithChannel(channelID))
		if s.autoAssign && u.assignee == "" && clone.AssignedTo != "" {
			if err := s.Assign(ctx, channelID, u.id, clone.AssignedTo); err != nil {
				s.logger.Warn(ctx, "auto-assign failed", "task_id", u.id, "error", err)
			}
		}
	}
	return nil
}

// Assign sets the task's assignee and moves it to assigned.
func (s *Scheduler) Assign(ctx context.Context, channelID, taskID, agentID string) error {
	g := s.channel(channelID)
	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
	}
	task.AssignedTo = agentID
	g.mu.Unlock()
	return s.SetStatus(ctx, channelID, taskID, models.TaskStatusAssigned)
}

// Get returns a copy of one task.
func (s *Scheduler) Get(channelID, taskID string) (*models.Task, error) {
	g := s.channel(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
	}
	clone := *task
	return &clone, nil
}

// Ready lists tasks whose every dependency is completed and that have not
// started, id-sorted.
func (s *Scheduler) Ready(channelID string) []string {
	g := s.channel(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()
	var ready []string
	for id, task := range g.tasks {
		if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusBlocked {
			continue
		}
		if len(g.blockersLocked(id)) == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// ExecutionLevels buckets tasks with Kahn's algorithm: level 0 has no
// dependencies, level k+1 depends only on levels 0..k. Tasks within a level
// are mutually independent and may run concurrently.
func (s *Scheduler) ExecutionLevels(channelID string) ([][]string, error) {
	g := s.channel(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()

	indegree := make(map[string]int, len(g.tasks))
	for id, task := range g.tasks {
		indegree[id] = len(task.DependsOn)
	}

	var levels [][]string
	remaining := len(g.tasks)
	var current []string
	for id, deg := range indegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		remaining -= len(current)
		var next []string
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}
	if remaining > 0 {
		return nil, ErrCycle
	}

	s.emit(models.NewEvent(models.EventDAGOrderComputed, map[string]any{
		"levels": levels,
	}).WithChannel(channelID))
	return levels, nil
}

// CriticalPath returns the longest dependency chain (unit weights),
// dependency-first.
func (s *Scheduler) CriticalPath(channelID string) []string {
	g := s.channel(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()

	// Longest path ending at each node, memoised over dependency edges.
	memo := make(map[string][]string, len(g.tasks))
	var longestTo func(id string) []string
	longestTo = func(id string) []string {
		if path, ok := memo[id]; ok {
			return path
		}
		task := g.tasks[id]
		var best []string
		for _, dep := range task.DependsOn {
			if candidate := longestTo(dep); len(candidate) > len(best) {
				best = candidate
			}
		}
		path := append(append([]string(nil), best...), id)
		memo[id] = path
		return path
	}

	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var critical []string
	for _, id := range ids {
		if path := longestTo(id); len(path) > len(critical) {
			critical = path
		}
	}
	return critical
}

// List returns copies of the channel's tasks, id-sorted.
func (s *Scheduler) List(channelID string) []*models.Task {
	g := s.channel(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*models.Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		clone := *task
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load rebuilds a channel graph from persisted tasks on startup.
func (s *Scheduler) Load(ctx context.Context, channelID string) error {
	if s.store == nil {
		return nil
	}
	tasks, err := s.store.List(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	g := s.channel(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, task := range tasks {
		clone := *task
		g.tasks[task.ID] = &clone
		for _, dep := range task.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], task.ID)
		}
	}
	return nil
}

// blockersLocked lists incomplete dependencies of a task.
func (g *graph) blockersLocked(taskID string) []string {
	task, ok := g.tasks[taskID]
	if !ok {
		return nil
	}
	var blockers []string
	for _, dep := range task.DependsOn {
		if depTask, ok := g.tasks[dep]; !ok || depTask.Status != models.TaskStatusCompleted {
			blockers = append(blockers, dep)
		}
	}
	sort.Strings(blockers)
	return blockers
}

// pathLocked finds a dependency path from -> ... -> to, or nil.
func (g *graph) pathLocked(from, to string) []string {
	visited := make(map[string]bool)
	var dfs func(id string) []string
	dfs = func(id string) []string {
		if id == to {
			return []string{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		task, ok := g.tasks[id]
		if !ok {
			return nil
		}
		deps := append([]string(nil), task.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if rest := dfs(dep); rest != nil {
				return append([]string{id}, rest...)
			}
		}
		return nil
	}
	return dfs(from)
}

func (s *Scheduler) persist(ctx context.Context, task *models.Task) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Put(ctx, task); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Scheduler) emit(ev models.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}

func statusEvent(status models.TaskStatus) models.EventKind {
	switch status {
	case models.TaskStatusAssigned:
		return models.EventTaskAssigned
	case models.TaskStatusInProgress:
		return models.EventTaskStarted
	case models.TaskStatusCompleted:
		return models.EventTaskCompleted
	case models.TaskStatusFailed:
		return models.EventTaskFailed
	case models.TaskStatusCancelled:
		return models.EventTaskCancelled
	default:
		return models.EventTaskProgressUpdated
	}
}
