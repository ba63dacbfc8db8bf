package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

func TestTaskCollection(t *testing.T) {
	ctx := context.Background()
	tasks := NewMemStore().Tasks()

	if err := tasks.Put(ctx, &models.Task{ID: "t2", ChannelID: "c1", Title: "second"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tasks.Put(ctx, &models.Task{ID: "t1", ChannelID: "c1", Title: "first"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = tasks.Put(ctx, &models.Task{ID: "t9", ChannelID: "c2", Title: "other channel"})

	got, err := tasks.Get(ctx, "c1", "t1")
	if err != nil || got.Title != "first" {
		t.Fatalf("get: %v %+v", err, got)
	}
	if _, err := tasks.Get(ctx, "c1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task: %v", err)
	}

	list, err := tasks.List(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "t1" || list[1].ID != "t2" {
		t.Errorf("list = %v", list)
	}

	if err := tasks.Delete(ctx, "c1", "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := tasks.Get(ctx, "c1", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted task still readable: %v", err)
	}
}

func TestTaskPutStoresCopy(t *testing.T) {
	ctx := context.Background()
	tasks := NewMemStore().Tasks()
	task := &models.Task{ID: "t1", ChannelID: "c1", Title: "orig"}
	_ = tasks.Put(ctx, task)
	task.Title = "mutated"

	got, _ := tasks.Get(ctx, "c1", "t1")
	if got.Title != "orig" {
		t.Error("store shares memory with the caller")
	}
	got.Title = "mutated again"
	again, _ := tasks.Get(ctx, "c1", "t1")
	if again.Title != "orig" {
		t.Error("Get leaked internal state")
	}
}

func TestMemoryCollection(t *testing.T) {
	ctx := context.Background()
	memories := NewMemStore().Memories()

	rec := &models.MemoryRecord{ID: "m1", ChannelID: "c1", Content: "note", Stratum: models.StratumEpisodic}
	if err := memories.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := memories.Get(ctx, "c1", "m1")
	if err != nil || got.Content != "note" {
		t.Fatalf("get: %v %+v", err, got)
	}
	if _, err := memories.Get(ctx, "c2", "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-channel read: %v", err)
	}

	_ = memories.Put(ctx, &models.MemoryRecord{ID: "m0", ChannelID: "c1"})
	list, _ := memories.List(ctx, "c1")
	if len(list) != 2 || list[0].ID != "m0" {
		t.Errorf("list = %v", list)
	}

	_ = memories.Delete(ctx, "c1", "m1")
	if _, err := memories.Get(ctx, "c1", "m1"); !errors.Is(err, ErrNotFound) {
		t.Error("delete did not remove the record")
	}
}

func TestSessionAndChannelCollections(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_ = store.Sessions().Put(ctx, &models.Session{ID: "s1"})
	if _, err := store.Sessions().Get(ctx, "s1"); err != nil {
		t.Errorf("session get: %v", err)
	}
	_ = store.Sessions().Delete(ctx, "s1")
	if _, err := store.Sessions().Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted session: %v", err)
	}

	_ = store.Channels().Put(ctx, &models.Channel{ID: "c2", Name: "beta"})
	_ = store.Channels().Put(ctx, &models.Channel{ID: "c1", Name: "alpha"})
	channels, err := store.Channels().List(ctx)
	if err != nil {
		t.Fatalf("channel list: %v", err)
	}
	if len(channels) != 2 || channels[0].ID != "c1" {
		t.Errorf("channels = %v", channels)
	}
}

func TestExecutionsRecent(t *testing.T) {
	ctx := context.Background()
	execs := NewMemStore().Executions()

	for i, rec := range []*models.ExecutionRecord{
		{Tool: "tool_help", AgentID: "a1", Success: true},
		{Tool: "tool_help", AgentID: "a2", Success: false},
		{Tool: "task_create", AgentID: "a1", Success: true},
		{Tool: "tool_help", AgentID: "a1", Success: false},
	} {
		rec.Timestamp = time.Unix(int64(1000+i), 0)
		if err := execs.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recent, err := execs.Recent(ctx, "tool_help", "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d records", len(recent))
	}
	if !recent[0].Timestamp.After(recent[1].Timestamp) {
		t.Error("records not newest first")
	}

	byAgent, _ := execs.Recent(ctx, "tool_help", "a1", 10)
	if len(byAgent) != 2 {
		t.Errorf("agent filter returned %d records", len(byAgent))
	}

	limited, _ := execs.Recent(ctx, "tool_help", "", 1)
	if len(limited) != 1 || limited[0].Success {
		t.Errorf("limit returned %v", limited)
	}
}

func TestVerdictCacheTTL(t *testing.T) {
	ctx := context.Background()
	verdicts := NewMemStore().Verdicts()

	v := &models.Verdict{Valid: true, Confidence: 0.9}
	if err := verdicts.Put(ctx, "fp-1", v, 50*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := verdicts.Get(ctx, "fp-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !got.Valid || got.Confidence != 0.9 {
		t.Errorf("verdict = %+v", got)
	}

	if _, ok, _ := verdicts.Get(ctx, "fp-unknown"); ok {
		t.Error("unknown fingerprint hit")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := verdicts.Get(ctx, "fp-1"); ok {
		t.Error("expired entry served")
	}
}

func TestGraphCollections(t *testing.T) {
	ctx := context.Background()
	graph := NewMemStore().Graph()

	_ = graph.PutEntity(ctx, &models.Entity{ID: "e1", ChannelID: "c1", Type: "service", Name: "billing"})
	_ = graph.PutEntity(ctx, &models.Entity{ID: "e2", ChannelID: "c1", Type: "service", Name: "payments"})

	e, err := graph.GetEntity(ctx, "c1", "e1")
	if err != nil || e.Name != "billing" {
		t.Fatalf("get entity: %v %+v", err, e)
	}
	if _, err := graph.GetEntity(ctx, "c1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing entity: %v", err)
	}
	entities, _ := graph.ListEntities(ctx, "c1")
	if len(entities) != 2 || entities[0].ID != "e1" {
		t.Errorf("entities = %v", entities)
	}

	rel := &models.Relationship{ID: "r1", ChannelID: "c1", From: "e1", To: "e2", Type: "depends_on"}
	_ = graph.PutRelationship(ctx, rel)
	// Same id replaces instead of appending.
	rel.Type = "calls"
	_ = graph.PutRelationship(ctx, rel)

	rels, _ := graph.ListRelationships(ctx, "c1")
	if len(rels) != 1 || rels[0].Type != "calls" {
		t.Errorf("relationships = %v", rels)
	}
}
