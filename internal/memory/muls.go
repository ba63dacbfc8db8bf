package memory

import (
	"context"

	"github.com/modelexchange/mxf/pkg/models"
)

// phaseWeight scales a reward by the phase the memory was used in: memories
// consulted while reasoning or planning contributed more to the outcome
// than those merely observed.
func (l *Layer) phaseWeight(phase models.Phase) float64 {
	if w, ok := l.cfg.PhaseWeights[phase]; ok {
		return w
	}
	return 1.0
}

// Attribute applies a task outcome reward to every memory referenced during
// the task, with the TD update
//
//	Q ← Q + α · (reward · w(phase) − Q)
//
// clamped to the configured bounds. Missing memories are skipped silently
// with a counter increment. Knowledge-graph entities referenced by the
// updated memories receive the same update in parallel.
func (l *Layer) Attribute(ctx context.Context, taskID string, reward float64) error {
	l.mu.Lock()
	used := l.usage[taskID]
	delete(l.usage, taskID)
	l.mu.Unlock()
	if len(used) == 0 {
		return nil
	}

	alpha := l.cfg.LearningRate
	if alpha <= 0 {
		alpha = 0.1
	}

	type update struct {
		memoryID string
		qValue   float64
	}
	var updates []update
	entityRefs := make(map[string]string) // entity id -> channel id
	var channelID string

	for _, u := range used {
		channelID = u.channelID
		record, err := l.store.Get(ctx, u.channelID, u.memoryID)
		if err != nil {
			if l.metrics != nil {
				l.metrics.MissingAttributions.Inc()
			}
			continue
		}
		target := reward * l.phaseWeight(u.phase)
		record.QValue = clampQ(record.QValue+alpha*(target-record.QValue), l.cfg.QMin, l.cfg.QMax)
		if err := l.store.Put(ctx, record); err != nil {
			l.logger.Warn(ctx, "q-value write failed", "memory_id", u.memoryID, "error", err)
			continue
		}
		if l.metrics != nil {
			l.metrics.QUpdates.WithLabelValues(string(u.phase)).Inc()
		}
		updates = append(updates, update{memoryID: u.memoryID, qValue: record.QValue})
		for _, ref := range record.EntityRefs {
			entityRefs[ref] = u.channelID
		}

		l.emit(models.NewEvent(models.EventQValueUpdated, map[string]any{
			"memoryId": u.memoryID,
			"qValue":   record.QValue,
			"phase":    string(u.phase),
			"reward":   reward,
		}).WithChannel(u.channelID))
	}

	l.attributeEntities(ctx, entityRefs, reward, alpha)

	if len(updates) > 0 {
		l.emit(models.NewEvent(models.EventQValueBatchUpdated, map[string]any{
			"taskId": taskID,
			"count":  len(updates),
		}).WithChannel(channelID))
	}
	l.emit(models.NewEvent(models.EventRewardAttributed, map[string]any{
		"taskId": taskID,
		"reward": reward,
		"count":  len(updates),
	}).WithChannel(channelID))
	return nil
}

// attributeEntities propagates rewards to knowledge-graph entities
// referenced by the rewarded memories.
func (l *Layer) attributeEntities(ctx context.Context, refs map[string]string, reward, alpha float64) {
	if l.graph == nil {
		return
	}
	for entityID, channelID := range refs {
		entity, err := l.graph.GetEntity(ctx, channelID, entityID)
		if err != nil {
			continue
		}
		entity.QValue = clampQ(entity.QValue+alpha*(reward-entity.QValue), l.cfg.QMin, l.cfg.QMax)
		if err := l.graph.PutEntity(ctx, entity); err != nil {
			l.logger.Warn(ctx, "entity q-value write failed", "entity_id", entityID, "error", err)
		}
	}
}
