package models

import "time"

// MemoryKind categorizes what a memory record captures.
type MemoryKind string

const (
	MemoryConversation MemoryKind = "conversation"
	MemoryAction       MemoryKind = "action"
	MemoryPattern      MemoryKind = "pattern"
	MemoryObservation  MemoryKind = "observation"
)

// Stratum is the memory shelf a record sits on. Records start episodic;
// consolidation promotes them to semantic or abstracts them to procedural.
type Stratum string

const (
	StratumEpisodic   Stratum = "episodic"
	StratumSemantic   Stratum = "semantic"
	StratumProcedural Stratum = "procedural"
)

// Phase is one step of the ORPAR cognitive cycle.
type Phase string

const (
	PhaseObserve Phase = "observe"
	PhaseReason  Phase = "reason"
	PhasePlan    Phase = "plan"
	PhaseAct     Phase = "act"
	PhaseReflect Phase = "reflect"
)

// Phases lists the cycle in order.
var Phases = []Phase{PhaseObserve, PhaseReason, PhasePlan, PhaseAct, PhaseReflect}

// ValidPhase reports whether p is a known ORPAR phase.
func ValidPhase(p Phase) bool {
	for _, q := range Phases {
		if q == p {
			return true
		}
	}
	return false
}

// MemoryRecord is one stored memory with its learned utility.
type MemoryRecord struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"channel_id"`
	AgentID   string     `json:"agent_id,omitempty"`
	Kind      MemoryKind `json:"kind"`

	// Content is the retrievable text; Fields carries structured extras.
	Content string         `json:"content"`
	Fields  map[string]any `json:"fields,omitempty"`

	// Embedding has the configured fixed dimensionality.
	Embedding []float32 `json:"embedding,omitempty"`

	Stratum Stratum `json:"stratum"`

	// QValue is the learned utility, clamped to the configured bounds.
	// New records start at zero.
	QValue float64 `json:"q_value"`

	UsageCount   int       `json:"usage_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Archived     bool      `json:"archived,omitempty"`

	// EntityRefs links the record to knowledge-graph entities.
	EntityRefs []string `json:"entity_refs,omitempty"`
}

// Entity is a knowledge-graph node extracted from memory records.
type Entity struct {
	ID         string            `json:"id"`
	ChannelID  string            `json:"channel_id"`
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Confidence float64           `json:"confidence"`
	QValue     float64           `json:"q_value"`
}

// Relationship is a directed knowledge-graph edge between two entities.
type Relationship struct {
	ID         string            `json:"id"`
	ChannelID  string            `json:"channel_id"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Type       string            `json:"type"`
	Confidence float64           `json:"confidence"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ScoredMemory pairs a retrieved record with its similarity and blended
// utility score.
type ScoredMemory struct {
	Record     *MemoryRecord `json:"record"`
	Similarity float64       `json:"similarity"`
	Score      float64       `json:"score"`
}
