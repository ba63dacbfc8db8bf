// Package builtin provides the internal tools every MXF deployment ships
// with. Input schemas are reflected from the argument structs so the
// validation pipeline and the registry always agree on the shape.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/modelexchange/mxf/internal/tools"
	"github.com/modelexchange/mxf/pkg/models"
)

// Emitter is the bus slice builtin tools need.
type Emitter interface {
	Emit(ev models.Event)
}

// TaskCreator creates tasks in a channel graph.
type TaskCreator interface {
	CreateTask(ctx context.Context, task *models.Task) (*models.Task, error)
}

// Retriever performs phase-aware memory retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, channelID, query string, phase models.Phase, limit int) ([]models.ScoredMemory, error)
}

// Deps are the collaborators the builtin tools close over.
type Deps struct {
	Registry *tools.Registry
	Emitter  Emitter
	Tasks    TaskCreator
	Memory   Retriever
}

// RegisterAll registers every builtin tool on the registry.
func RegisterAll(reg *tools.Registry, deps Deps) error {
	deps.Registry = reg
	for _, install := range []func(Deps) error{
		installToolHelp,
		installMessagingSend,
		installTaskCreate,
		installMemorySearch,
	} {
		if err := install(deps); err != nil {
			return err
		}
	}
	return nil
}

// schemaFor reflects a JSON schema from an input struct.
func schemaFor(v any) json.RawMessage {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(v)
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// toolHelpInput asks for usage details of a registered tool.
type toolHelpInput struct {
	ToolName string `json:"toolName" jsonschema:"required,description=Name of the tool to describe"`
}

type toolHelpOutput struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Source      string          `json:"source"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func installToolHelp(deps Deps) error {
	def := models.ToolDefinition{
		Name:         "tool_help",
		Description:  "Describe a registered tool: its purpose, source, and input schema.",
		InputSchema:  schemaFor(&toolHelpInput{}),
		Source:       models.SourceInternal,
		RiskBaseline: models.LevelAsync,
	}
	handler := tools.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in toolHelpInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		d, _, err := deps.Registry.Resolve(in.ToolName)
		if err != nil {
			return nil, err
		}
		return json.Marshal(toolHelpOutput{
			Name:        d.Name,
			Description: d.Description,
			Source:      string(d.Source),
			InputSchema: d.InputSchema,
		})
	})
	return deps.Registry.Register(def, handler)
}

// messagingSendInput posts a message into a channel room.
type messagingSendInput struct {
	ChannelID string `json:"channelId" jsonschema:"required,description=Target channel id"`
	Content   string `json:"content" jsonschema:"required,description=Message body"`
}

func installMessagingSend(deps Deps) error {
	def := models.ToolDefinition{
		Name:         "messaging_send",
		Description:  "Send a message to every agent in a channel.",
		InputSchema:  schemaFor(&messagingSendInput{}),
		Source:       models.SourceInternal,
		RiskBaseline: models.LevelBlocking,
	}
	handler := tools.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in messagingSendInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		if deps.Emitter != nil {
			ev := models.NewEvent(models.EventMessageChannel, map[string]string{
				"content": in.Content,
			}).WithChannel(in.ChannelID)
			deps.Emitter.Emit(ev)
		}
		return json.Marshal(map[string]any{"delivered": true, "channelId": in.ChannelID})
	})
	return deps.Registry.Register(def, handler)
}

// taskCreateInput adds a task to a channel's dependency graph.
type taskCreateInput struct {
	ChannelID   string   `json:"channelId" jsonschema:"required"`
	Title       string   `json:"title" jsonschema:"required"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority,omitempty" jsonschema:"minimum=0,maximum=3"`
	DependsOn   []string `json:"dependsOn,omitempty"`
}

func installTaskCreate(deps Deps) error {
	def := models.ToolDefinition{
		Name:         "task_create",
		Description:  "Create a task in the channel's dependency graph.",
		InputSchema:  schemaFor(&taskCreateInput{}),
		Source:       models.SourceInternal,
		RiskBaseline: models.LevelBlocking,
	}
	handler := tools.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in taskCreateInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		if deps.Tasks == nil {
			return nil, fmt.Errorf("task scheduler unavailable")
		}
		task, err := deps.Tasks.CreateTask(ctx, &models.Task{
			ChannelID:   in.ChannelID,
			Title:       in.Title,
			Description: in.Description,
			Priority:    models.TaskPriority(in.Priority),
			DependsOn:   in.DependsOn,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"taskId": task.ID, "status": string(task.Status)})
	})
	return deps.Registry.Register(def, handler)
}

// memorySearchInput retrieves memories for the calling agent's phase.
type memorySearchInput struct {
	ChannelID string `json:"channelId" jsonschema:"required"`
	Query     string `json:"query" jsonschema:"required"`
	Phase     string `json:"phase,omitempty" jsonschema:"enum=observe,enum=reason,enum=plan,enum=act,enum=reflect"`
	Limit     int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
}

func installMemorySearch(deps Deps) error {
	def := models.ToolDefinition{
		Name:         "memory_search",
		Description:  "Phase-aware hybrid search over channel memories.",
		InputSchema:  schemaFor(&memorySearchInput{}),
		Source:       models.SourceInternal,
		RiskBaseline: models.LevelAsync,
	}
	handler := tools.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in memorySearchInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		if deps.Memory == nil {
			return nil, fmt.Errorf("memory layer unavailable")
		}
		phase := models.Phase(in.Phase)
		if in.Phase == "" {
			phase = models.PhaseObserve
		}
		if !models.ValidPhase(phase) {
			return nil, fmt.Errorf("unknown phase %q", in.Phase)
		}
		limit := in.Limit
		if limit <= 0 {
			limit = 10
		}
		results, err := deps.Memory.Retrieve(ctx, in.ChannelID, in.Query, phase, limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(results)
	})
	return deps.Registry.Register(def, handler)
}
