package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// handleEvent routes one inbound frame to the owning subsystem. Unknown
// kinds are answered with agent:error rather than dropped silently, so a
// client bug surfaces at the client.
func (s *wsSession) handleEvent(ev models.Event) {
	_ = s.server.sessions.Heartbeat(s.sessionID)

	switch ev.Kind {
	case models.EventHeartbeat:
		s.reply(models.NewEvent(models.EventHeartbeatResponse, map[string]any{
			"timestamp": time.Now().UnixMilli(),
		}).WithAgent(s.agentID).WithRequestID(ev.Meta.RequestID))

	case models.EventAgentJoinChannel:
		var payload channelPayload
		if err := ev.DecodeData(&payload); err != nil || payload.ChannelID == "" {
			s.sendError(ev, models.ErrKindInput, models.CodeMissingParameters, "channel_id is required")
			return
		}
		s.joinChannel(payload.ChannelID)

	case models.EventAgentLeftChannel:
		var payload channelPayload
		if err := ev.DecodeData(&payload); err != nil || payload.ChannelID == "" {
			s.sendError(ev, models.ErrKindInput, models.CodeMissingParameters, "channel_id is required")
			return
		}
		if err := s.server.sessions.LeaveChannel(s.sessionID, payload.ChannelID); err != nil {
			s.sendError(ev, models.ErrKindInput, models.CodeNotInChannel, err.Error())
		}

	case models.EventChannelCreate:
		s.handleChannelCreate(ev)

	case models.EventMessageChannel:
		s.handleChannelMessage(ev)

	case models.EventMessageAgent:
		s.handleAgentMessage(ev)

	case models.EventToolCall:
		s.handleToolCall(ev)

	case models.EventORPARObserve, models.EventORPARReason, models.EventORPARPlan,
		models.EventORPARAct, models.EventORPARReflect:
		s.handlePhase(ev)

	case models.EventORPARStatus:
		s.server.orpar.Status(s.agentID)

	case models.EventORPARClearState:
		s.server.orpar.ClearState(s.agentID)

	case models.EventTaskAssigned, models.EventTaskStarted, models.EventTaskCompleted,
		models.EventTaskFailed, models.EventTaskCancelled, models.EventTaskProgressUpdated:
		s.handleTaskStatus(ev)

	case models.EventMemoryCreate, models.EventMemoryUpdate:
		s.handleMemoryWrite(ev)

	case models.EventMemoryGet:
		s.handleMemoryGet(ev)

	case models.EventMemoryDelete:
		s.handleMemoryDelete(ev)

	default:
		s.sendError(ev, models.ErrKindInput, models.CodeInternalError,
			"kind not accepted from clients: "+string(ev.Kind))
	}
}

func (s *wsSession) joinChannel(channelID string) {
	if err := s.server.sessions.JoinChannel(s.sessionID, channelID); err != nil {
		s.reply(models.NewEvent(models.EventAgentError,
			models.NewError(models.ErrKindInput, models.CodeUnknownSession,
				models.SeverityHigh, err.Error())).WithAgent(s.agentID))
		return
	}
	if err := s.server.dag.Load(context.Background(), channelID); err != nil {
		s.logger.Warn(context.Background(), "task graph load failed",
			"channel_id", channelID, "error", err)
	}
	s.reply(models.NewEvent(models.EventAgentJoinedChannel, map[string]string{
		"channel_id": channelID,
	}).WithAgent(s.agentID).WithChannel(channelID))
}

func (s *wsSession) handleChannelCreate(ev models.Event) {
	var channel models.Channel
	if err := ev.DecodeData(&channel); err != nil || channel.Name == "" {
		s.sendError(ev, models.ErrKindInput, models.CodeMissingParameters, "channel name is required")
		return
	}
	if channel.ID == "" {
		channel.ID = uuid.NewString()
	}
	channel.CreatedAt = time.Now()
	ctx := context.Background()
	if err := s.server.store.Channels().Put(ctx, &channel); err != nil {
		s.sendError(ev, models.ErrKindStorage, models.CodeStorageWrite, "channel write failed")
		return
	}
	s.server.bus.Emit(models.NewEvent(models.EventChannelCreated, channel).
		WithAgent(s.agentID).WithChannel(channel.ID).WithRequestID(ev.Meta.RequestID))
}

// handleChannelMessage rebroadcasts a message into the sender's room. The
// sender must be in the channel.
func (s *wsSession) handleChannelMessage(ev models.Event) {
	if ev.ChannelID == "" {
		s.sendError(ev, models.ErrKindInput, models.CodeMissingParameters, "channel_id is required")
		return
	}
	session, ok := s.server.sessions.Get(s.sessionID)
	if !ok || !session.InChannel(ev.ChannelID) {
		s.sendError(ev, models.ErrKindAuthorization, models.CodeNotInChannel,
			"session has not joined the channel")
		return
	}
	out := models.NewEvent(models.EventMessageChannel, ev.Data).
		WithAgent(s.agentID).WithChannel(ev.ChannelID).WithRequestID(ev.Meta.RequestID)
	s.server.bus.Emit(out)
	s.reply(models.NewEvent(models.EventMessageChannelDelivered, map[string]string{
		"channel_id": ev.ChannelID,
	}).WithAgent(s.agentID).WithRequestID(ev.Meta.RequestID))
}

// handleAgentMessage delivers a direct message to every session of the
// target agent.
func (s *wsSession) handleAgentMessage(ev models.Event) {
	if ev.AgentID == "" {
		s.sendError(ev, models.ErrKindInput, models.CodeMissingParameters, "agent_id is required")
		return
	}
	delivered := 0
	out := models.NewEvent(models.EventMessageAgent, ev.Data).
		WithAgent(ev.AgentID).WithRequestID(ev.Meta.RequestID)
	for _, target := range s.server.sessions.List() {
		if target.Identity.AgentID != ev.AgentID {
			continue
		}
		if err := s.server.sessions.Deliver(target.ID, out); err == nil {
			delivered++
		}
	}
	if delivered == 0 {
		s.reply(models.NewEvent(models.EventMessageSendFailed, map[string]string{
			"agent_id": ev.AgentID, "reason": "agent not connected",
		}).WithAgent(s.agentID).WithRequestID(ev.Meta.RequestID))
		return
	}
	s.reply(models.NewEvent(models.EventMessageAgentDelivered, map[string]any{
		"agent_id": ev.AgentID, "sessions": delivered,
	}).WithAgent(s.agentID).WithRequestID(ev.Meta.RequestID))
}

// handleToolCall dispatches asynchronously; the dispatcher emits the
// terminal event. When the call is not channel-scoped, the room cannot
// route the terminal back, so it is delivered directly here.
func (s *wsSession) handleToolCall(ev models.Event) {
	var req models.ToolCallRequest
	if err := ev.DecodeData(&req); err != nil || req.Tool == "" {
		s.sendError(ev, models.ErrKindInput, models.CodeMissingParameters, "tool is required")
		return
	}
	if req.RequestID == "" {
		req.RequestID = ev.Meta.RequestID
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.AgentID = s.agentID

	sessionID := s.sessionID
	go func() {
		ctx := observability.WithSessionID(context.Background(), sessionID)
		ctx = observability.WithRequestID(ctx, req.RequestID)
		output, err := s.server.dispatcher.Dispatch(ctx, sessionID, req)
		if req.ChannelID != "" {
			return // room routing delivered the terminal event
		}
		if err != nil {
			var serr *models.StructuredError
			if !errors.As(err, &serr) {
				serr = models.NewError(models.ErrKindExecution, models.CodeInternalError,
					models.SeverityMedium, "tool call failed")
			}
			s.reply(models.NewEvent(models.EventToolError, serr).
				WithAgent(s.agentID).WithRequestID(req.RequestID))
			return
		}
		s.reply(models.NewEvent(models.EventToolResult, map[string]any{
			"tool":   req.Tool,
			"output": output,
		}).WithAgent(s.agentID).WithRequestID(req.RequestID))
	}()
}

func (s *wsSession) handlePhase(ev models.Event) {
	var payload phasePayload
	_ = ev.DecodeData(&payload)
	channelID := ev.ChannelID
	if channelID == "" {
		channelID = payload.ChannelID
	}
	phase := phaseForKind(ev.Kind)
	if err := s.server.orpar.Advance(context.Background(), s.agentID, channelID, phase); err != nil {
		return // orpar:error already emitted
	}
	if phase == models.PhaseReflect && s.server.consolidator != nil && channelID != "" {
		s.server.consolidator.OnReflect(context.Background(), channelID)
	}
}

func (s *wsSession) handleTaskStatus(ev models.Event) {
	var payload taskStatusPayload
	if err := ev.DecodeData(&payload); err != nil || payload.TaskID == "" {
		s.sendError(ev, models.ErrKindInput, models.CodeMissingParameters, "task_id is required")
		return
	}
	channelID := ev.ChannelID
	if channelID == "" {
		channelID = payload.ChannelID
	}
	ctx := context.Background()

	var err error
	switch ev.Kind {
	case models.EventTaskAssigned:
		agentID := payload.AgentID
		if agentID == "" {
			agentID = s.agentID
		}
		err = s.server.dag.Assign(ctx, channelID, payload.TaskID, agentID)
	case models.EventTaskProgressUpdated:
		// Progress is advisory; rebroadcast to the room without a status
		// transition.
		s.server.bus.Emit(models.NewEvent(models.EventTaskProgressUpdated, payload).
			WithAgent(s.agentID).WithChannel(channelID).WithRequestID(ev.Meta.RequestID))
		return
	default:
		err = s.server.dag.SetStatus(ctx, channelID, payload.TaskID, statusForKind(ev.Kind))
	}
	if err != nil {
		s.sendError(ev, models.ErrKindConsistency, models.CodeInternalError, err.Error())
	}
}

func (s *wsSession) handleMemoryWrite(ev models.Event) {
	resultKind, errKind := models.EventMemoryCreateResult, models.EventMemoryCreateError
	if ev.Kind == models.EventMemoryUpdate {
		resultKind, errKind = models.EventMemoryUpdateResult, models.EventMemoryUpdateError
	}
	var record models.MemoryRecord
	if err := ev.DecodeData(&record); err != nil || record.Content == "" {
		s.memoryError(ev, errKind, models.CodeMissingParameters, "memory content is required")
		return
	}
	if record.ChannelID == "" {
		record.ChannelID = ev.ChannelID
	}
	if record.AgentID == "" {
		record.AgentID = s.agentID
	}
	if ev.Kind == models.EventMemoryUpdate && record.ID == "" {
		s.memoryError(ev, errKind, models.CodeMissingParameters, "memory id is required for update")
		return
	}
	stored, err := s.server.memory.Record(context.Background(), &record)
	if err != nil {
		s.memoryError(ev, errKind, models.CodeStorageWrite, "memory write failed")
		return
	}
	s.reply(models.NewEvent(resultKind, stored).
		WithAgent(s.agentID).WithChannel(stored.ChannelID).WithRequestID(ev.Meta.RequestID))
}

func (s *wsSession) handleMemoryGet(ev models.Event) {
	var payload memoryKeyPayload
	if err := ev.DecodeData(&payload); err != nil || payload.MemoryID == "" {
		s.memoryError(ev, models.EventMemoryGetError, models.CodeMissingParameters, "memory_id is required")
		return
	}
	if payload.ChannelID == "" {
		payload.ChannelID = ev.ChannelID
	}
	record, err := s.server.memory.Get(context.Background(), payload.ChannelID, payload.MemoryID)
	if err != nil {
		s.memoryError(ev, models.EventMemoryGetError, models.CodeInternalError, "memory not found")
		return
	}
	s.reply(models.NewEvent(models.EventMemoryGetResult, record).
		WithAgent(s.agentID).WithChannel(payload.ChannelID).WithRequestID(ev.Meta.RequestID))
}

func (s *wsSession) handleMemoryDelete(ev models.Event) {
	var payload memoryKeyPayload
	if err := ev.DecodeData(&payload); err != nil || payload.MemoryID == "" {
		s.memoryError(ev, models.EventMemoryDeleteError, models.CodeMissingParameters, "memory_id is required")
		return
	}
	if payload.ChannelID == "" {
		payload.ChannelID = ev.ChannelID
	}
	if err := s.server.memory.Delete(context.Background(), payload.ChannelID, payload.MemoryID); err != nil {
		s.memoryError(ev, models.EventMemoryDeleteError, models.CodeStorageWrite, "memory delete failed")
		return
	}
	s.reply(models.NewEvent(models.EventMemoryDeleteResult, payload).
		WithAgent(s.agentID).WithChannel(payload.ChannelID).WithRequestID(ev.Meta.RequestID))
}

func (s *wsSession) sendError(ev models.Event, kind models.ErrorKind, code string, msg string) {
	serr := models.NewError(kind, code, models.SeverityMedium, msg).WithRequest(ev.Meta.RequestID)
	s.reply(models.NewEvent(models.EventAgentError, serr).
		WithAgent(s.agentID).WithRequestID(ev.Meta.RequestID))
}

func (s *wsSession) memoryError(ev models.Event, kind models.EventKind, code, msg string) {
	serr := models.NewError(models.ErrKindStorage, code, models.SeverityMedium, msg).
		WithRequest(ev.Meta.RequestID)
	s.reply(models.NewEvent(kind, serr).WithAgent(s.agentID).WithRequestID(ev.Meta.RequestID))
}

func phaseForKind(kind models.EventKind) models.Phase {
	switch kind {
	case models.EventORPARObserve:
		return models.PhaseObserve
	case models.EventORPARReason:
		return models.PhaseReason
	case models.EventORPARPlan:
		return models.PhasePlan
	case models.EventORPARAct:
		return models.PhaseAct
	default:
		return models.PhaseReflect
	}
}

func statusForKind(kind models.EventKind) models.TaskStatus {
	switch kind {
	case models.EventTaskStarted:
		return models.TaskStatusInProgress
	case models.EventTaskCompleted:
		return models.TaskStatusCompleted
	case models.EventTaskFailed:
		return models.TaskStatusFailed
	default:
		return models.TaskStatusCancelled
	}
}
