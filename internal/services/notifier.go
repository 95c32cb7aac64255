package services

import (
	"time"

	"github.com/google/uuid"

	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/sse"
)

// Event types carried in TaskEvent.Type.
const (
	EventStageStarted    = "stage_started"
	EventStageCompleted  = "stage_completed"
	EventStageFailed     = "stage_failed"
	EventReviewRequested = "review_requested"
	EventUnitCompleted   = "unit_completed"
	EventUnitFailed      = "unit_failed"
	EventBatchStart      = "batch_start"
	EventBatchComplete   = "batch_complete"
	EventTaskDone        = "task_done"
)

/*
TaskEvent is the progress report published on every stage and unit
transition. Delivery is at-least-once; events are idempotent status reports,
not a transactional log. Consumers reconcile against get_status when in
doubt.
*/
type TaskEvent struct {
	Type      string     `json:"type"`
	TaskID    uuid.UUID  `json:"task_id"`
	Step      string     `json:"step,omitempty"`
	ConceptID *uuid.UUID `json:"concept_id,omitempty"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Completed int        `json:"completed,omitempty"`
	Failed    int        `json:"failed,omitempty"`
	Total     int        `json:"total,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type TaskNotifier interface {
	TaskCreated(userID uuid.UUID, task *domain.GenerationTask)
	StageEvent(userID uuid.UUID, event TaskEvent)
	UnitEvent(userID uuid.UUID, event TaskEvent)
	BatchEvent(userID uuid.UUID, event TaskEvent)
	TaskFailed(userID uuid.UUID, task *domain.GenerationTask, step string, errorMessage string)
	TaskDone(userID uuid.UUID, task *domain.GenerationTask)
	ReviewRequested(userID uuid.UUID, task *domain.GenerationTask)
}

type taskNotifier struct {
	hub *sse.SSEHub
	bus SSEBus
}

// NewTaskNotifier publishes to the in-process hub and, when a bus is
// configured, to the redis channel so sibling processes forward the event to
// their own hubs.
func NewTaskNotifier(hub *sse.SSEHub, bus SSEBus) TaskNotifier {
	return &taskNotifier{hub: hub, bus: bus}
}

func (n *taskNotifier) publish(userID uuid.UUID, event sse.SSEEvent, data any) {
	msg := sse.SSEMessage{
		Channel: userID.String(),
		Event:   event,
		Data:    data,
	}
	if n.hub != nil {
		n.hub.Broadcast(msg)
	}
	if n.bus != nil {
		n.bus.Publish(msg)
	}
}

func (n *taskNotifier) TaskCreated(userID uuid.UUID, task *domain.GenerationTask) {
	n.publish(userID, sse.SSEEventTaskCreated, map[string]any{"task": task})
}

func (n *taskNotifier) StageEvent(userID uuid.UUID, event TaskEvent) {
	n.publish(userID, sse.SSEEventTaskProgress, event)
}

func (n *taskNotifier) UnitEvent(userID uuid.UUID, event TaskEvent) {
	n.publish(userID, sse.SSEEventUnitResult, event)
}

func (n *taskNotifier) BatchEvent(userID uuid.UUID, event TaskEvent) {
	n.publish(userID, sse.SSEEventBatchProgress, event)
}

func (n *taskNotifier) TaskFailed(userID uuid.UUID, task *domain.GenerationTask, step string, errorMessage string) {
	n.publish(userID, sse.SSEEventTaskFailed, map[string]any{
		"task_id": task.ID,
		"step":    step,
		"error":   errorMessage,
		"task":    task,
	})
}

func (n *taskNotifier) TaskDone(userID uuid.UUID, task *domain.GenerationTask) {
	n.publish(userID, sse.SSEEventTaskDone, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"task":    task,
	})
}

func (n *taskNotifier) ReviewRequested(userID uuid.UUID, task *domain.GenerationTask) {
	n.publish(userID, sse.SSEEventReviewRequested, map[string]any{
		"task_id": task.ID,
		"step":    task.CurrentStep,
		"task":    task,
	})
}
