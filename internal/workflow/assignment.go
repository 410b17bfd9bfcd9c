package workflow

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/notify"
	"github.com/wolfeidau/planboard/internal/orchestrator"
	"github.com/wolfeidau/planboard/internal/store"
)

// EventTaskAssigned is emitted whenever a task gets a new assignee.
const EventTaskAssigned = "app/task.assigned"

const (
	stepNotify = "notify-assignment"
	stepWait   = "wait-for-due-date"
	stepRemind = "check-and-remind"
)

// TaskAssigned is the payload of EventTaskAssigned. AssigneeID is the assignee at the time
// of the change, a mismatch with the current assignee marks the event as stale.
type TaskAssigned struct {
	TaskID     uuid.UUID `json:"taskId"`
	AssigneeID *string   `json:"assigneeId,omitempty"`
}

// TaskLoader reads the task aggregate the workflow works from.
type TaskLoader interface {
	LoadTaskWithProjectAndAssignee(ctx context.Context, taskID uuid.UUID) (*models.TaskDetail, error)
}

type assignmentNotice struct {
	Notified   bool       `json:"notified"`
	AssigneeID string     `json:"assigneeId,omitempty"`
	Email      string     `json:"email,omitempty"`
	Title      string     `json:"title,omitempty"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
}

type reminderResult struct {
	Reminded bool `json:"reminded"`
}

// Assignment notifies the assignee of a task and reminds them on the due date if the task
// is still open and still theirs.
type Assignment struct {
	tasks  TaskLoader
	sender notify.Sender
}

func NewAssignment(tasks TaskLoader, sender notify.Sender) *Assignment {
	return &Assignment{tasks: tasks, sender: sender}
}

// Register installs the workflow handler.
func Register(o *orchestrator.Orchestrator, a *Assignment) {
	o.Register(EventTaskAssigned, a.Handle)
}

func (a *Assignment) Handle(ctx context.Context, job *models.Job, s *orchestrator.Steps) error {
	payload, err := orchestrator.DecodePayload[TaskAssigned](job)
	if err != nil {
		return err
	}
	if payload.TaskID == uuid.Nil {
		return orchestrator.Permanent(errors.New("task.assigned payload has no taskId"))
	}

	logger := zerolog.Ctx(ctx).With().Str("task_id", payload.TaskID.String()).Logger()
	ctx = logger.WithContext(ctx)

	notice, err := orchestrator.RunStep(ctx, s, stepNotify, func(ctx context.Context) (assignmentNotice, error) {
		return a.notifyAssignee(ctx, payload)
	})
	if err != nil {
		return err
	}
	if !notice.Notified {
		return nil
	}
	if notice.DueDate == nil {
		logger.Debug().Msg("Task has no due date, no reminder scheduled")
		return nil
	}

	if err := s.SleepUntil(ctx, stepWait, *notice.DueDate); err != nil {
		return err
	}

	_, err = orchestrator.RunStep(ctx, s, stepRemind, func(ctx context.Context) (reminderResult, error) {
		return a.remindAssignee(ctx, payload.TaskID, notice)
	})
	return err
}

func (a *Assignment) notifyAssignee(ctx context.Context, payload TaskAssigned) (assignmentNotice, error) {
	logger := zerolog.Ctx(ctx)

	detail, err := a.tasks.LoadTaskWithProjectAndAssignee(ctx, payload.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info().Msg("Task no longer exists, skipping assignment notification")
			return assignmentNotice{}, nil
		}
		return assignmentNotice{}, fmt.Errorf("failed to load task: %w", err)
	}

	task := detail.Task
	switch {
	case task.AssigneeID == nil || detail.Assignee == nil:
		logger.Info().Msg("Task has no assignee, skipping assignment notification")
		return assignmentNotice{}, nil
	case payload.AssigneeID != nil && !task.AssignedTo(*payload.AssigneeID):
		logger.Info().Str("assignee_id", *payload.AssigneeID).Msg("Assignment is stale, skipping notification")
		return assignmentNotice{}, nil
	case !detail.Assignee.HasEmail():
		logger.Info().Str("assignee_id", *task.AssigneeID).Msg("Assignee has no email address")
		return assignmentNotice{}, nil
	}

	email := *detail.Assignee.Email
	err = a.sender.Send(ctx, notify.Message{
		To:      email,
		Subject: fmt.Sprintf("New Task Assignment in %s", detail.Project.Name),
		Body:    fmt.Sprintf("<p>You have been assigned: <b>%s</b></p>", html.EscapeString(task.Title)),
	})
	if err != nil {
		return assignmentNotice{}, fmt.Errorf("failed to send assignment notification: %w", err)
	}

	logger.Info().Str("assignee_id", *task.AssigneeID).Msg("Assignment notification sent")

	return assignmentNotice{
		Notified:   true,
		AssigneeID: *task.AssigneeID,
		Email:      email,
		Title:      task.Title,
		DueDate:    task.DueDate,
	}, nil
}

func (a *Assignment) remindAssignee(ctx context.Context, taskID uuid.UUID, notice assignmentNotice) (reminderResult, error) {
	logger := zerolog.Ctx(ctx)

	detail, err := a.tasks.LoadTaskWithProjectAndAssignee(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info().Msg("Task deleted before its due date, no reminder")
			return reminderResult{}, nil
		}
		return reminderResult{}, fmt.Errorf("failed to reload task: %w", err)
	}

	if detail.Task.Status == models.TaskStatusDone {
		logger.Info().Msg("Task done before its due date, no reminder")
		return reminderResult{}, nil
	}
	if !detail.Task.AssignedTo(notice.AssigneeID) {
		logger.Info().Msg("Task reassigned since notification, no reminder")
		return reminderResult{}, nil
	}

	err = a.sender.Send(ctx, notify.Message{
		To:      notice.Email,
		Subject: fmt.Sprintf("Reminder: %s", notice.Title),
		Body:    "<p>Your task is still pending.</p>",
	})
	if err != nil {
		return reminderResult{}, fmt.Errorf("failed to send reminder: %w", err)
	}

	logger.Info().Str("assignee_id", notice.AssigneeID).Msg("Due date reminder sent")
	return reminderResult{Reminded: true}, nil
}
