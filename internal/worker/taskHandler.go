package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/ds124wfegd/playverse/internal/service"
	"github.com/ds124wfegd/playverse/pkg/queue"
	"github.com/sirupsen/logrus"
)

// TaskHandler executes queued booking tasks.
type TaskHandler struct {
	reconciler    service.ReconcilerService
	notifications service.NotificationService
}

func NewTaskHandler(reconciler service.ReconcilerService, notifications service.NotificationService) *TaskHandler {
	return &TaskHandler{reconciler: reconciler, notifications: notifications}
}

// HandleTask satisfies queue.Handler. Errors that retrying cannot fix are
// marked permanent so the task goes straight to the DLQ.
func (h *TaskHandler) HandleTask(ctx context.Context, task *queue.Task) error {
	txnRef := task.TxnRef()
	log := logrus.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"task_type": task.Type,
		"txn_ref":   txnRef,
		"attempt":   task.Attempts,
	})
	if txnRef == "" {
		return queue.Permanent(fmt.Errorf("task %s has no transaction reference", task.ID))
	}

	switch task.Type {
	case queue.TaskTypeExpireBooking:
		p, err := h.reconciler.ExpireParticipant(ctx, txnRef)
		if err != nil {
			return classify(err)
		}
		log.WithField("status", p.Status).Debug("Expire task handled")
		return nil

	case queue.TaskTypeSendConfirmation:
		if err := h.notifications.NotifyParticipantConfirmed(ctx, txnRef); err != nil {
			return classify(err)
		}
		log.Debug("Confirmation task handled")
		return nil

	default:
		return queue.Permanent(fmt.Errorf("unknown task type %q", task.Type))
	}
}

func classify(err error) error {
	if errors.Is(err, entity.ErrParticipantNotFound) || errors.Is(err, entity.ErrEventNotFound) {
		return queue.Permanent(err)
	}
	return err
}
