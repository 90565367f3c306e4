package service

import (
	"context"
	"encoding/json"

	"github.com/ds124wfegd/playverse/pkg/queue"
	"github.com/sirupsen/logrus"
)

// QueueAdapter lets services publish tasks whether or not Redis is
// configured. Without a queue, tasks are logged and dropped; the sweeper
// still expires stale participants.
type QueueAdapter struct {
	queue queue.Queue
}

func NewQueueAdapter(q queue.Queue) *QueueAdapter {
	return &QueueAdapter{queue: q}
}

func (a *QueueAdapter) Publish(ctx context.Context, task *queue.Task) error {
	if a.queue == nil {
		logrus.WithFields(logrus.Fields{"task_type": task.Type, "txn_ref": task.TxnRef()}).Debug("Task queue disabled, task dropped")
		return nil
	}
	return a.queue.Publish(ctx, task)
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, routingKey string, message interface{}) error {
	return nil
}

type noopAudit struct{}

func (noopAudit) SendMessage(ctx context.Context, key string, message interface{}) error {
	return nil
}

func rawJSON(body []byte) json.RawMessage {
	if len(body) == 0 || !json.Valid(body) {
		return nil
	}
	return json.RawMessage(body)
}
