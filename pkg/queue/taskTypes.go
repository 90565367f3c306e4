package queue

import (
	"context"
)

// Handler processes one task. Returning an error wrapped with Permanent
// sends the task to the DLQ without further attempts.
type Handler func(ctx context.Context, task *Task) error

type Queue interface {
	Publish(ctx context.Context, task *Task) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}
