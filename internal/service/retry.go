package service

import (
	"context"
	"errors"
	"time"

	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/ds124wfegd/playverse/pkg/queue"
	"github.com/sirupsen/logrus"
)

// transientRetrier re-runs a ledger transition while it fails with
// entity.ErrTransientStorage. Every attempt is a full new transaction.
type transientRetrier struct {
	attempts int
	backoff  *queue.RetryManager
}

func newTransientRetrier(attempts int, base time.Duration) *transientRetrier {
	if attempts < 1 {
		attempts = 1
	}
	return &transientRetrier{attempts: attempts, backoff: queue.NewRetryManager(attempts, base)}
}

func (r *transientRetrier) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, entity.ErrTransientStorage) || attempt >= r.attempts {
			return err
		}

		delay := r.backoff.Backoff(attempt)
		logrus.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Warn("Transient storage error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
