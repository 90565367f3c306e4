package worker

import (
	"context"
	"time"

	"github.com/ds124wfegd/playverse/internal/service"
	"github.com/sirupsen/logrus"
)

const defaultBatchSize = 100

// PendingSweeper expires participants left pending past the TTL. It is
// the fallback for expire_booking tasks that were lost or never queued.
type PendingSweeper struct {
	reconciler service.ReconcilerService
	interval   time.Duration
	batchSize  int
}

func NewPendingSweeper(reconciler service.ReconcilerService, interval time.Duration, batchSize int) *PendingSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &PendingSweeper{
		reconciler: reconciler,
		interval:   interval,
		batchSize:  batchSize,
	}
}

func (w *PendingSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logrus.WithField("interval", w.interval.String()).Info("Pending booking sweeper started")

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Pending booking sweeper stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep drains stale pending participants batch by batch and returns how
// many it expired.
func (w *PendingSweeper) Sweep(ctx context.Context) int {
	total := 0
	for {
		expired, err := w.reconciler.SweepStalePending(ctx, w.batchSize)
		if err != nil {
			logrus.WithError(err).Error("Failed to sweep stale pending bookings")
			return total
		}
		total += expired

		// a short or unproductive batch means nothing more is due
		if expired < w.batchSize {
			break
		}
	}

	if total > 0 {
		logrus.WithField("expired", total).Info("Stale pending bookings expired")
	} else {
		logrus.Debug("No stale pending bookings found")
	}
	return total
}
