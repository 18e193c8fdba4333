package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/interlease/internal/metrics"
)

// Sweeper periodically expires pending reservations whose start date has
// passed without a decision.
type Sweeper struct {
	sched    *Scheduler
	interval time.Duration
	log      *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start to begin sweeping.
func NewSweeper(sched *Scheduler, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		sched:    sched,
		interval: interval,
		log:      sched.log.With("component", "sweeper"),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep goroutine. The first sweep runs immediately.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	metrics.Sweep()
	expired, err := sw.sched.ExpireStale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			sw.log.Error("sweep failed", "err", err)
		}
		return
	}
	if len(expired) > 0 {
		sw.log.Info("expired stale reservations", "count", len(expired))
	}
}
