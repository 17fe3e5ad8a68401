package connectivity

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"waresync/internal/gateway"
)

// Trigger drains the offline queue opportunistically: once shortly after
// start, on every offline-to-online transition, and on a fixed interval. The
// periodic job also probes the gateway so a silently restored connection is
// noticed without waiting for a user action.
type Trigger struct {
	scheduler gocron.Scheduler
	monitor   *Monitor
	gw        gateway.RemoteGateway
	drain     func(ctx context.Context)
	log       *zap.Logger
}

func NewTrigger(monitor *Monitor, gw gateway.RemoteGateway, drain func(ctx context.Context),
	interval, initialDelay time.Duration, log *zap.Logger) (*Trigger, error) {

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	t := &Trigger{scheduler: scheduler, monitor: monitor, gw: gw, drain: drain, log: log}

	monitor.NotifyOnline(func() {
		t.log.Info("connectivity restored, draining queue")
		t.drain(context.Background())
	})

	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(t.probeAndDrain),
	); err != nil {
		return nil, err
	}

	// One drain shortly after start; the grace period lets cache hydration
	// settle first.
	if _, err := scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(initialDelay))),
		gocron.NewTask(t.probeAndDrain),
	); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Trigger) probeAndDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.gw.Ping(ctx); err != nil {
		if t.monitor.Online() {
			t.log.Warn("gateway unreachable, switching to offline mode", zap.Error(err))
		}
		t.monitor.SetOnline(false)
		return
	}
	if !t.monitor.Online() {
		// SetOnline fires the drain through the transition callback.
		t.monitor.SetOnline(true)
		return
	}
	t.drain(ctx)
}

func (t *Trigger) Start() {
	t.scheduler.Start()
}

func (t *Trigger) Stop() error {
	return t.scheduler.Shutdown()
}
