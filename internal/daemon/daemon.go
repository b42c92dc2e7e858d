// Package daemon drives the periodic auto-release sweep and owns the orderly
// shutdown of the engines.
package daemon

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/farewell/farewelld/internal/config"
	"github.com/farewell/farewelld/internal/logging"
	"github.com/farewell/farewelld/internal/notify"
	"github.com/farewell/farewelld/internal/schedule"
)

// Sweeper runs one auto-release pass.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) schedule.SweepReport
}

// Shutdowner is torn down when the daemon stops.
type Shutdowner interface {
	Shutdown()
}

// Daemon is the core loop that releases expired farewell slots
type Daemon struct {
	cfg      *config.Config
	sweeper  Sweeper
	chat     Shutdowner
	notifier *notify.MultiNotifier
	closers  []io.Closer
	quit     chan struct{}
	wg       sync.WaitGroup   // tracks active sweep passes
	Now      func() time.Time // injectable clock for testing
	cancel   func()           // cancel function for active context (set at Start)
	stopOnce sync.Once
}

// New creates a daemon. chat and notifier may be nil.
func New(cfg *config.Config, sweeper Sweeper, chat Shutdowner, notifier *notify.MultiNotifier) *Daemon {
	d := &Daemon{cfg: cfg, sweeper: sweeper, chat: chat, notifier: notifier, quit: make(chan struct{}), Now: time.Now}

	// Log config validation warnings
	for _, w := range cfg.Validate() {
		logging.Get().Warn().Str("warning", w).Msg("config validation")
	}

	return d
}

// AddCloser registers a resource released after the notifier has drained.
func (d *Daemon) AddCloser(c io.Closer) {
	if c != nil {
		d.closers = append(d.closers, c)
	}
}

func (d *Daemon) interval() time.Duration {
	if d.cfg.SweepInterval <= 0 {
		return 60 * time.Second
	}
	return d.cfg.SweepInterval
}

// Start runs the main sweep loop until Stop is called
func (d *Daemon) Start() {
	logging.Get().Info().Dur("interval", d.interval()).Dur("grace", d.cfg.ReleaseGrace).Msg("starting farewell daemon")
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	// Run an immediate pass so slots left over from downtime are released right away
	d.wg.Add(1)
	d.once(ctx)
	d.wg.Done()

	ticker := time.NewTicker(d.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.wg.Add(1)
			d.once(ctx)
			d.wg.Done()
		case <-d.quit:
			logging.Get().Info().Msg("stopping daemon")
			return
		}
	}
}

// once runs one sweep pass
func (d *Daemon) once(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := d.Now()
	report := d.sweeper.Sweep(ctx, now)
	logging.Get().Debug().
		Time("now", now).
		Int("released", len(report.Released)).
		Int("malformed", len(report.Malformed)).
		Int("failed", len(report.Failures)).
		Msg("sweep pass finished")
}

// Stop signals the daemon to stop and waits for active operations to complete.
// The chat engine is shut down and pending notifications are drained.
func (d *Daemon) Stop(ctx context.Context) {
	d.stopOnce.Do(func() { d.stop(ctx) })
}

func (d *Daemon) stop(ctx context.Context) {
	// Cancel background context to signal in-flight operations to stop
	if d.cancel != nil {
		d.cancel()
	}
	close(d.quit)

	// Wait for an active sweep to complete
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Get().Info().Msg("all active operations completed")
	case <-ctx.Done():
		logging.Get().Warn().Msg("shutdown timeout exceeded, some operations may be incomplete")
	}

	if d.chat != nil {
		d.chat.Shutdown()
	}

	// Allow some time for pending notifications to finish (best-effort)
	if d.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.notifier.Wait(notifyCtx); err != nil {
			logging.Get().Warn().Err(err).Msg("timed out waiting for notifiers to finish")
		}
	}

	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			logging.Get().Warn().Err(err).Msg("failed closing resource")
		}
	}
}

// RunOnce runs a single sweep pass (public wrapper for tests / CLI)
func (d *Daemon) RunOnce() {
	d.once(context.Background())
}
