/*
Package dispatcher runs the action pipeline: a pool of workers claims
READY actions from the store, locks their targets, runs policy hooks
around the per-kind body and records the outcome.

Multiple engine processes may run dispatchers against the same store;
the claim CAS and the lock table keep them from stepping on each
other.
*/
package dispatcher

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/corral/pkg/config"
	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/lock"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/storage"
)

// Dispatcher owns the worker pool of one engine process.
type Dispatcher struct {
	store    storage.Store
	locks    *lock.Manager
	env      *environment.Environment
	broker   *events.Broker
	cfg      *config.Config
	engineID string
	notify   chan struct{}
}

// New creates a dispatcher. Start must be called to begin processing.
func New(store storage.Store, locks *lock.Manager, env *environment.Environment,
	broker *events.Broker, cfg *config.Config, engineID string) *Dispatcher {
	return &Dispatcher{
		store:    store,
		locks:    locks,
		env:      env,
		broker:   broker,
		cfg:      cfg,
		engineID: engineID,
		notify:   make(chan struct{}, 1),
	}
}

// Notify wakes an idle worker; called after new actions become READY.
// Never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Start runs the worker pool until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	logger := log.WithEngineID(d.engineID)
	logger.Info().Int("workers", d.cfg.Workers).Msg("dispatcher starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return d.runWorker(ctx, worker)
		})
	}
	err := g.Wait()
	logger.Info().Msg("dispatcher stopped")
	return err
}

// runWorker claims and executes actions in a loop, backing off
// exponentially while the queue is empty.
func (d *Dispatcher) runWorker(ctx context.Context, worker int) error {
	logger := log.WithEngineID(d.engineID).With().Int("worker", worker).Logger()
	interval := d.cfg.PollInterval

	for {
		if ctx.Err() != nil {
			return nil
		}

		action, err := d.store.ClaimAction(d.engineID)
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
		} else if action != nil {
			d.execute(ctx, action)
			interval = d.cfg.PollInterval
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.notify:
			interval = d.cfg.PollInterval
		case <-time.After(interval):
			interval *= 2
			if interval > d.cfg.MaxPollInterval {
				interval = d.cfg.MaxPollInterval
			}
		}
	}
}
