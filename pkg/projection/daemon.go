package projection

import (
	"context"
	"time"

	"github.com/majormartintibor/dcbstore/internal/diag"
	"github.com/majormartintibor/dcbstore/pkg/dcb"
)

// Daemon is C11: a cooperative background task that keeps every
// registered projection incrementally current by polling the log for
// events past the slowest projection's checkpoint.
type Daemon struct {
	es      dcb.EventStore
	manager *Manager

	pollingInterval time.Duration
	batchSize       int
}

// NewDaemon creates a Daemon driving manager from es, using opts'
// PollingInterval and BatchSize.
func NewDaemon(es dcb.EventStore, manager *Manager, opts dcb.Options) *Daemon {
	return &Daemon{
		es:              es,
		manager:         manager,
		pollingInterval: opts.PollingInterval,
		batchSize:       opts.BatchSize,
	}
}

// Run polls until ctx is cancelled. On cancellation it finishes the
// in-flight batch (Update does not hold any lock across batches) and
// returns ctx.Err() without starting a new one.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.catchUp(ctx); err != nil {
				diag.WithComponent("projection.daemon").Warn().Err(err).Msg("catch-up cycle failed")
			}
		}
	}
}

// catchUp loops reading and applying batches until every registered
// projection has caught up to the log's head, then returns.
func (d *Daemon) catchUp(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		minCheckpoint, err := d.manager.MinCheckpoint(ctx)
		if err != nil {
			return err
		}
		head, err := d.es.Head(ctx)
		if err != nil {
			return err
		}
		if head <= minCheckpoint {
			return nil
		}

		events, err := d.es.Read(ctx, dcb.NewQueryAll(), &dcb.ReadOptions{
			AfterPosition: minCheckpoint,
			Limit:         d.batchSize,
		})
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		if err := d.manager.Update(ctx, events); err != nil {
			return err
		}
	}
}
