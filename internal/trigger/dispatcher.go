package trigger

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/bluelines/internal/model"
)

// OutcomeFunc receives the result of each dispatched event.
type OutcomeFunc func(ev Event, outcomes []Outcome, err error)

// Dispatcher feeds queued events to a Handler asynchronously.
//
// Events are dequeued in FIFO order and handled with bounded parallelism.
// Delivery order across pairs is not preserved; the handler's per-pair lock
// keeps same-pair events from interleaving.
type Dispatcher struct {
	handler   *Handler
	queue     *eventQueue
	onOutcome OutcomeFunc
	workers   int
}

// NewDispatcher creates a dispatcher over h. onOutcome may be nil.
func NewDispatcher(h *Handler, onOutcome OutcomeFunc) *Dispatcher {
	return &Dispatcher{
		handler:   h,
		queue:     newEventQueue(),
		onOutcome: onOutcome,
		workers:   h.concurrency,
	}
}

// Submit enqueues an event. Events without an id get one. Returns false
// after Close.
func (d *Dispatcher) Submit(ev Event) bool {
	if ev.ID == "" {
		ev.ID = d.handler.ids.NewID()
	}
	if ev.At.IsZero() {
		ev.At = d.handler.clock.Now()
	}
	return d.queue.Enqueue(ev)
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Close stops accepting events. Run drains the queue and returns.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

// Run handles events until ctx is cancelled or the dispatcher is closed and
// drained. In-flight events finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(d.workers)

	for {
		if ev, ok := d.queue.TryDequeue(); ok {
			g.Go(func() error {
				outcomes, err := d.handler.HandleEvent(ctx, ev)
				if err != nil {
					d.handler.logger.Warn().Err(err).
						Str("event", string(ev.Kind)).
						Str("event_id", ev.ID).
						Msg("event failed")
				}
				if d.onOutcome != nil {
					d.onOutcome(ev, outcomes, err)
				}
				return nil
			})
			continue
		}

		if d.queue.Closed() {
			_ = g.Wait()
			return nil
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-d.queue.Wait():
		}
	}
}

// Schedule submits a PeriodicSyncDue event for each variant every interval
// until ctx is cancelled or the dispatcher is closed.
func (d *Dispatcher) Schedule(ctx context.Context, interval time.Duration, variants ...model.Variant) {
	if len(variants) == 0 {
		variants = []model.Variant{model.VariantProvisional, model.VariantHomologated}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, v := range variants {
				if !d.Submit(PeriodicSyncDue(v)) {
					return
				}
			}
		}
	}
}
