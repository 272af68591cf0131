package transport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/radarflight/fleetsync/pkg/logger"
)

// FetchFunc performs one fetch-and-apply cycle for a polled resource. The
// context is cancelled when the ticket is cancelled, which aborts the
// in-flight request and prevents its result from being applied.
type FetchFunc func(ctx context.Context) error

// Ticket is the cancellation handle for one polled resource. Cancel is
// synchronous and immediate for future ticks; an in-flight fetch has its
// context cancelled so its result is discarded.
type Ticket struct {
	cancel   context.CancelFunc
	done     chan struct{}
	inFlight atomic.Bool
}

// Cancel stops all future ticks. Safe to call more than once.
func (t *Ticket) Cancel() {
	t.cancel()
}

// Done is closed once the polling loop has exited
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Poller schedules fixed-interval polling of upstream resources. A tick is
// skipped while the previous fetch for that resource is still in flight, so
// a slow network never piles up concurrent requests for the same resource.
type Poller struct {
	logger *logger.Logger
}

// NewPoller creates a new poller
func NewPoller(loggerObj *logger.Logger) *Poller {
	return &Poller{logger: loggerObj.Named("poller")}
}

// Start begins polling the named resource: one immediate fetch, then one per
// interval. The returned ticket stops the loop.
func (p *Poller) Start(resource string, interval time.Duration, fetch FetchFunc) *Ticket {
	ctx, cancel := context.WithCancel(context.Background())
	ticket := &Ticket{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(ticket.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.runOnce(ctx, resource, fetch, ticket)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ticket.inFlight.Load() {
					p.logger.Debug("Skipping poll tick, previous fetch still in flight",
						logger.String("resource", resource))
					continue
				}
				p.runOnce(ctx, resource, fetch, ticket)
			}
		}
	}()

	return ticket
}

func (p *Poller) runOnce(ctx context.Context, resource string, fetch FetchFunc, ticket *Ticket) {
	ticket.inFlight.Store(true)

	go func() {
		defer ticket.inFlight.Store(false)

		start := time.Now()
		err := fetch(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Debug("Poll fetch failed",
				logger.String("resource", resource),
				logger.Duration("duration", time.Since(start)),
				logger.Error(err))
		}
	}()
}
