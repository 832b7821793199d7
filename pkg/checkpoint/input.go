package checkpoint

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"p2p_checkpoint/pkg/p2p"
)

// Input is the closed set of orchestrator inputs: a protocol event, a
// timer tick, or a termination signal. The orchestrator's type switch
// handles every variant explicitly.
type Input interface {
	isInput()
}

// NodeEvent wraps one protocol event from the capability set.
type NodeEvent struct {
	Event p2p.Event
}

// Tick is one firing of the periodic timer.
type Tick struct {
	At time.Time
}

// DrainRequested asks for a graceful shutdown (SIGTERM/SIGINT).
type DrainRequested struct{}

// HardStop forces immediate termination (SIGQUIT), skipping the drain
// sequence.
type HardStop struct{}

func (NodeEvent) isInput()      {}
func (Tick) isInput()           {}
func (DrainRequested) isInput() {}
func (HardStop) isInput()       {}

// InputSource yields the next orchestrator input. The production source
// is Mux; tests use scripted sources.
type InputSource interface {
	Next(ctx context.Context) (Input, error)
}

// Mux merges the capability event stream, the periodic timer and OS
// termination signals into one ordered input sequence. It performs no
// interpretation; per-source FIFO order is preserved, with no priority
// across sources.
type Mux struct {
	events <-chan p2p.Event
	ticker *time.Ticker
	drain  chan os.Signal
	stop   chan os.Signal
}

// NewMux builds the production input source. Close releases the timer
// and signal registrations.
func NewMux(events <-chan p2p.Event, tickInterval time.Duration) *Mux {
	drain := make(chan os.Signal, 1)
	signal.Notify(drain, syscall.SIGTERM, syscall.SIGINT)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGQUIT)

	return &Mux{
		events: events,
		ticker: time.NewTicker(tickInterval),
		drain:  drain,
		stop:   stop,
	}
}

// Next blocks until any source is ready and returns one input.
func (m *Mux) Next(ctx context.Context) (Input, error) {
	select {
	case ev := <-m.events:
		return NodeEvent{Event: ev}, nil
	case t := <-m.ticker.C:
		return Tick{At: t}, nil
	case <-m.drain:
		return DrainRequested{}, nil
	case <-m.stop:
		return HardStop{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the timer and detaches the signal handlers.
func (m *Mux) Close() {
	m.ticker.Stop()
	signal.Stop(m.drain)
	signal.Stop(m.stop)
}
