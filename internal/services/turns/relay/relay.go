// Package relay pumps generation events from a provider stream to a client
// sink under bounded backpressure.
//
// Units are forwarded on receipt; nothing accumulates a full response. The
// internal queue has fixed capacity, so a slow sink blocks the producer side
// instead of growing memory. Cancellation is hard: the upstream connection
// is severed immediately, and units the provider delivers after the signal
// are counted but not forwarded.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/provider"
)

const (
	defaultBufferSize        = 16
	defaultHeartbeatInterval = 15 * time.Second
)

// Sink receives events in the client contract's vocabulary. A Send error
// means the client side is gone; the relay treats it as cancellation.
type Sink interface {
	Send(ctx context.Context, event provider.Event) error
}

// Result summarizes one relay run for settlement.
type Result struct {
	Outcome domain.Outcome
	// Usage is the provider-reported usage, when a terminal event carried
	// one. Nil when the turn ended without a terminal event.
	Usage *domain.Usage
	// Err is the provider's terminal error for failed outcomes. Aborted
	// outcomes never carry a synthesized error.
	Err error
	// ContentUnits counts units forwarded to the sink.
	ContentUnits int
	// UnitsAfterCancel counts content units the provider delivered after
	// the cancel signal. They are never forwarded.
	UnitsAfterCancel int
}

// Config tunes one relay session.
type Config struct {
	BufferSize        int
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	return c
}

// Session relays one turn. It is single-use: Run may be called once.
type Session struct {
	stream provider.Stream
	sink   Sink
	cfg    Config

	cancelOnce sync.Once
	cancelled  chan struct{}

	// producer-owned; written before the event channel closes, read by the
	// consumer only after it observes the close.
	termOutcome      domain.Outcome
	termUsage        *domain.Usage
	termErr          error
	sawTerminal      bool
	recvErr          error
	unitsAfterCancel int
}

// NewSession wires a stream to a sink.
func NewSession(stream provider.Stream, sink Sink, cfg Config) *Session {
	return &Session{
		stream:    stream,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		cancelled: make(chan struct{}),
	}
}

// Cancel severs the upstream connection immediately. It is safe to call from
// any goroutine and more than once; only the first call acts.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
		if s.stream != nil {
			s.stream.Close()
		}
	})
}

func (s *Session) isCancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// Run pumps until a terminal event, cancellation, or context expiry. At most
// one terminal event reaches the sink.
func (s *Session) Run(ctx context.Context) Result {
	events := make(chan provider.Event, s.cfg.BufferSize)
	go s.produce(ctx, events)

	var result Result
	sinkLive := true
	done := ctx.Done()
	heartbeat := time.NewTimer(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return s.finish(result)
			}
			if sinkLive {
				if err := s.sink.Send(ctx, event); err != nil {
					// The client is gone. Raise cancellation; never
					// synthesize an error on its behalf.
					sinkLive = false
					s.Cancel()
				} else if event.Kind == provider.EventContent {
					result.ContentUnits++
					resetTimer(heartbeat, s.cfg.HeartbeatInterval)
				}
			}
		case <-heartbeat.C:
			if sinkLive && !s.isCancelled() {
				if err := s.sink.Send(ctx, provider.Event{Kind: provider.EventHeartbeat}); err != nil {
					sinkLive = false
					s.Cancel()
				}
			}
			heartbeat.Reset(s.cfg.HeartbeatInterval)
		case <-done:
			s.Cancel()
			sinkLive = false
			done = nil
		}
	}
}

// produce reads the upstream until a terminal event or a receive error,
// translating at the boundary and blocking on the bounded queue. After
// cancellation it keeps draining to count late units and to capture usage
// from a terminal event that slips through.
func (s *Session) produce(ctx context.Context, events chan<- provider.Event) {
	defer close(events)
	for {
		src, err := s.stream.Recv(ctx)
		if err != nil {
			if !s.isCancelled() && ctx.Err() == nil {
				s.recvErr = fmt.Errorf("receive from provider: %w", err)
			}
			return
		}
		event, ok := src.Translate()
		if !ok {
			// Outside the translation table; never reaches the client.
			continue
		}
		if s.isCancelled() {
			s.recordAfterCancel(event)
			if event.Kind.Terminal() {
				return
			}
			continue
		}
		select {
		case events <- event:
		case <-s.cancelled:
			s.recordAfterCancel(event)
			if event.Kind.Terminal() {
				return
			}
			continue
		}
		if event.Kind.Terminal() {
			s.recordTerminal(event)
			return
		}
	}
}

func (s *Session) recordAfterCancel(event provider.Event) {
	if event.Kind == provider.EventContent {
		s.unitsAfterCancel++
	}
	if event.Kind.Terminal() && event.Usage != nil {
		s.termUsage = event.Usage
	}
}

func (s *Session) recordTerminal(event provider.Event) {
	s.sawTerminal = true
	s.termUsage = event.Usage
	if event.Kind == provider.EventError {
		s.termOutcome = domain.OutcomeFailed
		s.termErr = event.Err
	} else {
		s.termOutcome = domain.OutcomeCompleted
	}
}

// finish folds the producer's terminal state into the result. The channel
// close orders the producer's writes before this read.
func (s *Session) finish(result Result) Result {
	result.Usage = s.termUsage
	result.UnitsAfterCancel = s.unitsAfterCancel
	switch {
	case s.sawTerminal:
		result.Outcome = s.termOutcome
		result.Err = s.termErr
	case s.recvErr != nil:
		result.Outcome = domain.OutcomeFailed
		result.Err = s.recvErr
	default:
		result.Outcome = domain.OutcomeAborted
	}
	return result
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
