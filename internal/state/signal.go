package state

import (
	"context"
	"sync"
)

// StopSignal is the one-shot channel pair between the lifecycle manager and
// one listener worker. The manager sends, the worker acknowledges once it
// has stopped accepting and drained.
type StopSignal struct {
	stop     chan struct{}
	done     chan struct{}
	sendOnce sync.Once
	ackOnce  sync.Once
}

// NewStopSignal creates an unsent signal
func NewStopSignal() *StopSignal {
	return &StopSignal{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Send asks the worker to stop. Sending twice is a no-op.
func (s *StopSignal) Send() {
	s.sendOnce.Do(func() { close(s.stop) })
}

// Stopping is closed once Send was called
func (s *StopSignal) Stopping() <-chan struct{} {
	return s.stop
}

// Ack marks the worker as stopped
func (s *StopSignal) Ack() {
	s.ackOnce.Do(func() { close(s.done) })
}

// Done is closed once the worker acknowledged
func (s *StopSignal) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the worker acknowledged or ctx ends
func (s *StopSignal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
