// Package channel holds the output channel collaborators: the device (or
// session) that utters messages to the user.
package channel

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoChannel is returned when no session is attached
	ErrNoChannel = errors.New("no output channel attached")
	// ErrClosed is returned by a channel after Close
	ErrClosed = errors.New("output channel closed")
	// ErrInterrupted is returned by Speak when its utterance was preempted
	ErrInterrupted = errors.New("utterance interrupted")
)

// Output is the direct entry point of an output channel
type Output interface {
	// Interrupt preempts current output. A forced interrupt takes effect even
	// mid-utterance and returns only once the utterance has stopped.
	Interrupt(ctx context.Context, force bool) error

	// Say emits text directly, bypassing any conversational reasoning step
	Say(ctx context.Context, text string) error
}

// Switch forwards to the channel of the currently attached session. It lets
// background work hold one stable reference while sessions come and go.
type Switch struct {
	mu      sync.RWMutex
	current Output
}

// NewSwitch creates a switch with nothing attached
func NewSwitch() *Switch {
	return &Switch{}
}

// Attach makes out the active channel
func (s *Switch) Attach(out Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = out
}

// Detach clears the active channel
func (s *Switch) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Current returns the active channel, if any
func (s *Switch) Current() (Output, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.current != nil
}

// Interrupt implements Output
func (s *Switch) Interrupt(ctx context.Context, force bool) error {
	out, ok := s.Current()
	if !ok {
		return ErrNoChannel
	}
	return out.Interrupt(ctx, force)
}

// Say implements Output
func (s *Switch) Say(ctx context.Context, text string) error {
	out, ok := s.Current()
	if !ok {
		return ErrNoChannel
	}
	return out.Say(ctx, text)
}

var _ Output = (*Switch)(nil)
