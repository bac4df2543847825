// Package channeltest provides a recording channel.Output for tests.
package channeltest

import (
	"context"
	"sync"

	"github.com/GorshkovIvan/voice-agent/internal/channel"
)

// Call is one recorded call on the channel
type Call struct {
	// Method is "interrupt" or "say"
	Method string
	Force  bool
	Text   string
}

// Recorder records every call and can be told to fail either step
type Recorder struct {
	mu           sync.Mutex
	calls        []Call
	interruptErr error
	sayErr       error
	// block, when set, makes Interrupt wait until released or ctx is done
	block chan struct{}
}

// New creates a recorder that accepts everything
func New() *Recorder {
	return &Recorder{}
}

// FailInterrupt makes every Interrupt call return err
func (r *Recorder) FailInterrupt(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interruptErr = err
}

// FailSay makes every Say call return err
func (r *Recorder) FailSay(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sayErr = err
}

// Hang makes Interrupt block until the returned func is called
func (r *Recorder) Hang() (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.block = ch
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Interrupt implements channel.Output
func (r *Recorder) Interrupt(ctx context.Context, force bool) error {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Method: "interrupt", Force: force})
	err, block := r.interruptErr, r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Say implements channel.Output
func (r *Recorder) Say(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "say", Text: text})
	return r.sayErr
}

// Calls returns a copy of the call log
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Said returns the text of every Say call
func (r *Recorder) Said() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if c.Method == "say" {
			out = append(out, c.Text)
		}
	}
	return out
}

var _ channel.Output = (*Recorder)(nil)
