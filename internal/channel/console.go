package channel

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Console is a text output channel with two entry points: Speak, the
// mediated one used for conversational replies, streams word by word and
// can be preempted; Say, the direct one, writes a whole line at once.
type Console struct {
	writeMu sync.Mutex
	out     io.Writer

	stateMu  sync.Mutex
	speaking *utterance
	closed   bool
	// hold is open between a forced interrupt and the Say that follows it
	hold chan struct{}

	// speakMu serialises mediated utterances
	speakMu   sync.Mutex
	wordDelay time.Duration
}

type utterance struct {
	interruptible bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewConsole creates a console channel writing to out. wordDelay paces
// mediated speech; zero streams as fast as possible.
func NewConsole(out io.Writer, wordDelay time.Duration) *Console {
	return &Console{out: out, wordDelay: wordDelay}
}

// SpeakOptions tune a mediated utterance
type SpeakOptions struct {
	// Uninterruptible utterances ignore non-forced interrupts
	Uninterruptible bool
}

// Speak streams text word by word. It returns ErrInterrupted if preempted.
func (c *Console) Speak(ctx context.Context, text string, opts SpeakOptions) error {
	c.speakMu.Lock()
	defer c.speakMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	u := &utterance{interruptible: !opts.Uninterruptible, cancel: cancel, done: make(chan struct{})}

	for {
		c.stateMu.Lock()
		if c.closed {
			c.stateMu.Unlock()
			cancel()
			return ErrClosed
		}
		hold := c.hold
		if hold == nil {
			c.speaking = u
			c.stateMu.Unlock()
			break
		}
		c.stateMu.Unlock()

		select {
		case <-hold:
		case <-ctx.Done():
			cancel()
			return ErrInterrupted
		}
	}

	defer func() {
		c.stateMu.Lock()
		if c.speaking == u {
			c.speaking = nil
		}
		c.stateMu.Unlock()
		cancel()
		close(u.done)
	}()

	words := strings.Fields(text)
	for i, w := range words {
		if ctx.Err() != nil {
			c.write("\n")
			return ErrInterrupted
		}
		sep := " "
		if i == len(words)-1 {
			sep = "\n"
		}
		c.write(w + sep)

		if c.wordDelay > 0 && i < len(words)-1 {
			timer := time.NewTimer(c.wordDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
	return nil
}

// Interrupt implements Output. A forced interrupt waits until the current
// utterance has stopped writing, and keeps queued mediated speech from
// starting until the next Say has been written.
func (c *Console) Interrupt(ctx context.Context, force bool) error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return ErrClosed
	}
	u := c.speaking
	if force && c.hold == nil {
		c.hold = make(chan struct{})
	}
	c.stateMu.Unlock()

	if u == nil {
		return nil
	}
	if !force && !u.interruptible {
		return nil
	}

	u.cancel()
	if !force {
		return nil
	}

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		c.release()
		return fmt.Errorf("interrupt not acknowledged: %w", ctx.Err())
	}
}

// Say implements Output
func (c *Console) Say(ctx context.Context, text string) error {
	defer c.release()
	if err := ctx.Err(); err != nil {
		return err
	}

	c.stateMu.Lock()
	closed := c.closed
	c.stateMu.Unlock()
	if closed {
		return ErrClosed
	}

	return c.write(text + "\n")
}

// Speaking reports whether a mediated utterance is in progress
func (c *Console) Speaking() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.speaking != nil
}

// Close tears the channel down; further calls fail with ErrClosed
func (c *Console) Close() error {
	c.stateMu.Lock()
	c.closed = true
	u := c.speaking
	c.stateMu.Unlock()

	if u != nil {
		u.cancel()
	}
	c.release()
	return nil
}

// release lets mediated speech held by a forced interrupt proceed
func (c *Console) release() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.hold != nil {
		close(c.hold)
		c.hold = nil
	}
}

func (c *Console) write(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.out, s)
	return err
}

var _ Output = (*Console)(nil)
