package mailbox

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultAction is the task's own unit of work — reading and
// processing the next record off its InputGate — invoked once per loop
// iteration whenever the loop is not suspended.
type DefaultAction func(ctx context.Context, suspend func()) error

// Controller lets a DefaultAction (or anything else holding a
// reference) suspend and later resume the processing loop. Suspend and
// Resume are idempotent and safe to call from any goroutine.
type Controller struct {
	mu        sync.Mutex
	suspended bool
	resumeCh  chan struct{}
}

func newController() *Controller {
	return &Controller{resumeCh: make(chan struct{})}
}

// Suspend pauses default-action invocation until Resume is called. A
// second Suspend while already suspended is a no-op.
func (c *Controller) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
}

// Resume wakes the loop if it was blocked waiting for Take while
// suspended, and clears the suspended flag. A Resume with nothing
// suspended is a no-op.
func (c *Controller) Resume() {
	c.mu.Lock()
	if !c.suspended {
		c.mu.Unlock()
		return
	}
	c.suspended = false
	ch := c.resumeCh
	c.resumeCh = make(chan struct{})
	c.mu.Unlock()
	close(ch)
}

func (c *Controller) isSuspended() (bool, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended, c.resumeCh
}

// MailboxProcessor is the event loop of one task's single execution
// thread: it alternates between draining
// at-least-default-priority mail and invoking the default action, and
// falls back to blocking on the mailbox entirely once suspended.
type MailboxProcessor struct {
	mailbox    *Mailbox
	action     DefaultAction
	controller *Controller
	running    atomic.Bool
}

func NewProcessor(mb *Mailbox, action DefaultAction) *MailboxProcessor {
	return &MailboxProcessor{mailbox: mb, action: action, controller: newController()}
}

// Controller returns the handle used to suspend/resume the default
// action, e.g. when an InputGate runs out of available data or a
// ResultPartition applies backpressure.
func (p *MailboxProcessor) Controller() *Controller { return p.controller }

// Run drains the mailbox and invokes the default action until ctx is
// canceled or the mailbox closes. It is not safe to call concurrently;
// a task has exactly one mailbox thread.
func (p *MailboxProcessor) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for _, letter := range p.mailbox.TakeAtLeastPriority(DefaultPriority) {
			letter.Run()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		suspended, resumeCh := p.controller.isSuspended()
		if !suspended {
			if err := p.action(ctx, p.controller.Suspend); err != nil {
				return err
			}
			continue
		}

		letter, err := p.blockUntilMailOrResume(ctx, resumeCh)
		if err != nil {
			if err == ErrClosed {
				return nil
			}
			return err
		}
		if letter.Run != nil {
			letter.Run()
		}
	}
}

// blockUntilMailOrResume blocks until either a letter arrives or the
// controller resumes, whichever happens first. A resume with no letter
// returns a zero Letter so the caller's loop simply re-evaluates state.
func (p *MailboxProcessor) blockUntilMailOrResume(ctx context.Context, resumeCh <-chan struct{}) (Letter, error) {
	type result struct {
		letter Letter
		err    error
	}
	takeCh := make(chan result, 1)
	takeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		letter, err := p.mailbox.Take(takeCtx)
		takeCh <- result{letter, err}
	}()

	select {
	case r := <-takeCh:
		return r.letter, r.err
	case <-resumeCh:
		cancel()
		return Letter{}, nil
	case <-ctx.Done():
		cancel()
		return Letter{}, ctx.Err()
	}
}

// IsRunning reports whether the processor loop is currently executing.
func (p *MailboxProcessor) IsRunning() bool { return p.running.Load() }
