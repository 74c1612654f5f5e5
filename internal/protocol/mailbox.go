package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/notedown/internal/logger"
)

// Error types for distinguishing delivery outcomes.
var (
	// ErrTimeout means no reply arrived before the deadline.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrNoReceiver means no actor is resident to take the message.
	ErrNoReceiver = errors.New("receiving end does not exist")
	// ErrOriginRejected means the sender's origin is not allow-listed.
	ErrOriginRejected = errors.New("origin not allowed")
)

// Envelope is a message in flight together with its reply slot.
type Envelope struct {
	Message Message
	Sender  Sender

	reply    chan Response
	once     sync.Once
	replied  atomic.Bool
	rejected atomic.Bool
}

// NewEnvelope wraps msg for delivery.
func NewEnvelope(msg Message, sender Sender) *Envelope {
	return &Envelope{
		Message: msg,
		Sender:  sender,
		reply:   make(chan Response, 1),
	}
}

// Reply answers the envelope. Only the first reply is delivered; later
// ones report false. A reply nobody waits for any more is dropped.
func (e *Envelope) Reply(resp Response) bool {
	return e.answer(resp, false)
}

// reject answers the envelope on behalf of a receiver that went away.
func (e *Envelope) reject() {
	e.answer(Failure(ErrNoReceiver.Error()), true)
}

func (e *Envelope) answer(resp Response, rejected bool) bool {
	sent := false
	e.once.Do(func() {
		resp.ID = e.Message.ID
		e.rejected.Store(rejected)
		e.reply <- resp
		e.replied.Store(true)
		sent = true
	})
	return sent
}

// Replied reports whether the envelope has been answered.
func (e *Envelope) Replied() bool {
	return e.replied.Load()
}

// Done yields the reply.
func (e *Envelope) Done() <-chan Response {
	return e.reply
}

// Mailbox is the inbound queue of one actor.
type Mailbox struct {
	ch        chan *Envelope
	closed    chan struct{}
	closeOnce sync.Once
	// mu orders Close's drain against enqueues that raced with it.
	mu sync.Mutex
}

// NewMailbox creates a mailbox buffering up to size envelopes.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		ch:     make(chan *Envelope, size),
		closed: make(chan struct{}),
	}
}

// Deliver enqueues env. It fails with ErrNoReceiver once the mailbox is
// closed, including when Close wins a race with the enqueue.
func (m *Mailbox) Deliver(ctx context.Context, env *Envelope) error {
	if m == nil || m.Closed() {
		return ErrNoReceiver
	}
	select {
	case m.ch <- env:
	case <-m.closed:
		return ErrNoReceiver
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	if m.Closed() {
		m.drain()
	}
	m.mu.Unlock()
	if env.rejected.Load() {
		return ErrNoReceiver
	}
	return nil
}

// Close marks the actor as gone. Queued envelopes are rejected with
// ErrNoReceiver.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		close(m.closed)
		m.drain()
	})
}

func (m *Mailbox) drain() {
	for {
		select {
		case env := <-m.ch:
			env.reject()
		default:
			return
		}
	}
}

// Closed reports whether the mailbox no longer accepts envelopes.
func (m *Mailbox) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Handler processes one envelope. Returning deferred=true keeps the reply
// slot open for an answer produced later, typically by a goroutine the
// handler started. A handler that returns false without replying gets a
// failure reply from the loop.
type Handler func(ctx context.Context, env *Envelope) (deferred bool)

// Serve drains mb with h until ctx is done, then closes mb.
func Serve(ctx context.Context, mb *Mailbox, h Handler) error {
	defer mb.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mb.closed:
			return nil
		case env := <-mb.ch:
			deferred := dispatch(ctx, env, h)
			if !deferred && !env.Replied() {
				env.Reply(Failure("no response from handler"))
			}
		}
	}
}

func dispatch(ctx context.Context, env *Envelope, h Handler) (deferred bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message handler panic", "type", env.Message.Type, "panic", r)
			env.Reply(Failure("internal error"))
			deferred = false
		}
	}()
	return h(ctx, env)
}

// Call delivers msg to mb and waits up to timeout for the reply. Messages
// without an id are given one. A missing receiver yields ErrNoReceiver; an
// expired deadline yields ErrTimeout.
func Call(ctx context.Context, mb *Mailbox, msg Message, sender Sender, timeout time.Duration) (Response, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := NewEnvelope(msg, sender)
	if err := mb.Deliver(ctx, env); err != nil {
		return Response{}, callError(err, msg, timeout)
	}

	select {
	case resp := <-env.Done():
		if env.rejected.Load() {
			return Response{}, ErrNoReceiver
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, callError(ctx.Err(), msg, timeout)
	}
}

func callError(err error, msg Message, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, msg.Type, timeout)
	}
	return err
}
