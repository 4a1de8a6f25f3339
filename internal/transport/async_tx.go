package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/romixlab/mcan/frame"
)

// AsyncTx funnels frame writes through a single goroutine with non-blocking
// enqueue semantics: when the internal buffer is full, SendFrame invokes the
// OnDrop hook and returns its error instead of blocking the producer behind
// a slow sink. The gateway uses it in front of the host SocketCAN device and
// the driver submit path.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan frame.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(frame.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior per sink without duplicating the
// goroutine and buffer plumbing.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its return value becomes
	// SendFrame's result. A nil hook makes overflow silent.
	OnDrop func() error
}

// ErrClosed is returned by SendFrame after Close.
var ErrClosed = errors.New("async tx closed")

// NewAsyncTx starts a writer with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func(frame.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan frame.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues a frame for asynchronous transmission, returning the drop
// error when the buffer is full and ErrClosed after Close.
func (a *AsyncTx) SendFrame(fr frame.Frame) error {
	// Fast path so steady-state sends skip the lock once shut down.
	if a.closed.Load() {
		return ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit. Idempotent.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
