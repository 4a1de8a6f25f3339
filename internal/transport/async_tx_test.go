package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/romixlab/mcan/frame"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func TestAsyncTxSuccess(t *testing.T) {
	var sent, after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(fr frame.Frame) error {
		sent.Add(1)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.SendFrame(frame.Frame{ID: uint32(i)}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && sent.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
}

func TestAsyncTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	ax := NewAsyncTx(ctx, 1,
		func(fr frame.Frame) error { time.Sleep(150 * time.Millisecond); return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	if err := ax.SendFrame(frame.Frame{}); err != nil {
		t.Fatalf("unexpected error on first enqueue: %v", err)
	}
	// Second enqueue should overflow (buffer=1, worker sleeping).
	if err := ax.SendFrame(frame.Frame{}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2,
		func(fr frame.Frame) error { return errSendFail },
		Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.SendFrame(frame.Frame{})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	ax := NewAsyncTx(context.Background(), 2, func(fr frame.Frame) error { return nil }, Hooks{})
	ax.Close()
	if err := ax.SendFrame(frame.Frame{ID: 123}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(fr frame.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.SendFrame(frame.Frame{})
		}()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
