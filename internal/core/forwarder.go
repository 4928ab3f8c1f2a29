package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"drillcontrol/internal/logging"
)

// Forwarder hands callbacks raised on other goroutines, or on the loop
// itself, to a Loop in the order they were raised. Forward never blocks;
// a single goroutine drains the backlog into Loop.Post.
type Forwarder struct {
	loop *Loop

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	logger *logging.Logger
}

func NewForwarder(loop *Loop) *Forwarder {
	return &Forwarder{
		loop:   loop,
		wake:   make(chan struct{}, 1),
		logger: logging.GetLogger("loop_forwarder"),
	}
}

func (f *Forwarder) Start(ctx context.Context) error {
	if f.running.Load() {
		return fmt.Errorf("forwarder is already running")
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.running.Store(true)
	f.wg.Add(1)
	go f.run()
	return nil
}

// Stop discards whatever has not reached the loop yet.
func (f *Forwarder) Stop() error {
	if !f.running.Swap(false) {
		return fmt.Errorf("forwarder is not running")
	}
	f.cancel()
	f.wg.Wait()

	f.mu.Lock()
	dropped := len(f.pending)
	f.pending = nil
	f.mu.Unlock()
	if dropped > 0 {
		f.logger.Debug("Discarded pending callbacks", "count", dropped)
	}
	return nil
}

// Forward queues fn for the loop.
func (f *Forwarder) Forward(fn func()) {
	f.mu.Lock()
	f.pending = append(f.pending, fn)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Pending 尚未投递到控制循环的回调数
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Forwarder) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.wake:
		}

		for {
			f.mu.Lock()
			batch := f.pending
			f.pending = nil
			f.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if !f.loop.Post(fn) {
					f.logger.Debug("Control loop stopped, dropping callback")
				}
				if f.ctx.Err() != nil {
					return
				}
			}
		}
	}
}
