package core

import (
	"context"
	"testing"
	"time"
)

func startForwarder(t *testing.T, l *Loop) *Forwarder {
	t.Helper()
	f := NewForwarder(l)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = f.Stop() })
	return f
}

func TestForwarderPreservesOrder(t *testing.T) {
	l := startLoop(t, LoopConfig{EventQueueSize: 2})
	f := startForwarder(t, l)

	const n = 200
	var got []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		f.Forward(func() {
			got = append(got, i)
			if len(got) == n {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivered %d of %d callbacks", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d delivered at position %d", v, i)
		}
	}
}

func TestForwardFromLoopDoesNotDeadlock(t *testing.T) {
	l := startLoop(t, LoopConfig{EventQueueSize: 1})
	f := startForwarder(t, l)

	var order []string
	done := make(chan struct{})
	err := l.Call(func() error {
		// 在循环内连续转发，超过事件队列容量
		for _, name := range []string{"target_reached", "state_changed", "granted"} {
			name := name
			f.Forward(func() {
				order = append(order, name)
				if len(order) == 3 {
					close(done)
				}
			})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivered %v", order)
	}
	if order[0] != "target_reached" || order[1] != "state_changed" || order[2] != "granted" {
		t.Fatalf("order = %v", order)
	}
}

func TestForwarderStopsWithLoop(t *testing.T) {
	l := startLoop(t, LoopConfig{})
	f := NewForwarder(l)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("loop Stop: %v", err)
	}

	f.Forward(func() { t.Error("callback ran after the loop stopped") })
	if err := f.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.Stop(); err == nil {
		t.Fatal("second Stop succeeded")
	}
}
