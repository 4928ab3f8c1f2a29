package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"drillcontrol/pkg/types"
)

func TestFeedMovesTowardTarget(t *testing.T) {
	var frames []types.Frame
	rig := NewRig(DefaultConfig(), func(f types.Frame) bool {
		frames = append(frames, f)
		return true
	})
	var reached []float64
	var states []types.FeedState
	rig.SetCallbacks(func(d float64) { reached = append(reached, d) }, func(s types.FeedState) { states = append(states, s) })

	if !rig.Feed.SetTargetDepth(10, 60) {
		t.Fatal("target rejected")
	}

	// 60 mm/min → 1 mm/s
	rig.Step(time.Second)
	if math.Abs(rig.Depth()-1) > 1e-9 {
		t.Fatalf("depth = %v, want 1", rig.Depth())
	}
	s := types.Sample{}.Apply(frames[0])
	if s.Velocity != 60 {
		t.Fatalf("velocity = %v", s.Velocity)
	}

	for i := 0; i < 20 && len(reached) == 0; i++ {
		rig.Step(time.Second)
	}
	if len(reached) != 1 || reached[0] != 10 || rig.Depth() != 10 {
		t.Fatalf("reached = %v, depth = %v", reached, rig.Depth())
	}
	if states[0] != types.FeedMoving || states[len(states)-1] != types.FeedReached {
		t.Fatalf("states = %v", states)
	}

	rig.Step(time.Second)
	if len(reached) != 1 {
		t.Fatal("reached reported twice")
	}
}

func TestFeedRejectsOutOfTravel(t *testing.T) {
	rig := NewRig(DefaultConfig(), nil)
	if rig.Feed.SetTargetDepth(2500, 60) || rig.Feed.SetTargetDepth(-1, 60) || rig.Feed.SetTargetDepth(10, 0) {
		t.Fatal("invalid target accepted")
	}
}

func TestTorqueModel(t *testing.T) {
	var last types.Sample
	cfg := DefaultConfig()
	rig := NewRig(cfg, func(f types.Frame) bool {
		last = last.Apply(f)
		return true
	})

	rig.Step(cfg.Interval)
	if last.Torque != 0 {
		t.Fatalf("idle torque = %v", last.Torque)
	}

	rig.Rotation.SetSpeed(100)
	rig.Rotation.StartRotation()
	rig.Percussion.SetFrequency(20)
	rig.Percussion.StartPercussion()
	rig.SetExtraLoad(500)
	rig.Step(cfg.Interval)

	want := cfg.IdleTorque + 100*cfg.TorquePerRPM + 500 + 20*cfg.TorquePerHz
	if last.Torque != want {
		t.Fatalf("torque = %v, want %v", last.Torque, want)
	}
	if last.UpperForce != cfg.UpperForce || last.LowerForce != cfg.LowerForce {
		t.Fatalf("forces = %v/%v", last.UpperForce, last.LowerForce)
	}
}

func TestStopAll(t *testing.T) {
	rig := NewRig(DefaultConfig(), nil)
	rig.Rotation.StartRotation()
	rig.Percussion.StartPercussion()
	rig.Feed.SetTargetDepth(100, 60)

	if err := rig.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if rig.Rotation.IsRotating() || rig.Percussion.IsPercussing() || rig.Feed.State() != types.FeedStopped {
		t.Fatal("rig still active after stop-all")
	}

	before := rig.Depth()
	rig.Step(time.Second)
	if rig.Depth() != before {
		t.Fatal("feed moved after stop-all")
	}
}

func TestModuleLifecycle(t *testing.T) {
	got := make(chan types.Frame, 4)
	cfg := DefaultConfig()
	cfg.Interval = 2 * time.Millisecond
	rig := NewRig(cfg, func(f types.Frame) bool {
		select {
		case got <- f:
		default:
		}
		return true
	})

	if err := rig.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("no telemetry")
	}
	if err := rig.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rig.Stop() == nil {
		t.Fatal("second Stop succeeded")
	}
}
