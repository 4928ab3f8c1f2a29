package management

import (
	"errors"
	"fmt"
	"path/filepath"

	"drillcontrol/internal/core"
	"drillcontrol/internal/orchestrator"
	"drillcontrol/internal/plan"
	"drillcontrol/pkg/types"
)

// controller implements ipc.Controller on top of the application layer.
// Task commands are marshaled onto the control loop and wait for it.
type controller struct {
	am *ApplicationManager
}

// LoadPlan parses and validates the descriptor, opens an audit round for it
// and loads it on the control loop.
func (c *controller) LoadPlan(path string) (interface{}, error) {
	p, err := plan.LoadFile(path)
	if err != nil {
		return nil, err
	}

	db := c.am.infrastructure.GetStore()
	round, err := db.CreateRound(filepath.Base(path), path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit round: %w", err)
	}

	err = c.call(func() error {
		if state := c.am.orchestrator.State(); state.IsActive() {
			return fmt.Errorf("%w: cannot load a plan while task is %s", types.ErrInvalidState, state)
		}
		c.am.roundID = round.ID
		c.am.orchestrator.SetRound(round.ID, path)
		return c.am.orchestrator.LoadPlan(p)
	})
	if err != nil {
		if finishErr := db.FinishRound(round.ID, "rejected"); finishErr != nil {
			c.am.logger.Warn("Failed to close rejected round", "round", round.ID, "error", finishErr)
		}
		return nil, err
	}

	return map[string]interface{}{
		"roundId": round.ID,
		"steps":   len(p.Steps),
		"source":  path,
	}, nil
}

func (c *controller) call(fn func() error) error {
	err := c.am.loop.Call(fn)
	if errors.Is(err, core.ErrLoopStopped) {
		return fmt.Errorf("%w: %v", types.ErrNotReady, err)
	}
	return err
}

// Start 启动已加载的任务
func (c *controller) Start() error {
	return c.call(c.am.orchestrator.Start)
}

func (c *controller) Pause() error {
	return c.call(c.am.orchestrator.Pause)
}

func (c *controller) Resume() error {
	return c.call(c.am.orchestrator.Resume)
}

func (c *controller) Abort() error {
	return c.call(c.am.orchestrator.Abort)
}

// EmergencyStop stops the hardware through the arbiter at once, so it is
// honoured even while the control loop is busy, then declines any open
// preemption prompt and queues the orchestrator's own emergency stop behind
// everything already forwarded to the loop.
func (c *controller) EmergencyStop() error {
	err := c.am.arbiter.EmergencyStop()
	c.am.confirmer.DeclineAll()
	c.am.forward(func() {
		if oerr := c.am.orchestrator.EmergencyStop(); oerr != nil {
			c.am.logger.Error("Orchestrator emergency stop failed", "error", oerr)
		}
	})
	return err
}

// Status 汇总任务、运动控制权与模块状态
func (c *controller) Status() (interface{}, error) {
	var snap orchestrator.Status
	if err := c.call(func() error {
		snap = c.am.orchestrator.Snapshot()
		return nil
	}); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"task": snap,
		"motion": map[string]interface{}{
			"holder":      c.am.arbiter.Holder().String(),
			"description": c.am.arbiter.Description(),
		},
		"modules":       c.am.loop.GetModuleStatus(),
		"droppedFrames": c.am.loop.DroppedFrames(),
	}, nil
}

