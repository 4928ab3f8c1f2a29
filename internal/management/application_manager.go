package management

import (
	"context"
	"fmt"
	"sync"

	"drillcontrol/internal/arbiter"
	"drillcontrol/internal/core"
	"drillcontrol/internal/hardware"
	"drillcontrol/internal/ipc"
	"drillcontrol/internal/logging"
	"drillcontrol/internal/orchestrator"
	"drillcontrol/internal/safety"
	"drillcontrol/pkg/types"
)

// Options 运行时覆盖项
type Options struct {
	// ForceSim replaces the configured hardware driver with the simulator.
	ForceSim bool
}

// ApplicationManager owns the control loop and everything that runs on it:
// the orchestrator with its safety monitor, the motion arbiter and the
// assembled rig.
type ApplicationManager struct {
	infrastructure *InfrastructureManager

	loop          *core.Loop
	forwarder     *core.Forwarder
	arbiter       *arbiter.Arbiter
	orchestrator  *orchestrator.Orchestrator
	monitor       *safety.Monitor
	rig           *hardware.Rig
	confirmer     *ipc.RemoteConfirmer
	configHandler *ConfigHandler

	// 仅在控制循环上访问
	roundID string
	rounds  sync.WaitGroup

	logger *logging.Logger
}

// NewApplicationManager 按配置组装应用层；硬件在此连接
func NewApplicationManager(ctx context.Context, infrastructure *InfrastructureManager, opts Options) (*ApplicationManager, error) {
	cfg := infrastructure.GetSystemConfig()
	if opts.ForceSim {
		cfg.Hardware.Driver = "sim"
	}

	am := &ApplicationManager{
		infrastructure: infrastructure,
		logger:         logging.GetLogger("application"),
	}

	// 1. 控制循环
	am.loop = core.NewLoop(core.LoopConfig{
		TelemetryQueueSize: cfg.Control.TelemetryQueueSize,
		EventQueueSize:     cfg.Control.EventQueueSize,
	})
	am.forwarder = core.NewForwarder(am.loop)

	// 2. 硬件，遥测直接进入控制循环
	rig, err := infrastructure.GetHardwareFactory().Build(ctx, cfg.Hardware, am.loop.PushFrame)
	if err != nil {
		return nil, fmt.Errorf("failed to build hardware: %w", err)
	}
	am.rig = rig

	// 3. 仲裁器，冲突交给操作台确认
	server := infrastructure.GetIPCServer()
	am.confirmer = ipc.NewRemoteConfirmer(server.Broadcast, server.ClientCount, cfg.Arbiter.ConfirmTimeout)
	am.arbiter = arbiter.New(rig.Stopper, am.confirmer.Confirm)

	// 4. 安全监视器与编排器
	am.monitor = safety.NewMonitor(safety.ConfigFrom(cfg.Safety))
	am.orchestrator = orchestrator.New(am.arbiter, rig.Mechanisms, orchestrator.Options{
		Clock:          core.SystemClock{},
		Post:           am.post,
		Presets:        clonePresets(cfg.Presets),
		SensorWatchdog: cfg.Control.SensorWatchdog,
		Monitor:        am.monitor,
		Audit:          infrastructure.GetRecorder(),
	})
	am.loop.SetFrameHandler(am.orchestrator.OnTelemetry)

	// 5. 配置热加载
	am.configHandler = NewConfigHandler(infrastructure.GetConfigManager(), func(presets map[string]types.ParameterSet) {
		am.post(func() { am.orchestrator.SetPresets(presets) })
	}, am.logger)

	am.logger.Info("Application layer assembled", "driver", cfg.Hardware.Driver, "hardware_modules", len(rig.Modules))
	return am, nil
}

// post runs fn on the control loop; it must not be called from the loop.
func (am *ApplicationManager) post(fn func()) {
	if !am.loop.Post(fn) {
		am.logger.Debug("Control loop stopped, dropping callback")
	}
}

// forward is post for callers that may already be on the loop. Callbacks
// reach the loop in the order they were forwarded.
func (am *ApplicationManager) forward(fn func()) {
	am.forwarder.Forward(fn)
}

// SetupDependencies 连接回调、事件转发与 IPC 命令
func (am *ApplicationManager) SetupDependencies() error {
	am.logger.Info("Setting up application layer dependencies")

	// 1. 给进回调可能来自控制循环自身，经转发器按序投递
	am.rig.SetFeedCallbacks(
		func(target float64) {
			am.forward(func() { am.orchestrator.OnTargetReached(target) })
		},
		func(state types.FeedState) {
			am.forward(func() { am.orchestrator.OnFeedStateChanged(state) })
		},
	)

	// 2. 事件转发
	am.arbiter.Subscribe(am.onArbiterEvent)
	am.orchestrator.Subscribe(am.onTaskEvent)

	// 3. 硬件模块随控制循环启停
	for _, m := range am.rig.Modules {
		if err := am.loop.RegisterModule(m); err != nil {
			return fmt.Errorf("failed to register %s: %w", m.Name(), err)
		}
	}

	// 4. IPC 命令
	server := am.infrastructure.GetIPCServer()
	ipc.RegisterCommands(server, am.Controller(), am.confirmer)
	am.configHandler.Register(server)

	// 5. 配置监听
	am.infrastructure.WatchConfigChanges(am.configHandler.Apply)

	am.logger.Info("Application layer dependencies setup completed")
	return nil
}

func (am *ApplicationManager) Start(ctx context.Context) error {
	am.logger.Info("Starting application layer")
	if err := am.loop.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control loop: %w", err)
	}
	if err := am.forwarder.Start(ctx); err != nil {
		am.loop.Stop()
		return fmt.Errorf("failed to start loop forwarder: %w", err)
	}
	am.logger.Info("Application layer started successfully")
	return nil
}

// Stop aborts any active task, stops the rig and then the control loop.
func (am *ApplicationManager) Stop() error {
	am.logger.Info("Stopping application layer")

	var errs []error

	if am.loop.IsRunning() {
		err := am.loop.Call(func() error {
			if am.orchestrator.State().IsActive() {
				return am.orchestrator.Abort()
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("abort on shutdown: %w", err))
		}
	}

	if err := am.rig.Stopper.StopAll(); err != nil {
		errs = append(errs, fmt.Errorf("rig stop error: %w", err))
	}

	if err := am.loop.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("control loop stop error: %w", err))
	}
	if err := am.forwarder.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("loop forwarder stop error: %w", err))
	}

	if err := am.rig.Close(); err != nil {
		errs = append(errs, fmt.Errorf("hardware close error: %w", err))
	}

	// 等待轮次收尾写入完成，之后才能关闭存储
	am.rounds.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("application stop errors: %v", errs)
	}

	am.logger.Info("Application layer stopped successfully")
	return nil
}

func (am *ApplicationManager) onArbiterEvent(ev arbiter.Event) {
	am.broadcast(ipc.ArbiterEventMessage(ev))

	switch ev.Kind {
	case arbiter.EventGranted:
		source := ev.Source
		am.forward(func() { am.orchestrator.OnMotionGranted(source) })
	case arbiter.EventEmergencyStop:
		am.forward(am.orchestrator.OnMotionEmergencyStop)
	}
}

// onTaskEvent 在控制循环上运行
func (am *ApplicationManager) onTaskEvent(ev types.TaskEvent) {
	am.broadcast(ipc.TaskEventMessage(ev))

	if am.roundID == "" {
		return
	}
	var outcome string
	switch ev.Kind {
	case types.EventTaskCompleted:
		outcome = "completed"
	case types.EventTaskFailed:
		outcome = "failed"
		if ev.Failure != nil {
			outcome = string(ev.Failure.Kind) + ":" + ev.Failure.Code
		}
	default:
		return
	}
	am.rounds.Add(1)
	go am.finishRound(am.roundID, outcome)
}

func (am *ApplicationManager) finishRound(roundID, outcome string) {
	defer am.rounds.Done()
	if err := am.infrastructure.GetStore().FinishRound(roundID, outcome); err != nil {
		am.logger.Error("Failed to finish round", "round", roundID, "outcome", outcome, "error", err)
		return
	}
	am.logger.Info("Round finished", "round", roundID, "outcome", outcome)
}

func (am *ApplicationManager) broadcast(msg types.IPCMessage) {
	if err := am.infrastructure.GetIPCServer().Broadcast(msg); err != nil {
		am.logger.Warn("Broadcast failed", "type", msg.Type, "error", err)
	}
}

func (am *ApplicationManager) GetLoop() *core.Loop {
	return am.loop
}

func (am *ApplicationManager) GetArbiter() *arbiter.Arbiter {
	return am.arbiter
}

func (am *ApplicationManager) GetOrchestrator() *orchestrator.Orchestrator {
	return am.orchestrator
}

// Controller returns the command surface consoles drive over IPC.
func (am *ApplicationManager) Controller() ipc.Controller {
	return &controller{am: am}
}
