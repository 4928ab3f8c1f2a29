// Package orchestrator drives a loaded task plan step by step against the
// feed, rotation and percussion mechanisms, arming the safety monitor with
// each step's parameter set and holding the motion grant for the whole run.
//
// An Orchestrator is not safe for concurrent use. Every method must be
// called from the control loop (see core.Loop); callbacks from timers and
// mechanisms are marshaled there through the injected Post function.
package orchestrator

import (
	"fmt"
	"math"
	"time"

	"drillcontrol/internal/core"
	"drillcontrol/internal/logging"
	"drillcontrol/internal/plan"
	"drillcontrol/internal/safety"
	"drillcontrol/pkg/types"
)

// 运行期故障代码
const (
	CodeStepTimeout     = "STEP_TIMEOUT"
	CodeSensorTimeout   = "SENSOR_TIMEOUT"
	CodeInvalidPreset   = "INVALID_PRESET"
	CodeFeedRejected    = "FEED_REJECTED"
	CodeFeedFault       = "FEED_FAULT"
	CodeMechanismFailed = "MECHANISM_REJECTED"
	CodeMotionPreempted = "MOTION_PREEMPTED"
	CodeAborted         = "ABORTED"
	CodeEmergencyStop   = "EMERGENCY_STOP"
)

const (
	defaultSensorWatchdog = 2 * time.Second
	targetMatchTolerance  = 1e-6
)

// Options 可选依赖；零值字段使用默认实现
type Options struct {
	Clock core.Clock
	// Post runs fn on the control loop. Defaults to calling fn directly.
	Post func(fn func())
	// Presets is the site preset library consulted after the plan's own sets.
	Presets map[string]types.ParameterSet
	// SensorWatchdog fails an active task after this long without
	// telemetry. Zero selects the default, a negative value disables it.
	SensorWatchdog time.Duration
	Monitor        *safety.Monitor
	Audit          AuditSink
}

// Status is a point-in-time view for presentation layers.
type Status struct {
	State        types.TaskState      `json:"state"`
	StepIndex    int                  `json:"stepIndex"`
	StepCount    int                  `json:"stepCount"`
	StepProgress string               `json:"stepProgress"`
	Progress     float64              `json:"progress"`
	Plan         string               `json:"plan,omitempty"`
	RoundID      string               `json:"roundId,omitempty"`
	HoldsMotion  bool                 `json:"holdsMotion"`
	Fault        *types.FaultRecord   `json:"fault,omitempty"`
	Failure      *types.FailureReason `json:"failure,omitempty"`
	Telemetry    types.Sample         `json:"telemetry"`
}

type Orchestrator struct {
	arbiter MotionArbiter
	mech    Mechanisms
	monitor *safety.Monitor
	audit   AuditSink
	presets map[string]types.ParameterSet

	clock    core.Clock
	post     func(func())
	watchdog time.Duration

	plan         *types.TaskPlan
	state        types.TaskState
	stepIndex    int
	stepProgress types.StepProgress
	activeParams types.ParameterSet
	holdsGrant   bool
	pausedFrom   types.TaskState
	progress     float64
	lastFailure  *types.FailureReason

	last        types.Sample
	haveSample  bool
	lastFrameAt time.Time

	stepTimeout *stepTimer
	holdTimer   *stepTimer
	sensorTimer *stepTimer

	// 暂停时保存的剩余时间
	pausedTimeout time.Duration
	pausedHold    time.Duration

	roundID  string
	taskFile string

	subscribers []func(types.TaskEvent)
	logger      *logging.Logger
}

func New(arbiter MotionArbiter, mech Mechanisms, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	if opts.Monitor == nil {
		opts.Monitor = safety.NewMonitor(safety.DefaultConfig())
	}
	switch {
	case opts.SensorWatchdog == 0:
		opts.SensorWatchdog = defaultSensorWatchdog
	case opts.SensorWatchdog < 0:
		opts.SensorWatchdog = 0
	}

	o := &Orchestrator{
		arbiter:   arbiter,
		mech:      mech,
		monitor:   opts.Monitor,
		audit:     opts.Audit,
		presets:   opts.Presets,
		clock:     opts.Clock,
		post:      opts.Post,
		watchdog:  opts.SensorWatchdog,
		stepIndex: -1,
		logger:    logging.GetLogger("orchestrator"),
	}
	o.stepTimeout = newStepTimer(o.clock, o.post)
	o.holdTimer = newStepTimer(o.clock, o.post)
	o.sensorTimer = newStepTimer(o.clock, o.post)
	o.monitor.Subscribe(o.onFault)
	return o
}

// Subscribe registers a lifecycle event listener. Listeners run on the
// control loop after the transition they describe has taken effect.
func (o *Orchestrator) Subscribe(fn func(types.TaskEvent)) {
	o.subscribers = append(o.subscribers, fn)
}

// SetRound tags subsequent audit records.
func (o *Orchestrator) SetRound(roundID, taskFile string) {
	o.roundID = roundID
	if taskFile != "" {
		o.taskFile = taskFile
	}
}

// SetPresets 替换现场参数组库（配置热加载）
func (o *Orchestrator) SetPresets(presets map[string]types.ParameterSet) {
	o.presets = presets
}

// LoadPlanFile reads a descriptor from disk and loads it.
func (o *Orchestrator) LoadPlanFile(path string) error {
	if o.state.IsActive() {
		return fmt.Errorf("%w: cannot load a plan while task is %s", types.ErrInvalidState, o.state)
	}
	p, err := plan.LoadFile(path)
	if err != nil {
		return err
	}
	return o.LoadPlan(p)
}

// LoadPlan validates p and replaces the current plan wholesale. It never
// starts execution.
func (o *Orchestrator) LoadPlan(p *types.TaskPlan) error {
	if o.state.IsActive() {
		return fmt.Errorf("%w: cannot load a plan while task is %s", types.ErrInvalidState, o.state)
	}
	if p == nil {
		return fmt.Errorf("%w: plan is nil", types.ErrValidation)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	o.plan = p
	if p.Source != "" {
		o.taskFile = p.Source
	}
	o.resetRun()
	o.logger.Info("Task plan loaded", "steps", len(p.Steps), "presets", len(p.Presets), "source", p.Source)

	o.setState(types.TaskIdle, "plan loaded")
	o.emit(types.TaskEvent{Kind: types.EventLogMessage, Message: fmt.Sprintf("loaded plan with %d steps", len(p.Steps))})
	return nil
}

func (o *Orchestrator) resetRun() {
	o.stopTimers()
	o.monitor.Disarm()
	o.monitor.ClearFault()
	o.stepIndex = -1
	o.stepProgress = types.StepPending
	o.activeParams = types.ParameterSet{}
	o.progress = 0
	o.lastFailure = nil
	o.pausedTimeout = 0
	o.pausedHold = 0
}

// Start checks every precondition, takes the motion grant and executes the
// first step. Precondition failures return ErrNotReady and leave the task
// untouched.
func (o *Orchestrator) Start() error {
	if o.plan == nil || len(o.plan.Steps) == 0 {
		return fmt.Errorf("%w: no task plan loaded", types.ErrNotReady)
	}
	if o.state != types.TaskIdle {
		return fmt.Errorf("%w: cannot start from %s, reload the plan first", types.ErrInvalidState, o.state)
	}
	if !o.mech.complete() {
		return fmt.Errorf("%w: mechanism collaborators not attached", types.ErrNotReady)
	}
	if err := o.checkTelemetry(); err != nil {
		return err
	}
	if o.arbiter == nil {
		return fmt.Errorf("%w: no motion arbiter", types.ErrNotReady)
	}
	if !o.arbiter.Acquire(types.SourceAutoScript, o.grantDescription()) {
		return fmt.Errorf("%w: motion access not granted", types.ErrNotReady)
	}
	o.holdsGrant = true

	o.resetRun()
	o.logger.Info("Task started", "steps", len(o.plan.Steps), "round", o.roundID)
	o.setState(types.TaskPreparing, "task started")
	o.armWatchdog()
	o.executeNextStep()
	return nil
}

func (o *Orchestrator) checkTelemetry() error {
	if !o.haveSample {
		return fmt.Errorf("%w: no telemetry received", types.ErrNotReady)
	}
	if o.watchdog > 0 {
		if age := o.clock.Now().Sub(o.lastFrameAt); age > o.watchdog {
			return fmt.Errorf("%w: telemetry stale for %v", types.ErrNotReady, age.Round(time.Millisecond))
		}
	}
	return nil
}

func (o *Orchestrator) grantDescription() string {
	if o.taskFile != "" {
		return "task " + o.taskFile
	}
	return "automated task"
}

// Pause stops all motion and timers but keeps the motion grant.
func (o *Orchestrator) Pause() error {
	if o.state != types.TaskMoving && o.state != types.TaskDrilling {
		return fmt.Errorf("%w: cannot pause from %s", types.ErrInvalidState, o.state)
	}

	o.pausedTimeout = o.stepTimeout.remaining()
	o.pausedHold = o.holdTimer.remaining()
	o.stopTimers()
	o.monitor.Disarm()
	o.stopMechanisms()

	o.pausedFrom = o.state
	o.logger.Info("Task paused", "step", o.stepIndex, "remaining_timeout", o.pausedTimeout, "remaining_hold", o.pausedHold)
	o.setState(types.TaskPaused, fmt.Sprintf("paused at step %d", o.stepIndex+1))
	return nil
}

// Resume re-arms the step's parameter set and re-issues its motion command.
// The grant taken at start is reused; Resume never acquires.
func (o *Orchestrator) Resume() error {
	if o.state != types.TaskPaused {
		return fmt.Errorf("%w: cannot resume from %s", types.ErrInvalidState, o.state)
	}
	if !o.ensureGrant() {
		return fmt.Errorf("%w: motion grant no longer held", types.ErrNotReady)
	}
	if err := o.checkTelemetry(); err != nil {
		return err
	}

	step := o.plan.Steps[o.stepIndex]
	o.armWatchdog()
	if o.pausedTimeout > 0 {
		o.stepTimeout.arm(o.pausedTimeout, o.onStepTimeout)
	}

	if step.Kind == types.StepHold {
		o.holdTimer.arm(max(time.Millisecond, o.pausedHold), o.holdElapsed(o.stepIndex))
		o.setState(types.TaskMoving, "resumed hold")
		return nil
	}

	if err := o.applySetpoints(step, o.activeParams); err != nil {
		o.failTask(types.FailureRuntime, CodeMechanismFailed, err.Error())
		return nil
	}
	o.monitor.Arm(o.activeParams)
	if !o.ensureGrant() {
		return fmt.Errorf("%w: motion grant lost during resume", types.ErrNotReady)
	}
	if !o.mech.Feed.SetTargetDepth(step.TargetDepth, o.activeParams.FeedSpeed) {
		o.failTask(types.FailureRuntime, CodeFeedRejected, fmt.Sprintf("feed rejected target depth %.1fmm on resume", step.TargetDepth))
		return nil
	}
	o.logger.Info("Task resumed", "step", o.stepIndex)
	o.setState(o.pausedFrom, "resumed")
	return nil
}

// Abort cancels an active run. Aborting a finished or failed run is a no-op.
func (o *Orchestrator) Abort() error {
	switch {
	case o.state == types.TaskIdle:
		return fmt.Errorf("%w: no task running", types.ErrInvalidState)
	case !o.state.IsActive():
		return nil
	}
	o.logger.Warn("Task aborted by operator", "step", o.stepIndex)
	o.failTask(types.FailureCancelled, CodeAborted, "aborted by operator")
	return nil
}

// EmergencyStop triggers the arbiter's hardware stop-all first and then
// cleans up like Abort, whatever the current state.
func (o *Orchestrator) EmergencyStop() error {
	var err error
	if o.arbiter != nil {
		err = o.arbiter.EmergencyStop()
	}
	// 急停已强制清空持有者
	o.holdsGrant = false

	if o.state.IsActive() {
		o.failTask(types.FailureCancelled, CodeEmergencyStop, "emergency stop")
	} else {
		o.stopTimers()
		o.monitor.Disarm()
		o.monitor.ClearFault()
		o.stopMechanisms()
	}
	o.logger.Warn("Emergency stop handled", "state", o.state.String())
	return err
}

// OnTelemetry merges a frame into the last-known sample, feeds the safety
// monitor, updates progress and evaluates the current step's stop-condition.
func (o *Orchestrator) OnTelemetry(f types.Frame) {
	now := o.clock.Now()
	if f.At.IsZero() {
		f.At = now
	}
	o.last = o.last.Apply(f)
	o.haveSample = true
	o.lastFrameAt = now

	if o.sensorTimer.active() {
		o.armWatchdog()
	}

	o.monitor.OnTelemetry(o.last)

	o.updateProgress()

	if !o.stepRunning() {
		return
	}
	step := o.plan.Steps[o.stepIndex]
	if !step.IsMotion() {
		return
	}
	if conditionsMatch(step.Conditions, step.Logic, o.last, o.activeParams) {
		o.logger.Info("Stop condition matched", "step", o.stepIndex, "depth", o.last.Depth)
		if err := o.mech.Feed.Stop(); err != nil {
			o.logger.Error("Failed to stop feed on stop condition", "error", err)
		}
		o.completeCurrentStep(o.stepIndex, "stop condition matched")
	}
}

// OnTargetReached handles the feed mechanism's target-reached event. The
// reported target must be the current step's; a late event for an earlier
// command is ignored.
func (o *Orchestrator) OnTargetReached(target float64) {
	if !o.stepRunning() {
		return
	}
	step := o.plan.Steps[o.stepIndex]
	if !step.IsMotion() {
		return
	}
	if math.Abs(target-step.TargetDepth) > targetMatchTolerance {
		o.logger.Debug("Ignoring stale target-reached", "target", target, "step_target", step.TargetDepth)
		return
	}
	o.completeCurrentStep(o.stepIndex, "target reached")
}

// OnFeedStateChanged handles the feed mechanism's state-change event.
func (o *Orchestrator) OnFeedStateChanged(state types.FeedState) {
	o.logger.Debug("Feed state changed", "state", string(state))
	if state == types.FeedFault && o.stepRunning() && o.plan.Steps[o.stepIndex].IsMotion() {
		o.failTask(types.FailureRuntime, CodeFeedFault, "feed mechanism reported a fault")
	}
}

// OnMotionGranted is told about every arbiter grant. A grant to anyone else
// while this task holds motion means the task was preempted.
func (o *Orchestrator) OnMotionGranted(source types.MotionSource) {
	if !o.holdsGrant || source == types.SourceAutoScript {
		return
	}
	o.holdsGrant = false
	o.failTask(types.FailureRuntime, CodeMotionPreempted, "motion preempted by "+source.String())
}

// OnMotionEmergencyStop is told about emergency stops issued directly on
// the arbiter by other control sources.
func (o *Orchestrator) OnMotionEmergencyStop() {
	o.holdsGrant = false
	if o.state.IsActive() {
		o.failTask(types.FailureCancelled, CodeEmergencyStop, "emergency stop")
	}
}

func (o *Orchestrator) stepRunning() bool {
	if o.plan == nil || o.stepIndex < 0 || o.stepIndex >= len(o.plan.Steps) {
		return false
	}
	return (o.state == types.TaskMoving || o.state == types.TaskDrilling) &&
		o.stepProgress == types.StepInProgress
}

func (o *Orchestrator) updateProgress() {
	if o.plan == nil {
		return
	}
	deepest := o.plan.MaxTargetDepth()
	if deepest <= 0 {
		return
	}
	pct := math.Max(0, math.Min(100, o.last.Depth/deepest*100))
	if pct == o.progress {
		return
	}
	o.progress = pct
	if o.state.IsActive() {
		o.emit(types.TaskEvent{Kind: types.EventProgressUpdated})
	}
}

// executeNextStep advances the index and starts the step, or finishes the
// task past the last step.
func (o *Orchestrator) executeNextStep() {
	o.stopStepTimers()
	o.stepIndex++

	if o.stepIndex >= len(o.plan.Steps) {
		o.finishTask()
		return
	}

	// 仲裁器上的急停或抢占可能先于其通知到达
	if !o.ensureGrant() {
		return
	}

	step := o.plan.Steps[o.stepIndex]
	o.stepProgress = types.StepInProgress
	o.logger.Info("Step started", "step", o.stepIndex, "type", string(step.Kind), "target", step.TargetDepth, "preset", step.Preset)
	o.emit(types.TaskEvent{Kind: types.EventStepStarted, Message: describeStep(step)})

	if d := step.Timeout(); d > 0 {
		o.stepTimeout.arm(d, o.onStepTimeout)
	}

	if step.Kind == types.StepHold {
		o.monitor.Disarm()
		o.activeParams = types.ParameterSet{}
		o.holdTimer.arm(step.HoldDuration(), o.holdElapsed(o.stepIndex))
		o.setState(types.TaskMoving, "holding position")
		return
	}

	params, ok := o.resolvePreset(step.Preset)
	if !ok {
		o.failTask(types.FailureRuntime, CodeInvalidPreset,
			fmt.Sprintf("step %d: parameter set %q is undefined or invalid", o.stepIndex+1, step.Preset))
		return
	}
	o.activeParams = params

	if err := o.applySetpoints(step, params); err != nil {
		o.failTask(types.FailureRuntime, CodeMechanismFailed, fmt.Sprintf("step %d: %v", o.stepIndex+1, err))
		return
	}

	o.monitor.ClearFault()
	o.monitor.Arm(params)

	if !o.ensureGrant() {
		return
	}
	if !o.mech.Feed.SetTargetDepth(step.TargetDepth, params.FeedSpeed) {
		o.failTask(types.FailureRuntime, CodeFeedRejected,
			fmt.Sprintf("step %d: feed rejected target depth %.1fmm", o.stepIndex+1, step.TargetDepth))
		return
	}

	if step.Kind == types.StepDrilling {
		o.setState(types.TaskDrilling, "drilling")
	} else {
		o.setState(types.TaskMoving, "positioning")
	}
}

// resolvePreset looks the id up in the plan, then the site library, then
// the built-in defaults. The first valid set wins.
func (o *Orchestrator) resolvePreset(id string) (types.ParameterSet, bool) {
	if ps, ok := o.plan.Presets[id]; ok && ps.IsValid() {
		return ps, true
	}
	if ps, ok := o.presets[id]; ok && ps.IsValid() {
		if ps.ID == "" {
			ps.ID = id
		}
		return ps, true
	}
	if ps, ok := types.DefaultParameterSet(id); ok && ps.IsValid() {
		return ps, true
	}
	return types.ParameterSet{}, false
}

// ensureGrant reports whether this task still holds the motion grant on the
// arbiter. When it does not, the task fails: an empty holder means an
// emergency stop, any other holder a preemption.
func (o *Orchestrator) ensureGrant() bool {
	holder := types.SourceNone
	if o.arbiter != nil {
		holder = o.arbiter.Holder()
	}
	if o.holdsGrant && holder == types.SourceAutoScript {
		return true
	}
	o.holdsGrant = false
	if holder == types.SourceNone {
		o.failTask(types.FailureCancelled, CodeEmergencyStop, "emergency stop")
	} else {
		o.failTask(types.FailureRuntime, CodeMotionPreempted, "motion preempted by "+holder.String())
	}
	return false
}

// applySetpoints 回转在 rpm>0 时启动；冲击仅在钻进步骤且频率>0 时启动
func (o *Orchestrator) applySetpoints(step types.TaskStep, p types.ParameterSet) error {
	rot := o.mech.Rotation
	if p.RotationRPM > 0 {
		if err := rot.SetSpeed(p.RotationRPM); err != nil {
			return fmt.Errorf("rotation rejected %.0f rpm: %w", p.RotationRPM, err)
		}
		if !rot.IsRotating() {
			if err := rot.StartRotation(); err != nil {
				return fmt.Errorf("rotation failed to start: %w", err)
			}
		}
	} else if rot.IsRotating() {
		if err := rot.StopRotation(); err != nil {
			return fmt.Errorf("rotation failed to stop: %w", err)
		}
	}

	perc := o.mech.Percussion
	if step.Kind == types.StepDrilling && p.ImpactFrequency > 0 {
		if err := perc.SetFrequency(p.ImpactFrequency); err != nil {
			return fmt.Errorf("percussion rejected %.1f Hz: %w", p.ImpactFrequency, err)
		}
		if !perc.IsPercussing() {
			if err := perc.StartPercussion(); err != nil {
				return fmt.Errorf("percussion failed to start: %w", err)
			}
		}
	} else if perc.IsPercussing() {
		if err := perc.StopPercussion(); err != nil {
			return fmt.Errorf("percussion failed to stop: %w", err)
		}
	}
	return nil
}

// completeCurrentStep is guarded by the step progress substate: only the
// first trigger for an in-progress step has any effect, and a trigger
// raised for another step is dropped.
func (o *Orchestrator) completeCurrentStep(step int, reason string) {
	if step != o.stepIndex || o.stepProgress != types.StepInProgress {
		return
	}
	o.stepProgress = types.StepCompleted
	o.stopStepTimers()
	o.monitor.Disarm()
	o.monitor.ClearFault()

	o.logger.Info("Step completed", "step", o.stepIndex, "reason", reason)
	o.emit(types.TaskEvent{Kind: types.EventStepCompleted, Message: reason})
	o.executeNextStep()
}

func (o *Orchestrator) finishTask() {
	o.stopTimers()
	o.stopMechanisms()
	o.monitor.Disarm()
	o.releaseGrant()
	o.stepIndex = len(o.plan.Steps) - 1

	o.logger.Info("Task finished", "steps", len(o.plan.Steps), "round", o.roundID)
	o.setState(types.TaskFinished, "all steps completed")
	o.emit(types.TaskEvent{Kind: types.EventTaskCompleted, Message: "task completed"})
}

// failTask ends the run in Error. It is a no-op once the run is no longer
// active, so concurrent failure sources produce one failure event and one
// release.
func (o *Orchestrator) failTask(kind types.FailureKind, code, detail string) {
	if !o.state.IsActive() {
		return
	}
	o.stepProgress = types.StepCompleted
	o.stopTimers()
	o.stopMechanisms()
	o.monitor.Disarm()
	o.monitor.ClearFault()
	o.releaseGrant()

	reason := &types.FailureReason{Kind: kind, Code: code, Detail: detail}
	o.lastFailure = reason
	o.logger.Error("Task failed", "kind", string(kind), "code", code, "detail", detail, "step", o.stepIndex)
	o.setState(types.TaskError, reason.String())
	o.emit(types.TaskEvent{Kind: types.EventTaskFailed, Failure: reason, Message: reason.String()})
}

func (o *Orchestrator) onFault(f types.FaultRecord) {
	fault := f
	o.emit(types.TaskEvent{Kind: types.EventFaultOccurred, Fault: &fault, Message: f.Code + ": " + f.Detail})
	o.failTask(types.FailureRuntime, f.Code, f.Detail)
}

func (o *Orchestrator) onStepTimeout() {
	if o.stepProgress != types.StepInProgress {
		return
	}
	o.failTask(types.FailureRuntime, CodeStepTimeout, fmt.Sprintf("step %d timed out", o.stepIndex+1))
}

func (o *Orchestrator) holdElapsed(step int) func() {
	return func() { o.completeCurrentStep(step, "hold elapsed") }
}

func (o *Orchestrator) onSensorTimeout() {
	switch o.state {
	case types.TaskPreparing, types.TaskMoving, types.TaskDrilling:
		o.failTask(types.FailureRuntime, CodeSensorTimeout,
			fmt.Sprintf("no telemetry for %v", o.watchdog))
	}
}

func (o *Orchestrator) armWatchdog() {
	if o.watchdog > 0 {
		o.sensorTimer.arm(o.watchdog, o.onSensorTimeout)
	}
}

func (o *Orchestrator) stopStepTimers() {
	o.stepTimeout.cancel()
	o.holdTimer.cancel()
}

func (o *Orchestrator) stopTimers() {
	o.stopStepTimers()
	o.sensorTimer.cancel()
}

func (o *Orchestrator) stopMechanisms() {
	if o.mech.Feed != nil {
		if err := o.mech.Feed.Stop(); err != nil {
			o.logger.Error("Failed to stop feed", "error", err)
		}
	}
	if o.mech.Rotation != nil {
		if err := o.mech.Rotation.Stop(); err != nil {
			o.logger.Error("Failed to stop rotation", "error", err)
		}
	}
	if o.mech.Percussion != nil {
		if err := o.mech.Percussion.Stop(); err != nil {
			o.logger.Error("Failed to stop percussion", "error", err)
		}
	}
}

func (o *Orchestrator) releaseGrant() {
	if !o.holdsGrant {
		return
	}
	o.holdsGrant = false
	o.arbiter.Release(types.SourceAutoScript)
}

func (o *Orchestrator) setState(s types.TaskState, reason string) {
	if o.state == s {
		return
	}
	prev := o.state
	o.state = s
	o.logger.Debug("State changed", "from", prev.String(), "to", s.String(), "reason", reason)
	o.emit(types.TaskEvent{Kind: types.EventStateChanged, Message: reason})
}

// emit 填充公共字段后同步通知订阅者，并写入审计
func (o *Orchestrator) emit(ev types.TaskEvent) {
	ev.At = o.clock.Now()
	ev.State = o.state
	ev.StepIndex = o.stepIndex
	ev.Progress = o.progress

	for _, fn := range o.subscribers {
		fn(ev)
	}

	if ev.Kind != types.EventProgressUpdated {
		o.writeAudit(ev)
	}
}

func (o *Orchestrator) writeAudit(ev types.TaskEvent) {
	if o.audit == nil {
		return
	}
	rec := types.AuditRecord{
		RoundID:   o.roundID,
		TaskFile:  o.taskFile,
		StepIndex: ev.StepIndex,
		State:     string(ev.Kind) + ":" + ev.State.String(),
		Reason:    ev.Message,
		Telemetry: o.last,
		At:        ev.At,
	}
	if err := o.audit.Append(rec); err != nil {
		o.logger.Warn("Audit write failed", "error", err, "kind", string(ev.Kind))
	}
}

func describeStep(s types.TaskStep) string {
	if s.Kind == types.StepHold {
		return fmt.Sprintf("hold %dms", s.DurationMs)
	}
	return fmt.Sprintf("%s to %.1fmm with %s", s.Kind, s.TargetDepth, s.Preset)
}

// State 当前任务状态
func (o *Orchestrator) State() types.TaskState { return o.state }

func (o *Orchestrator) CurrentStepIndex() int { return o.stepIndex }

func (o *Orchestrator) Progress() float64 { return o.progress }

func (o *Orchestrator) LastSample() types.Sample { return o.last }

// Steps returns a copy of the loaded steps.
func (o *Orchestrator) Steps() []types.TaskStep {
	if o.plan == nil {
		return nil
	}
	out := make([]types.TaskStep, len(o.plan.Steps))
	copy(out, o.plan.Steps)
	return out
}

// Presets returns a copy of the loaded plan's parameter sets.
func (o *Orchestrator) Presets() map[string]types.ParameterSet {
	out := make(map[string]types.ParameterSet)
	if o.plan == nil {
		return out
	}
	for k, v := range o.plan.Presets {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) Snapshot() Status {
	st := Status{
		State:        o.state,
		StepIndex:    o.stepIndex,
		StepProgress: o.stepProgress.String(),
		Progress:     o.progress,
		Plan:         o.taskFile,
		RoundID:      o.roundID,
		HoldsMotion:  o.holdsGrant,
		Failure:      o.lastFailure,
		Telemetry:    o.last,
	}
	if o.plan != nil {
		st.StepCount = len(o.plan.Steps)
	}
	if o.monitor.HasFault() {
		f := o.monitor.Fault()
		st.Fault = &f
	}
	return st
}
