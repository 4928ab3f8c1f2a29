// Package arbiter serializes access to the rig's motion hardware across the
// independent control sources (manual jog, manual absolute moves, automated
// tasks, homing). One Arbiter is built at process start and handed to every
// component that issues motion; all of its methods are safe for concurrent use.
package arbiter

import (
	"sync"
	"time"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// HardwareStopper 硬件层的全轴急停
type HardwareStopper interface {
	StopAll() error
}

// Conflict is the snapshot handed to the confirmation callback. It is taken
// inside the critical section and read outside it.
type Conflict struct {
	Holder               types.MotionSource `json:"holder"`
	HolderDescription    string             `json:"holderDescription"`
	Requester            types.MotionSource `json:"requester"`
	RequesterDescription string             `json:"requesterDescription"`
}

// ConfirmFunc decides whether the requester may preempt the current holder.
// It may block (operator dialog) and is never called with the mutex held.
type ConfirmFunc func(Conflict) bool

// EventKind 仲裁事件类型
type EventKind string

const (
	EventGranted       EventKind = "granted"
	EventReleased      EventKind = "released"
	EventConflict      EventKind = "conflict"
	EventDeclined      EventKind = "declined"
	EventEmergencyStop EventKind = "emergency_stop"
)

// Event 仲裁事件
type Event struct {
	Kind        EventKind          `json:"kind"`
	Source      types.MotionSource `json:"source"`
	Description string             `json:"description"`
	Previous    types.MotionSource `json:"previous"`
	Conflict    *Conflict          `json:"conflict,omitempty"`
	At          time.Time          `json:"at"`
}

type Arbiter struct {
	mu          sync.Mutex
	holder      types.MotionSource
	description string
	// 确认对话进行中；期间其它请求一律拒绝
	preempting bool
	// 每次急停递增，使进行中的抢占失效
	stopEpoch uint64

	hw      HardwareStopper
	confirm ConfirmFunc

	subsMu      sync.RWMutex
	subscribers []func(Event)

	logger *logging.Logger
}

// New 创建仲裁器；confirm 为空时所有冲突一律拒绝
func New(hw HardwareStopper, confirm ConfirmFunc) *Arbiter {
	return &Arbiter{
		hw:      hw,
		confirm: confirm,
		logger:  logging.GetLogger("motion_arbiter"),
	}
}

// SetConfirmFunc 替换冲突确认回调
func (a *Arbiter) SetConfirmFunc(confirm ConfirmFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirm = confirm
}

// Subscribe registers an event listener. Listeners run on the caller's
// goroutine after the arbiter state has been updated and the mutex released.
func (a *Arbiter) Subscribe(fn func(Event)) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// Acquire requests exclusive motion access for source.
//
// An idle arbiter grants immediately. Continuous jogging updates the
// description without contention. Any other request while held raises a
// conflict, asks the confirmation callback, and on acceptance stops all
// hardware before the new grant takes effect.
//
// Only one preemption is in flight at a time: while a prompt is open every
// other request is declined, and an accepted preemption is still declined
// when the holder it was confirmed against has changed hands or an
// emergency stop intervened.
func (a *Arbiter) Acquire(source types.MotionSource, description string) bool {
	if source == types.SourceNone {
		return false
	}

	a.mu.Lock()
	if a.preempting && !(a.holder == source && source == types.SourceManualJog) {
		holder := a.holder
		a.mu.Unlock()

		a.logger.Info("Motion request declined, preemption in progress", "requester", source.String(), "holder", holder.String())
		a.publish(Event{Kind: EventDeclined, Source: source, Description: description, Previous: holder})
		return false
	}

	if a.holder == types.SourceNone {
		a.holder = source
		a.description = description
		a.mu.Unlock()

		a.logger.Info("Motion granted", "source", source.String(), "description", description)
		a.publish(Event{Kind: EventGranted, Source: source, Description: description})
		return true
	}

	if a.holder == types.SourceManualJog && source == types.SourceManualJog {
		a.description = description
		a.mu.Unlock()
		return true
	}

	conflict := Conflict{
		Holder:               a.holder,
		HolderDescription:    a.description,
		Requester:            source,
		RequesterDescription: description,
	}
	confirm := a.confirm
	epoch := a.stopEpoch
	a.preempting = true
	a.mu.Unlock()

	a.logger.Warn("Motion conflict",
		"holder", conflict.Holder.String(), "holder_description", conflict.HolderDescription,
		"requester", source.String(), "requester_description", description)
	a.publish(Event{Kind: EventConflict, Source: source, Description: description, Previous: conflict.Holder, Conflict: &conflict})

	accepted := confirm != nil && confirm(conflict)

	a.mu.Lock()
	// 确认期间持有者只可能释放或被急停清空
	valid := accepted && a.stopEpoch == epoch &&
		(a.holder == conflict.Holder || a.holder == types.SourceNone)
	if !valid {
		a.preempting = false
		a.mu.Unlock()

		if accepted {
			a.logger.Warn("Motion preemption superseded", "requester", source.String(), "confirmed_holder", conflict.Holder.String())
		} else {
			a.logger.Info("Motion preemption declined", "requester", source.String(), "holder", conflict.Holder.String())
		}
		a.publish(Event{Kind: EventDeclined, Source: source, Description: description, Previous: conflict.Holder, Conflict: &conflict})
		return false
	}
	a.mu.Unlock()

	// 先停再授权，停止动作需要时间，顺序不可颠倒
	if a.hw != nil {
		if err := a.hw.StopAll(); err != nil {
			a.logger.Error("Stop-all before preemption failed", "error", err)
		}
	}

	a.mu.Lock()
	a.preempting = false
	if a.stopEpoch != epoch {
		a.mu.Unlock()
		a.logger.Warn("Motion preemption cancelled by emergency stop", "requester", source.String())
		a.publish(Event{Kind: EventDeclined, Source: source, Description: description, Previous: conflict.Holder, Conflict: &conflict})
		return false
	}
	previous := a.holder
	a.holder = source
	a.description = description
	a.mu.Unlock()

	a.logger.Info("Motion preempted", "source", source.String(), "previous", previous.String(), "description", description)
	a.publish(Event{Kind: EventGranted, Source: source, Description: description, Previous: previous})
	return true
}

// Release clears the grant only when source is the current holder; a stale
// caller's release is ignored.
func (a *Arbiter) Release(source types.MotionSource) {
	a.mu.Lock()
	if source == types.SourceNone || a.holder != source {
		holder := a.holder
		a.mu.Unlock()
		a.logger.Debug("Ignoring release from non-holder", "source", source.String(), "holder", holder.String())
		return
	}
	a.holder = types.SourceNone
	a.description = ""
	a.mu.Unlock()

	a.logger.Info("Motion released", "source", source.String())
	a.publish(Event{Kind: EventReleased, Source: source})
}

// EmergencyStop bypasses arbitration: hardware stop-all first, then the
// holder is cleared whoever it was.
func (a *Arbiter) EmergencyStop() error {
	var err error
	if a.hw != nil {
		err = a.hw.StopAll()
		if err != nil {
			a.logger.Error("Emergency stop-all failed", "error", err)
		}
	}

	a.mu.Lock()
	previous := a.holder
	a.holder = types.SourceNone
	a.description = ""
	a.stopEpoch++
	a.mu.Unlock()

	a.logger.Warn("Emergency stop", "previous_holder", previous.String())
	a.publish(Event{Kind: EventEmergencyStop, Previous: previous})
	return err
}

func (a *Arbiter) Holder() types.MotionSource {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder
}

func (a *Arbiter) Description() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.description
}

func (a *Arbiter) IsIdle() bool {
	return a.Holder() == types.SourceNone
}

func (a *Arbiter) publish(ev Event) {
	ev.At = time.Now()

	a.subsMu.RLock()
	subs := make([]func(Event), len(a.subscribers))
	copy(subs, a.subscribers)
	a.subsMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("Arbiter subscriber panic", "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}
