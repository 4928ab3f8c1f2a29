package ipc

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"drillcontrol/internal/arbiter"
	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// RemoteConfirmer turns arbiter conflicts into operator prompts. Each
// conflict is broadcast as a preempt_request; the first confirm_preempt
// carrying the same request_id decides it. No answer within the timeout,
// or nobody connected, declines.
type RemoteConfirmer struct {
	broadcast func(types.IPCMessage) error
	listeners func() int
	timeout   time.Duration
	logger    *logging.Logger

	mu      sync.Mutex
	pending map[string]chan bool
}

func NewRemoteConfirmer(broadcast func(types.IPCMessage) error, listeners func() int, timeout time.Duration) *RemoteConfirmer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteConfirmer{
		broadcast: broadcast,
		listeners: listeners,
		timeout:   timeout,
		pending:   make(map[string]chan bool),
		logger:    logging.GetLogger("preempt_confirmer"),
	}
}

// Confirm implements arbiter.ConfirmFunc.
func (rc *RemoteConfirmer) Confirm(c arbiter.Conflict) bool {
	if rc.listeners != nil && rc.listeners() == 0 {
		rc.logger.Warn("No operator connected, declining preemption", "holder", c.Holder.String(), "requester", c.Requester.String())
		return false
	}

	id := uuid.New().String()
	answer := make(chan bool, 1)
	rc.mu.Lock()
	rc.pending[id] = answer
	rc.mu.Unlock()
	defer func() {
		rc.mu.Lock()
		delete(rc.pending, id)
		rc.mu.Unlock()
	}()

	msg := NewMessage(MsgPreemptRequest, serverName, map[string]interface{}{
		"request_id": id,
		"conflict":   c,
		"timeout":    rc.timeout.String(),
	})
	msg.Target = ""
	if err := rc.broadcast(msg); err != nil {
		rc.logger.Error("Failed to broadcast preemption prompt", "error", err)
		return false
	}

	timer := time.NewTimer(rc.timeout)
	defer timer.Stop()
	select {
	case accept := <-answer:
		rc.logger.Info("Preemption answered", "request_id", id, "accept", accept)
		return accept
	case <-timer.C:
		rc.logger.Warn("Preemption prompt timed out, declining", "request_id", id, "timeout", rc.timeout)
		return false
	}
}

// Resolve delivers an operator answer; false when the request is unknown
// or already decided.
func (rc *RemoteConfirmer) Resolve(requestID string, accept bool) bool {
	rc.mu.Lock()
	answer, ok := rc.pending[requestID]
	if ok {
		delete(rc.pending, requestID)
	}
	rc.mu.Unlock()
	if !ok {
		return false
	}
	answer <- accept
	return true
}

// DeclineAll answers every open prompt with a decline. Used on emergency
// stop so no preemption completes afterwards.
func (rc *RemoteConfirmer) DeclineAll() int {
	rc.mu.Lock()
	answers := make([]chan bool, 0, len(rc.pending))
	for id, answer := range rc.pending {
		answers = append(answers, answer)
		delete(rc.pending, id)
	}
	rc.mu.Unlock()

	for _, answer := range answers {
		answer <- false
	}
	if len(answers) > 0 {
		rc.logger.Warn("Declined open preemption prompts", "count", len(answers))
	}
	return len(answers)
}

// Pending returns the number of open prompts.
func (rc *RemoteConfirmer) Pending() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.pending)
}
