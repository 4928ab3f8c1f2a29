package ipc

import (
	"time"

	"github.com/google/uuid"

	"drillcontrol/internal/arbiter"
	"drillcontrol/pkg/types"
)

// 客户端请求
const (
	MsgLoadPlan       = "load_plan"
	MsgStart          = "start"
	MsgPause          = "pause"
	MsgResume         = "resume"
	MsgAbort          = "abort"
	MsgEmergencyStop  = "emergency_stop"
	MsgStatus         = "status"
	MsgConfirmPreempt = "confirm_preempt"
	MsgListPresets    = "list_presets"
)

// 服务端推送
const (
	MsgResponse       = "response"
	MsgErrorResponse  = "error_response"
	MsgTaskEvent      = "task_event"
	MsgArbiterEvent   = "arbiter_event"
	MsgPreemptRequest = "preempt_request"
)

const serverName = "drill_control"

// NewMessage builds a message with a fresh id.
func NewMessage(msgType, source string, data map[string]interface{}) types.IPCMessage {
	if data == nil {
		data = make(map[string]interface{})
	}
	return types.IPCMessage{
		Type:      msgType,
		Source:    source,
		Target:    serverName,
		Data:      data,
		Timestamp: time.Now(),
		ID:        uuid.New().String(),
	}
}

// NewResponse answers request with a result payload.
func NewResponse(request types.IPCMessage, result interface{}) types.IPCMessage {
	msg := NewMessage(MsgResponse, serverName, map[string]interface{}{
		"request_id": request.ID,
		"ok":         true,
	})
	msg.Target = request.Source
	if result != nil {
		msg.Data["result"] = result
	}
	return msg
}

// NewErrorResponse answers request with an error.
func NewErrorResponse(request types.IPCMessage, err error) types.IPCMessage {
	msg := NewMessage(MsgErrorResponse, serverName, map[string]interface{}{
		"request_id": request.ID,
		"ok":         false,
		"error":      err.Error(),
	})
	msg.Target = request.Source
	return msg
}

// TaskEventMessage wraps an orchestrator event for broadcast.
func TaskEventMessage(ev types.TaskEvent) types.IPCMessage {
	msg := NewMessage(MsgTaskEvent, serverName, map[string]interface{}{"event": ev})
	msg.Target = ""
	return msg
}

// ArbiterEventMessage wraps an arbiter event for broadcast.
func ArbiterEventMessage(ev arbiter.Event) types.IPCMessage {
	msg := NewMessage(MsgArbiterEvent, serverName, map[string]interface{}{"event": ev})
	msg.Target = ""
	return msg
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func boolField(data map[string]interface{}, key string) bool {
	b, _ := data[key].(bool)
	return b
}
