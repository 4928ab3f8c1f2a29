package ipc

import (
	"errors"
	"fmt"

	"drillcontrol/pkg/types"
)

// Controller is the command surface the server exposes to clients.
type Controller interface {
	LoadPlan(path string) (interface{}, error)
	Start() error
	Pause() error
	Resume() error
	Abort() error
	EmergencyStop() error
	Status() (interface{}, error)
}

// RegisterCommands binds the control commands and the preemption answer
// to the server. confirmer may be nil.
func RegisterCommands(s *IPCServer, ctrl Controller, confirmer *RemoteConfirmer) {
	reply := func(msg types.IPCMessage, result interface{}, err error) {
		var resp types.IPCMessage
		if err != nil {
			resp = NewErrorResponse(msg, err)
		} else {
			resp = NewResponse(msg, result)
		}
		if sendErr := s.SendToClient(msg.Source, resp); sendErr != nil {
			s.logger.Warn("Failed to reply", "client_id", msg.Source, "type", msg.Type, "error", sendErr)
		}
	}
	simple := func(fn func() error) func(types.IPCMessage) {
		return func(msg types.IPCMessage) {
			reply(msg, nil, fn())
		}
	}

	s.RegisterHandler(MsgLoadPlan, func(msg types.IPCMessage) {
		path := stringField(msg.Data, "path")
		if path == "" {
			reply(msg, nil, fmt.Errorf("%w: load_plan requires a path", types.ErrValidation))
			return
		}
		result, err := ctrl.LoadPlan(path)
		reply(msg, result, err)
	})
	s.RegisterHandler(MsgStart, simple(ctrl.Start))
	s.RegisterHandler(MsgPause, simple(ctrl.Pause))
	s.RegisterHandler(MsgResume, simple(ctrl.Resume))
	s.RegisterHandler(MsgAbort, simple(ctrl.Abort))
	s.RegisterHandler(MsgStatus, func(msg types.IPCMessage) {
		result, err := ctrl.Status()
		reply(msg, result, err)
	})

	// 急停与抢占应答不排队
	s.RegisterInlineHandler(MsgEmergencyStop, simple(ctrl.EmergencyStop))
	s.RegisterInlineHandler(MsgConfirmPreempt, func(msg types.IPCMessage) {
		if confirmer == nil {
			reply(msg, nil, errors.New("preemption prompts are not enabled"))
			return
		}
		id := stringField(msg.Data, "request_id")
		if !confirmer.Resolve(id, boolField(msg.Data, "accept")) {
			reply(msg, nil, fmt.Errorf("no pending preemption request %q", id))
			return
		}
		reply(msg, nil, nil)
	})
}
