package session

import (
	"go.uber.org/zap"

	"github.com/berfenger/wappgw/internal/model"
	"github.com/berfenger/wappgw/internal/rpc"
)

// dispatcher routes inbound server requests onto the model tree and produces
// the reply frames. Every request gets exactly one reply.
type dispatcher struct {
	tree *model.Tree
	log  *zap.Logger
}

func newDispatcher(tree *model.Tree, logger *zap.Logger) *dispatcher {
	return &dispatcher{tree: tree, log: logger}
}

// Dispatch handles one inbound request. stop is raised when the server
// deleted the network and no application handler claimed the event.
func (d *dispatcher) Dispatch(env rpc.Envelope) (reply rpc.Envelope, stop bool) {
	switch env.Method {
	case rpc.MethodPut:
		return d.handlePut(env), false
	case rpc.MethodGet:
		return d.handleGet(env), false
	case rpc.MethodDelete:
		return d.handleDelete(env)
	default:
		d.log.Warn("inbound request with unknown method", zap.String("method", env.Method))
		return rpc.ErrorResponse(env.ID, "method not supported", rpc.CodeMethodNotFound), false
	}
}

func (d *dispatcher) handlePut(env rpc.Envelope) rpc.Envelope {
	payload, err := env.StatePayload()
	if err != nil {
		d.log.Warn("control frame without data element", zap.Error(err))
		return rpc.ErrorResponse(env.ID, "missing or malformed data element", rpc.CodeInternal)
	}
	id := payload.Meta.ID
	if id == "" {
		id = env.TargetLeafID()
	}
	if err := d.tree.ApplyControl(id, payload.Data); err != nil {
		d.log.Warn("control rejected",
			zap.String("id", id), zap.String("data", payload.Data), zap.Error(err))
		return rpc.ErrorResponse(env.ID, "non-existing or read-only state", rpc.CodeInternal)
	}
	return rpc.SuccessResponse(env.ID)
}

func (d *dispatcher) handleGet(env rpc.Envelope) rpc.Envelope {
	id := env.TargetLeafID()
	if err := d.tree.Refresh(id); err != nil {
		d.log.Warn("refresh rejected", zap.String("id", id), zap.Error(err))
		return rpc.ErrorResponse(env.ID, "non-existing id", rpc.CodeInternal)
	}
	return rpc.SuccessResponse(env.ID)
}

func (d *dispatcher) handleDelete(env rpc.Envelope) (rpc.Envelope, bool) {
	id := env.TargetLeafID()
	stop, err := d.tree.HandleDelete(id)
	if err != nil {
		d.log.Warn("delete rejected", zap.String("id", id), zap.Error(err))
		return rpc.ErrorResponse(env.ID, "non-existing id", rpc.CodeInternal), false
	}
	return rpc.SuccessResponse(env.ID), stop
}

// ApplyResultState applies a control payload the server piggybacked on a
// success result, the way it confirms queued control writes.
func (d *dispatcher) ApplyResultState(env rpc.Envelope) {
	p := env.ResultState()
	if p == nil || p.Meta.ID == "" || p.Type != string(model.StateControl) {
		return
	}
	if err := d.tree.ApplyControl(p.Meta.ID, p.Data); err != nil {
		d.log.Debug("result state ignored", zap.String("id", p.Meta.ID), zap.Error(err))
	}
}
