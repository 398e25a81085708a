package session

import (
	"encoding/json"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"

	"github.com/berfenger/wappgw/internal/rpc"
	"github.com/berfenger/wappgw/internal/transport"
	"github.com/berfenger/wappgw/internal/util/actorutil"
)

// TransportActor owns one live connection. A reader goroutine decodes JSON
// values off the socket and forwards them to the parent session; writes come
// in as writeFrames messages. The actor reports faults instead of retrying:
// reconnecting is the parent's job.
type TransportActor struct {
	conn   transport.Conn
	epoch  int
	logger *zap.Logger
}

func NewTransportActor(conn transport.Conn, epoch int, logger *zap.Logger) *TransportActor {
	return &TransportActor{
		conn:   conn,
		epoch:  epoch,
		logger: actorutil.ActorLogger("transport", logger),
	}
}

func (a *TransportActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.logger.Debug("transport@all started")
		a.startReader(ctx)
	case *actor.Stopping, *actor.Restarting:
		a.logger.Debug("transport@all closing")
		_ = a.conn.Close()
	case writeFrames:
		if _, err := a.conn.Write(msg.data); err != nil {
			a.logger.Warn("transport@all write failed", zap.Error(err))
			ctx.Send(ctx.Parent(), transportFault{err: err, epoch: a.epoch})
		}
	}
}

// startReader decodes a stream of JSON values. The platform may concatenate
// frames or bulk them into arrays; rpc.Parse flattens both.
func (a *TransportActor) startReader(ctx actor.Context) {
	root := ctx.ActorSystem().Root
	parent := ctx.Parent()
	conn := a.conn
	epoch := a.epoch
	logger := a.logger
	go func() {
		dec := json.NewDecoder(conn)
		for {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				root.Send(parent, transportFault{err: err, epoch: epoch})
				return
			}
			envs, err := rpc.Parse(raw)
			if err != nil {
				logger.Warn("transport@all discarding undecodable frame", zap.Error(err))
				continue
			}
			root.Send(parent, inboundFrames{envs: envs})
		}
	}()
}
