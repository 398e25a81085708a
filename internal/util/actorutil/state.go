package actorutil

import (
	"github.com/asynkron/protoactor-go/actor"
)

// ActorWithStates switches a protoactor Behavior between named states. The
// session actor models its connection lifecycle this way; the state name is
// also what the health and status endpoints report.
type ActorWithStates struct {
	Behavior actor.Behavior
}

// ActorState is one named receive state of the owning actor.
type ActorState interface {
	Name() string
	Receive(actor.Context)
}

func (s *ActorWithStates) Become(state ActorState) {
	s.Behavior.Become(state.Receive)
}
