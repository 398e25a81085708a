package session

import (
	"github.com/berfenger/wappgw/internal/rpc"
	"github.com/berfenger/wappgw/internal/transport"
)

// internal messages between the session actor, its transport child and the
// background dial task

type connected struct {
	conn transport.Conn
}

type connectFailed struct {
	err error
}

type inboundFrames struct {
	envs []rpc.Envelope
}

// transportFault carries the connection epoch it belongs to, so a fault from
// an already-replaced connection cannot tear down a fresh one.
type transportFault struct {
	err   error
	epoch int
}

type writeFrames struct {
	data []byte
}

type retryConnect struct{}

type handshakeTimeout struct {
	epoch int
}

type sweepTick struct{}

type flushDone struct{}
