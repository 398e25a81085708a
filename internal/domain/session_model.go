package domain

import (
	"github.com/berfenger/wappgw/internal/model"
)

const (
	ACTOR_ID_SESSION   = "session"
	ACTOR_ID_TRANSPORT = "transport"
	ACTOR_ID_BRIDGE    = "mqttbridge"
)

// SessionStatus tracks the lifecycle of the platform session.
type SessionStatus string

const (
	StatusStarting      SessionStatus = "starting"
	StatusConnecting    SessionStatus = "connecting"
	StatusInitializing  SessionStatus = "initializing"
	StatusRunning       SessionStatus = "running"
	StatusReconnecting  SessionStatus = "reconnecting"
	StatusDisconnecting SessionStatus = "disconnecting"
	StatusStopped       SessionStatus = "stopped"
)

// StatusEvent is published on the event stream on every state machine
// transition. The predicates are the stable surface for applications.
type StatusEvent struct {
	Status SessionStatus
}

func (e StatusEvent) Running() bool {
	return e.Status == StatusRunning
}

func (e StatusEvent) Connecting() bool {
	return e.Status == StatusConnecting || e.Status == StatusReconnecting
}

func (e StatusEvent) Disconnecting() bool {
	return e.Status == StatusDisconnecting
}

func (e StatusEvent) Stopped() bool {
	return e.Status == StatusStopped
}

// DeliveryFailedEvent reports a queue entry that exhausted its resend
// budget. The affected value stays pending until the next successful send.
type DeliveryFailedEvent struct {
	MessageID string
	ValueID   string
	StateID   string
}

// ReportUpdateEvent mirrors every accepted report transmission on the event
// stream, feeding the local MQTT bridge.
type ReportUpdateEvent struct {
	ValueID string
	Data    string
}

// PublishStateRequest carries an accepted local write into the session
// actor.
type PublishStateRequest struct {
	ActorRequestMixIn
	Update model.StateUpdate
}

// PublishDeleteRequest asks the session to issue an entity delete.
type PublishDeleteRequest struct {
	ActorRequestMixIn
	Ref model.Ref
}

// ControlCommand is a locally sourced control write (e.g. from the MQTT
// bridge command topic), funneled through the session actor.
type ControlCommand struct {
	ActorRequestMixIn
	ValueID string
	Data    string
}

// PeriodElapsed pokes the session when a value's reporting period ran out.
type PeriodElapsed struct {
	ValueID string
}

// StopSessionRequest shuts the session down. Idempotent; persistence runs at
// most once.
type StopSessionRequest struct {
	ActorRequestMixIn
}

type StopSessionResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}
