package session

import (
	gocontext "context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"

	"github.com/berfenger/wappgw/internal/config"
	"github.com/berfenger/wappgw/internal/domain"
	"github.com/berfenger/wappgw/internal/model"
	"github.com/berfenger/wappgw/internal/rpc"
	"github.com/berfenger/wappgw/internal/transport"
	. "github.com/berfenger/wappgw/internal/util/actorutil"
)

const dialTimeout = 30 * time.Second

// SessionActor drives the platform connection through its lifecycle:
// connect, handshake, run, reconnect with backoff, stop. It owns the send
// queue and the inbound dispatcher; the transport child owns the socket.
type SessionActor struct {
	ActorWithStates
	cfg        config.Config
	tree       *model.Tree
	dialer     transport.Dialer
	store      *model.PersistenceStore
	dispatch   *dispatcher
	queue      *sendQueue
	builder    *rpc.Builder
	stash      *Stash
	baseLogger *zap.Logger
	logger     *zap.Logger
	now        func() time.Time

	eventStream *eventstream.EventStream
	scheduler   *scheduler.TimerScheduler
	periodSched quartz.Scheduler

	transportPID *actor.PID
	epoch        int
	attempt      int
	synced       bool
	persisted    bool
	cancelSweep  scheduler.CancelFunc
	cancelRetry  scheduler.CancelFunc
	stopReplyTo  []*actor.PID

	handshakeID       string
	handshakeEnv      rpc.Envelope
	handshakeAttempts uint32
	cancelHandshake   scheduler.CancelFunc
}

func NewSessionActor(cfg config.Config, tree *model.Tree, dialer transport.Dialer, store *model.PersistenceStore, eventStream *eventstream.EventStream, logger *zap.Logger) *SessionActor {
	act := &SessionActor{
		cfg:         cfg,
		tree:        tree,
		dialer:      dialer,
		store:       store,
		dispatch:    newDispatcher(tree, ActorLogger(domain.ACTOR_ID_SESSION, logger)),
		queue:       newSendQueue(cfg.Session),
		builder:     rpc.NewBuilder(),
		stash:       &Stash{},
		baseLogger:  logger,
		logger:      ActorLogger(domain.ACTOR_ID_SESSION, logger),
		now:         time.Now,
		eventStream: eventStream,
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(SessionStartingState{actor: act})
	return act
}

// SetClock replaces the time source used for ack deadlines, for tests.
func (a *SessionActor) SetClock(now func() time.Time) {
	a.now = now
}

func (a *SessionActor) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case *actor.Stopping:
		// system-initiated stop: children go down with us, just make sure
		// the snapshot hits the disk
		a.teardownTimers()
		a.persistOnce()
		return
	}
	a.Behavior.Receive(ctx)
}

// Starting state

type SessionStartingState struct {
	ActorState
	actor *SessionActor
}

func (state SessionStartingState) Name() string {
	return string(domain.StatusStarting)
}

func (state SessionStartingState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.logger.Debug("session@starting started")
		a.scheduler = scheduler.NewTimerScheduler(ctx)
		a.tree.SetPublisher(actorPublisher{system: ctx.ActorSystem(), pid: ctx.Self()})
		a.publishStatus(domain.StatusStarting)
		a.startConnect(ctx, domain.StatusConnecting)
	case *actor.Restarting:
	default:
		a.logger.Debug("session@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		a.stash.Stash(ctx, msg)
	}
}

// Connecting state. A background task dials; the outcome comes back as a
// connected or connectFailed message.

type SessionConnectingState struct {
	ActorState
	actor *SessionActor
}

func (state SessionConnectingState) Name() string {
	return string(domain.StatusConnecting)
}

func (state SessionConnectingState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case connected:
		a.logger.Info("session@connecting connected")
		a.attempt = 0
		if err := a.spawnTransport(ctx, msg.conn); err != nil {
			a.logger.Error("session@connecting transport spawn failed", zap.Error(err))
			panic(err)
		}
		a.sendHandshake(ctx)
		a.publishStatus(domain.StatusInitializing)
		a.Become(SessionHandshakingState{actor: a})
	case connectFailed:
		if transport.IsFatal(msg.err) {
			a.logger.Error("session@connecting fatal transport error", zap.Error(msg.err))
			panic(msg.err)
		}
		a.logger.Warn("session@connecting connect failed", zap.Error(msg.err))
		a.scheduleRetry(ctx)
	case transportFault:
		// fault from the torn-down connection, nothing to do while dialing
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SESSION,
			Healthy: false,
			State:   state.Name(),
		})
	case domain.StopSessionRequest:
		a.beginStop(ctx, ctx.Sender())
	default:
		if a.handleModelMessage(ctx, msg) {
			return
		}
		a.logger.Debug("session@connecting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		a.stash.Stash(ctx, msg)
	}
}

// Handshaking state. On a fresh start the full network document is pushed;
// a resumed session confirms the network head instead. Unacknowledged frames
// from the previous epoch replay right after. An unanswered handshake is
// resent until its budget runs out, then the connection is torn down.

type SessionHandshakingState struct {
	ActorState
	actor *SessionActor
}

func (state SessionHandshakingState) Name() string {
	return string(domain.StatusInitializing)
}

func (state SessionHandshakingState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case inboundFrames:
		var rest []rpc.Envelope
		var confirmed, rejected bool
		for _, env := range msg.envs {
			if env.IsResponse() && env.ID == a.handshakeID {
				if env.Error != nil {
					a.logger.Error("session@initializing handshake rejected",
						zap.String("message", env.Error.Message), zap.Int("code", env.Error.Code))
					rejected = true
				} else {
					confirmed = true
				}
			} else {
				rest = append(rest, env)
			}
		}
		if len(rest) > 0 {
			// early server traffic is handled once running
			a.stash.Stash(ctx, inboundFrames{envs: rest})
		}
		if rejected {
			a.loseConnection(ctx)
			return
		}
		if confirmed {
			a.logger.Info("session@initializing handshake ok")
			a.synced = true
			a.enterConnected(ctx)
		}
	case handshakeTimeout:
		if msg.epoch != a.epoch {
			return
		}
		if a.handshakeAttempts > a.cfg.Session.MaxSendRetries {
			a.logger.Warn("session@initializing handshake unanswered, reconnecting",
				zap.Uint32("attempts", a.handshakeAttempts))
			a.loseConnection(ctx)
			return
		}
		a.handshakeAttempts++
		a.logger.Debug("session@initializing handshake resend", zap.String("id", a.handshakeID))
		a.send(ctx, []rpc.Envelope{a.handshakeEnv})
		a.armHandshakeTimer(ctx)
	case transportFault:
		if msg.epoch != a.epoch {
			return
		}
		a.logger.Warn("session@initializing transport fault", zap.Error(msg.err))
		a.loseConnection(ctx)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SESSION,
			Healthy: false,
			State:   state.Name(),
		})
	case domain.StopSessionRequest:
		a.beginStop(ctx, ctx.Sender())
	default:
		if a.handleModelMessage(ctx, msg) {
			return
		}
		a.logger.Debug("session@initializing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		a.stash.Stash(ctx, msg)
	}
}

// Connected state

type SessionConnectedState struct {
	ActorState
	actor *SessionActor
}

func (state SessionConnectedState) Name() string {
	return string(domain.StatusRunning)
}

func (state SessionConnectedState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case inboundFrames:
		stop := a.handleFrames(msg.envs)
		a.drain(ctx)
		if stop {
			a.logger.Warn("session@running network deleted by server, stopping")
			a.beginStop(ctx, nil)
		}
	case sweepTick:
		a.sweepDeadlines(ctx)
	case transportFault:
		if msg.epoch != a.epoch {
			return
		}
		a.logger.Warn("session@running transport fault", zap.Error(msg.err))
		a.loseConnection(ctx)
	case domain.ActorHealthRequest:
		a.logger.Debug("session@running ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SESSION,
			Healthy: true,
			State:   state.Name(),
		})
	case domain.StopSessionRequest:
		a.beginStop(ctx, ctx.Sender())
	case retryConnect:
		// stale timer from a previous epoch
	default:
		if a.handleModelMessage(ctx, msg) {
			a.drain(ctx)
			return
		}
		a.logger.Debug("session@running recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Reconnecting state. Local writes keep queueing while offline; nothing is
// dropped.

type SessionReconnectingState struct {
	ActorState
	actor *SessionActor
}

func (state SessionReconnectingState) Name() string {
	return string(domain.StatusReconnecting)
}

func (state SessionReconnectingState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case retryConnect:
		a.startConnect(ctx, domain.StatusReconnecting)
	case inboundFrames, transportFault, sweepTick:
		// leftovers from the dead connection
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SESSION,
			Healthy: false,
			State:   state.Name(),
		})
	case domain.StopSessionRequest:
		a.beginStop(ctx, ctx.Sender())
	default:
		if a.handleModelMessage(ctx, msg) {
			return
		}
		a.logger.Debug("session@reconnecting recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Stopping state: give in-flight frames a short grace period to be
// acknowledged, then persist and answer every stop requester.

type SessionStoppingState struct {
	ActorState
	actor *SessionActor
}

func (state SessionStoppingState) Name() string {
	return string(domain.StatusDisconnecting)
}

func (state SessionStoppingState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case inboundFrames:
		for _, env := range msg.envs {
			if env.IsResponse() {
				a.handleResponse(env)
			}
		}
		if a.queue.Idle() {
			a.finishStop(ctx)
		}
	case connected:
		// a dial completed after the stop request
		_ = msg.conn.Close()
	case flushDone:
		a.finishStop(ctx)
	case transportFault:
		if msg.epoch == a.epoch {
			a.finishStop(ctx)
		}
	case domain.StopSessionRequest:
		if sender := ctx.Sender(); sender != nil {
			a.stopReplyTo = append(a.stopReplyTo, sender)
		}
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SESSION,
			Healthy: false,
			State:   state.Name(),
		})
	default:
		a.logger.Debug("session@disconnecting recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Stopped state

type SessionStoppedState struct {
	ActorState
	actor *SessionActor
}

func (state SessionStoppedState) Name() string {
	return string(domain.StatusStopped)
}

func (state SessionStoppedState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case domain.StopSessionRequest:
		ctx.Respond(domain.StopSessionResponse{})
	case connected:
		_ = msg.conn.Close()
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SESSION,
			Healthy: false,
			State:   state.Name(),
		})
	default:
		a.logger.Debug("session@stopped recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// transitions and shared handlers

func (a *SessionActor) startConnect(ctx actor.Context, status domain.SessionStatus) {
	a.publishStatus(status)
	self := ctx.Self()
	system := ctx.ActorSystem()
	dialer := a.dialer
	NewBackgroundTask(ctx, func() (*connected, error) {
		conn, err := dialer.Dial(gocontext.Background())
		if err != nil {
			return nil, err
		}
		return &connected{conn: conn}, nil
	}).WithTimeout(dialTimeout).OnError(func(err error) {
		system.Root.Send(self, connectFailed{err: err})
	}).PipeTo(self)
	a.Become(SessionConnectingState{actor: a})
}

func (a *SessionActor) spawnTransport(ctx actor.Context, conn transport.Conn) error {
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, func(reason interface{}) actor.Directive {
		return actor.StopDirective
	})
	a.epoch++
	epoch := a.epoch
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewTransportActor(conn, epoch, a.baseLogger)
	}, actor.WithSupervisor(supervisor))
	pid, err := ctx.SpawnNamed(props, fmt.Sprintf("%s_%d", domain.ACTOR_ID_TRANSPORT, a.epoch))
	if err != nil {
		return err
	}
	a.transportPID = pid
	return nil
}

// sendHandshake opens a new protocol epoch. The first successful session of
// a run pushes the whole document so the server learns locally minted ids;
// later reconnects only confirm the network head. The handshake carries the
// same ack deadline and resend budget as queued writes, so a lost response
// cannot strand the session in the initializing state.
func (a *SessionActor) sendHandshake(ctx actor.Context) {
	a.builder.Reset()
	var env rpc.Envelope
	if !a.synced {
		data, err := json.Marshal(a.tree.Document())
		if err != nil {
			panic(err)
		}
		env = a.builder.NetworkPost(data)
	} else {
		n := a.tree.Network()
		env = a.builder.NetworkPut(n.ID, n.Name)
	}
	a.handshakeID = env.ID
	a.handshakeEnv = env
	a.handshakeAttempts = 1
	a.send(ctx, []rpc.Envelope{env})
	a.armHandshakeTimer(ctx)
}

func (a *SessionActor) armHandshakeTimer(ctx actor.Context) {
	a.cancelHandshakeTimer()
	a.cancelHandshake = a.scheduler.SendOnce(a.cfg.Session.AckTimeout(), ctx.Self(), handshakeTimeout{epoch: a.epoch})
}

func (a *SessionActor) cancelHandshakeTimer() {
	if a.cancelHandshake != nil {
		a.cancelHandshake()
		a.cancelHandshake = nil
	}
}

func (a *SessionActor) enterConnected(ctx actor.Context) {
	a.cancelHandshakeTimer()
	a.publishStatus(domain.StatusRunning)
	if a.cancelSweep == nil {
		interval := a.cfg.Session.AckTimeout() / 2
		if interval <= 0 {
			interval = time.Second
		}
		a.cancelSweep = a.scheduler.SendRepeatedly(interval, interval, ctx.Self(), sweepTick{})
	}
	a.startPeriodJobs(ctx)
	a.Become(SessionConnectedState{actor: a})
	a.drain(ctx)
	a.stash.UnstashAll(ctx)
}

// loseConnection tears the transport down and arms the backoff timer.
// Unacknowledged frames go back to the head of the queue for replay.
func (a *SessionActor) loseConnection(ctx actor.Context) {
	a.cancelHandshakeTimer()
	a.stopTransport(ctx)
	a.queue.RequeueAwaiting()
	a.scheduleRetry(ctx)
}

func (a *SessionActor) scheduleRetry(ctx actor.Context) {
	a.attempt++
	delay := a.backoff()
	a.logger.Info("session@all reconnect scheduled",
		zap.Int("attempt", a.attempt), zap.Duration("delay", delay))
	a.publishStatus(domain.StatusReconnecting)
	a.cancelRetry = a.scheduler.SendOnce(delay, ctx.Self(), retryConnect{})
	a.Become(SessionReconnectingState{actor: a})
}

// backoff doubles per attempt between the configured bounds, with ±20%
// jitter so a fleet does not reconnect in lockstep.
func (a *SessionActor) backoff() time.Duration {
	lo := a.cfg.Session.BackoffMin()
	hi := a.cfg.Session.BackoffMax()
	if lo <= 0 {
		lo = time.Second
	}
	if hi < lo {
		hi = lo
	}
	d := lo
	for i := 1; i < a.attempt && d < hi; i++ {
		d *= 2
	}
	if d > hi {
		d = hi
	}
	span := int64(d / 5)
	if span > 0 {
		d += time.Duration(rand.Int63n(span) - span/2)
	}
	return d
}

func (a *SessionActor) handleModelMessage(ctx actor.Context, msg any) bool {
	switch m := msg.(type) {
	case domain.PublishStateRequest:
		a.enqueueState(m.Update)
		return true
	case domain.PublishDeleteRequest:
		a.queue.Enqueue(a.builder.DeleteRequest(m.Ref), "", m.Ref.ValueID, true)
		return true
	case domain.ControlCommand:
		if err := a.tree.ApplyControl(m.ValueID, m.Data); err != nil {
			a.logger.Warn("session@all control command rejected",
				zap.String("value", m.ValueID), zap.Error(err))
		}
		return true
	case domain.PeriodElapsed:
		a.tree.TriggerPeriod(m.ValueID)
		return true
	}
	return false
}

func (a *SessionActor) enqueueState(u model.StateUpdate) {
	env := a.builder.StateRequest(rpc.MethodPut, u)
	a.queue.Enqueue(env, u.StateID, u.ValueID, true)
	if u.Type == model.StateReport {
		a.eventStream.Publish(domain.ReportUpdateEvent{ValueID: u.ValueID, Data: u.Data})
	}
}

func (a *SessionActor) handleFrames(envs []rpc.Envelope) (stop bool) {
	for _, env := range envs {
		switch {
		case env.IsRequest():
			reply, s := a.dispatch.Dispatch(env)
			a.queue.Enqueue(reply, "", "", false)
			if s {
				stop = true
			}
		case env.IsResponse():
			a.handleResponse(env)
		default:
			a.logger.Warn("session@running frame is neither request nor response")
		}
	}
	return stop
}

func (a *SessionActor) handleResponse(env rpc.Envelope) {
	entry := a.queue.Ack(env.ID)
	if entry == nil {
		a.logger.Debug("session@all unmatched response", zap.String("id", env.ID))
		return
	}
	if env.Error != nil {
		// delivered but rejected: the value stays pending, the entry is
		// not retried
		a.logger.Warn("session@all request rejected by server",
			zap.String("id", env.ID), zap.Int("code", env.Error.Code),
			zap.String("message", env.Error.Message))
		return
	}
	if entry.stateID != "" {
		a.tree.AckState(entry.stateID)
	}
	a.dispatch.ApplyResultState(env)
}

func (a *SessionActor) sweepDeadlines(ctx actor.Context) {
	failed := a.queue.Sweep(a.now())
	for _, e := range failed {
		a.logger.Warn("session@running delivery failed",
			zap.String("id", e.env.ID), zap.String("value", e.valueID))
		a.eventStream.Publish(domain.DeliveryFailedEvent{
			MessageID: e.env.ID,
			ValueID:   e.valueID,
			StateID:   e.stateID,
		})
	}
	a.drain(ctx)
}

// drain writes queued frames in bulks, bounded by the in-flight window.
func (a *SessionActor) drain(ctx actor.Context) {
	if a.transportPID == nil {
		return
	}
	for {
		batch := a.queue.NextBatch(a.now())
		if len(batch) == 0 {
			return
		}
		envs := make([]rpc.Envelope, len(batch))
		for i, e := range batch {
			envs[i] = e.env
		}
		a.send(ctx, envs)
	}
}

func (a *SessionActor) send(ctx actor.Context, envs []rpc.Envelope) {
	data, err := rpc.Encode(envs)
	if err != nil {
		a.logger.Error("session@all frame encode failed", zap.Error(err))
		return
	}
	ctx.Send(a.transportPID, writeFrames{data: data})
}

func (a *SessionActor) startPeriodJobs(ctx actor.Context) {
	if a.periodSched != nil {
		return
	}
	values := a.tree.PeriodValues()
	if len(values) == 0 {
		return
	}
	a.periodSched = quartz.NewStdScheduler()
	a.periodSched.Start(gocontext.Background())
	system := ctx.ActorSystem()
	self := ctx.Self()
	for _, pv := range values {
		job := &periodJob{system: system, pid: self, valueID: pv.ID}
		detail := quartz.NewJobDetail(job, quartz.NewJobKey("period_"+pv.ID))
		if err := a.periodSched.ScheduleJob(detail, quartz.NewSimpleTrigger(pv.Period)); err != nil {
			a.logger.Error("session@all period job schedule failed",
				zap.String("value", pv.ID), zap.Error(err))
		}
	}
	a.logger.Info("session@all period jobs started", zap.Int("count", len(values)))
}

func (a *SessionActor) beginStop(ctx actor.Context, requester *actor.PID) {
	if requester != nil {
		a.stopReplyTo = append(a.stopReplyTo, requester)
	}
	a.logger.Info("session@all stopping")
	a.publishStatus(domain.StatusDisconnecting)
	a.teardownTimers()
	a.drain(ctx)
	if a.transportPID == nil || a.queue.Idle() {
		a.finishStop(ctx)
		return
	}
	a.scheduler.SendOnce(a.cfg.Session.StopFlush(), ctx.Self(), flushDone{})
	a.Become(SessionStoppingState{actor: a})
}

func (a *SessionActor) finishStop(ctx actor.Context) {
	a.stopTransport(ctx)
	a.persistOnce()
	a.publishStatus(domain.StatusStopped)
	for _, pid := range a.stopReplyTo {
		ctx.Send(pid, domain.StopSessionResponse{})
	}
	a.stopReplyTo = nil
	a.logger.Info("session@all stopped")
	a.Become(SessionStoppedState{actor: a})
}

func (a *SessionActor) stopTransport(ctx actor.Context) {
	if a.transportPID != nil {
		ctx.Stop(a.transportPID)
		a.transportPID = nil
	}
}

func (a *SessionActor) teardownTimers() {
	if a.cancelSweep != nil {
		a.cancelSweep()
		a.cancelSweep = nil
	}
	if a.cancelRetry != nil {
		a.cancelRetry()
		a.cancelRetry = nil
	}
	a.cancelHandshakeTimer()
	if a.periodSched != nil {
		a.periodSched.Stop()
		a.periodSched = nil
	}
}

func (a *SessionActor) persistOnce() {
	if a.persisted || a.store == nil || !a.cfg.Model.SaveOnStop {
		return
	}
	a.persisted = true
	if err := a.store.Save(a.tree); err != nil {
		a.logger.Error("session@all snapshot save failed", zap.Error(err))
	}
}

func (a *SessionActor) publishStatus(status domain.SessionStatus) {
	if a.eventStream != nil {
		a.eventStream.Publish(domain.StatusEvent{Status: status})
	}
}

// actorPublisher forwards accepted tree writes into the session mailbox, so
// queueing happens on the actor goroutine.
type actorPublisher struct {
	system *actor.ActorSystem
	pid    *actor.PID
}

func (p actorPublisher) PublishState(u model.StateUpdate) {
	p.system.Root.Send(p.pid, domain.PublishStateRequest{Update: u})
}

func (p actorPublisher) PublishDelete(ref model.Ref) {
	p.system.Root.Send(p.pid, domain.PublishDeleteRequest{Ref: ref})
}

// periodJob pokes the session when a value's reporting period elapsed.
type periodJob struct {
	system  *actor.ActorSystem
	pid     *actor.PID
	valueID string
}

func (j *periodJob) Execute(gocontext.Context) error {
	j.system.Root.Send(j.pid, domain.PeriodElapsed{ValueID: j.valueID})
	return nil
}

func (j *periodJob) Description() string {
	return "period report " + j.valueID
}
