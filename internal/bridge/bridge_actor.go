package bridge

import (
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/berfenger/wappgw/internal/config"
	"github.com/berfenger/wappgw/internal/domain"
	"github.com/berfenger/wappgw/internal/util/actorutil"
)

// BridgeActor mirrors report updates on the local broker and feeds control
// commands from the command topic back into the session.
type BridgeActor struct {
	config      *config.Config
	behavior    actor.Behavior
	stash       *actorutil.Stash
	client      *MQTTClient
	sessionPID  *actor.PID
	eventStream *eventstream.EventStream
	sub         *eventstream.Subscription
	logger      *zap.Logger
}

type MQTTConnected struct {
}

type MQTTSubscribed struct {
}

type MQTTConnectionLost struct {
	Error error
}

type ParsedCommand struct {
	Command *ParsedMQTTCommand
}

func NewBridgeActor(config *config.Config, sessionPID *actor.PID, eventStream *eventstream.EventStream, logger *zap.Logger) *BridgeActor {
	act := &BridgeActor{
		config:      config,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		sessionPID:  sessionPID,
		eventStream: eventStream,
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_BRIDGE, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *BridgeActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *BridgeActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("bridge@starting started")

		// create MQTT client
		state.client = CreateMQTTClient(state.config, OptsFromConfig(state.config), func(_ pahomqtt.Client) {
		}, func(_ pahomqtt.Client, err error) {
			ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
		})

		// connect to MQTT server
		state.client.Connect(func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTConnected{})
			}
		}, 10*time.Second)

	case MQTTConnected:
		state.logger.Debug("bridge@starting connected")

		state.client.Publish(state.client.BridgeStateTopic(), MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)

		// subscribe to value control topics
		state.client.SubscribeToControlTopic(func(c pahomqtt.Client, m pahomqtt.Message) {
			cmd, err := state.client.ParseMQTTCommand(m)
			if err == nil && cmd != nil {
				ctx.Send(ctx.Self(), ParsedCommand{Command: cmd})
			}
		}, func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTSubscribed{})
			}
		}, 1*time.Second)
	case MQTTSubscribed:
		// init completed, mirror report updates from the event stream
		state.logger.Debug("bridge@starting subscribed")
		root := ctx.ActorSystem().Root
		self := ctx.Self()
		state.sub = state.eventStream.Subscribe(func(evt any) {
			if update, ok := evt.(domain.ReportUpdateEvent); ok {
				root.Send(self, update)
			}
		})
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("bridge@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("bridge@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *BridgeActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ReportUpdateEvent:
		state.logger.Debug("bridge@default report update",
			zap.String("value", msg.ValueID), zap.String("data", msg.Data))
		state.client.Publish(state.client.ValueStateTopic(msg.ValueID), msg.Data, 0, true, func(err error) {
			if err != nil {
				state.logger.Warn("bridge@default publish failed", zap.Error(err))
			}
		}, 500*time.Millisecond)
	case ParsedCommand:
		state.logger.Debug("bridge@default control command",
			zap.String("value", msg.Command.ValueId), zap.String("payload", msg.Command.Payload))
		ctx.Send(state.sessionPID, domain.ControlCommand{
			ValueID: msg.Command.ValueId,
			Data:    msg.Command.Payload,
		})
	case domain.ActorHealthRequest:
		state.logger.Debug("bridge@default ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_BRIDGE,
			Healthy: true,
		})
	case MQTTConnectionLost:
		state.logger.Error("bridge@default connection lost", zap.Error(msg.Error))
		state.stop()
		panic(msg.Error)
	case *actor.Stopping, *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("bridge@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *BridgeActor) stop() {
	if state.sub != nil {
		state.eventStream.Unsubscribe(state.sub)
		state.sub = nil
	}
	if state.client != nil {
		state.client.Publish(state.client.BridgeStateTopic(), MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.client.Disconnect(100 * time.Millisecond)
	}
}
