// Package wappclient is the embeddable device client: it loads the value
// model, keeps the cloud session alive and exposes report/control plumbing
// to the application.
package wappclient

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"

	"github.com/berfenger/wappgw/internal/bridge"
	"github.com/berfenger/wappgw/internal/config"
	"github.com/berfenger/wappgw/internal/domain"
	"github.com/berfenger/wappgw/internal/model"
	"github.com/berfenger/wappgw/internal/session"
	"github.com/berfenger/wappgw/internal/transport"
	"github.com/berfenger/wappgw/internal/util/actorutil"
)

// StatusEvent is re-exported so applications do not import internal
// packages.
type StatusEvent = domain.StatusEvent

type DeliveryFailedEvent = domain.DeliveryFailedEvent

type Client struct {
	cfg         config.Config
	logger      *zap.Logger
	tree        *model.Tree
	store       *model.PersistenceStore
	dialer      transport.Dialer
	eventStream *eventstream.EventStream

	system     *pactor.ActorSystem
	sessionPID *pactor.PID
	bridgePID  *pactor.PID
}

// New loads the configuration document and, when enabled, the latest
// persisted snapshot, and builds the model tree from both.
func New(cfg config.Config, logger *zap.Logger) (*Client, error) {
	var doc *model.Document
	if cfg.Model.File != "" {
		data, err := os.ReadFile(cfg.Model.File)
		if err != nil {
			return nil, fmt.Errorf("read model file: %w", err)
		}
		doc, err = model.ParseDocument(data)
		if err != nil {
			return nil, err
		}
	}

	var store *model.PersistenceStore
	var snapshot *model.Document
	if cfg.Model.SaveDir != "" {
		store = model.NewPersistenceStore(cfg.Model.SaveDir, logger)
		if cfg.Model.LoadFromSave {
			s, err := store.Load()
			switch {
			case err == nil:
				snapshot = s
			case errors.Is(err, model.ErrNoSnapshot):
				logger.Info("no persisted snapshot, starting from the model file")
			default:
				return nil, err
			}
		}
	}

	tree, err := model.NewTree(doc, snapshot, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:         cfg,
		logger:      logger,
		tree:        tree,
		store:       store,
		eventStream: &eventstream.EventStream{},
	}, nil
}

// SetDialer overrides the transport before Start, for tests or custom
// endpoints.
func (c *Client) SetDialer(d transport.Dialer) {
	c.dialer = d
}

// UseActorSystem attaches the client to an existing actor system instead of
// creating its own.
func (c *Client) UseActorSystem(system *pactor.ActorSystem) {
	c.system = system
}

// Start spawns the session actor (and the MQTT bridge when enabled) and
// begins connecting.
func (c *Client) Start() error {
	if c.sessionPID != nil {
		return errors.New("client already started")
	}
	if c.dialer == nil {
		d, err := transport.NewDialer(c.cfg.Server)
		if err != nil {
			return err
		}
		c.dialer = d
	}
	if c.system == nil {
		c.system = actorutil.NewActorSystemWithZapLogger(c.logger)
	}

	supervisor := pactor.NewOneForOneStrategy(1, 10*time.Second, func(reason interface{}) pactor.Directive {
		// a session panic means unrecoverable credentials or config
		return pactor.StopDirective
	})
	props := pactor.PropsFromProducer(func() pactor.Actor {
		return session.NewSessionActor(c.cfg, c.tree, c.dialer, c.store, c.eventStream, c.logger)
	}, pactor.WithSupervisor(supervisor))
	pid, err := c.system.Root.SpawnNamed(props, domain.ACTOR_ID_SESSION)
	if err != nil {
		return err
	}
	c.sessionPID = pid

	if c.cfg.Bridge.Enable {
		bridgeSupervisor := pactor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)
		bridgeProps := pactor.PropsFromProducer(func() pactor.Actor {
			return bridge.NewBridgeActor(&c.cfg, c.sessionPID, c.eventStream, c.logger)
		}, pactor.WithSupervisor(bridgeSupervisor))
		bpid, err := c.system.Root.SpawnNamed(bridgeProps, domain.ACTOR_ID_BRIDGE)
		if err != nil {
			return err
		}
		c.bridgePID = bpid
	}
	return nil
}

// Stop flushes and persists the session, then brings the actors down. Safe
// to call more than once.
func (c *Client) Stop(timeout time.Duration) error {
	if c.sessionPID == nil {
		return nil
	}
	_, err := c.system.Root.RequestFuture(c.sessionPID, domain.StopSessionRequest{}, timeout).Result()
	if c.bridgePID != nil {
		c.system.Root.Stop(c.bridgePID)
		c.bridgePID = nil
	}
	c.system.Root.Stop(c.sessionPID)
	c.sessionPID = nil
	return err
}

// RunUntilSignal blocks until SIGINT or SIGTERM, then stops the client.
func (c *Client) RunUntilSignal() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return c.Stop(10 * time.Second)
}

// Report validates and records a report write, addressed by device and
// value name.
func (c *Client) Report(deviceName, valueName, data string) error {
	v, err := c.tree.Value(deviceName, valueName)
	if err != nil {
		return err
	}
	return c.tree.WriteState(v.ID, data)
}

func (c *Client) Network() *model.Network {
	return c.tree.Network()
}

func (c *Client) Device(name string) (*model.Device, error) {
	return c.tree.Device(name)
}

func (c *Client) Value(deviceName, valueName string) (*model.Value, error) {
	return c.tree.Value(deviceName, valueName)
}

// Tree exposes the model for direct writes by id.
func (c *Client) Tree() *model.Tree {
	return c.tree
}

func (c *Client) SetValueHandler(h model.ValueHandler) {
	c.tree.SetValueHandler(h)
}

func (c *Client) SetNetworkHandler(h model.NetworkHandler) {
	c.tree.SetNetworkHandler(h)
}

// SubscribeStatus delivers session lifecycle events; the returned function
// cancels the subscription.
func (c *Client) SubscribeStatus(fn func(StatusEvent)) func() {
	sub := c.eventStream.Subscribe(func(evt any) {
		if e, ok := evt.(domain.StatusEvent); ok {
			fn(e)
		}
	})
	return func() { c.eventStream.Unsubscribe(sub) }
}

// SubscribeDeliveryFailures reports frames that exhausted their resend
// budget.
func (c *Client) SubscribeDeliveryFailures(fn func(DeliveryFailedEvent)) func() {
	sub := c.eventStream.Subscribe(func(evt any) {
		if e, ok := evt.(domain.DeliveryFailedEvent); ok {
			fn(e)
		}
	})
	return func() { c.eventStream.Unsubscribe(sub) }
}

// System exposes the actor system for the health endpoint wiring.
func (c *Client) System() *pactor.ActorSystem {
	return c.system
}

func (c *Client) SessionPID() *pactor.PID {
	return c.sessionPID
}
