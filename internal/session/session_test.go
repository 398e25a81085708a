package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/berfenger/wappgw/internal/config"
	"github.com/berfenger/wappgw/internal/domain"
	"github.com/berfenger/wappgw/internal/model"
	"github.com/berfenger/wappgw/internal/rpc"
	"github.com/berfenger/wappgw/internal/transport"
	"github.com/berfenger/wappgw/internal/util"
)

const sessionTestDoc = `{
    "meta": {"id": "net-1", "type": "network", "version": "2.0"},
    "name": "testnet",
    "device": [{
        "meta": {"id": "dev-1", "type": "device"},
        "name": "sensor",
        "value": [{
            "meta": {"id": "val-temp", "type": "value"},
            "name": "temp",
            "permission": "rw",
            "number": {"min": -40, "max": 125, "step": 0.5},
            "state": [
                {"meta": {"id": "st-temp-r", "type": "state"}, "type": "Report", "data": "0"},
                {"meta": {"id": "st-temp-c", "type": "state"}, "type": "Control", "data": "0"}
            ]
        }]
    }]
}`

type sessionFixture struct {
	t      *testing.T
	cfg    config.Config
	system *actor.ActorSystem
	pid    *actor.PID
	tree   *model.Tree
	dialer *transport.TestDialer
	es     *eventstream.EventStream
}

func startTestSession(t *testing.T, mutate func(*config.Config)) *sessionFixture {
	cfg := util.LoadTestConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	doc, err := model.ParseDocument([]byte(sessionTestDoc))
	require.NoError(t, err)
	logger := zap.NewNop()
	tree, err := model.NewTree(doc, nil, logger)
	require.NoError(t, err)

	var store *model.PersistenceStore
	if cfg.Model.SaveDir != "" {
		store = model.NewPersistenceStore(cfg.Model.SaveDir, logger)
	}

	dialer := transport.NewTestDialer(0)
	es := &eventstream.EventStream{}
	system := actor.NewActorSystem()

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewSessionActor(cfg, tree, dialer, store, es, logger)
	})
	pid, err := system.Root.SpawnNamed(props, domain.ACTOR_ID_SESSION)
	require.NoError(t, err)

	f := &sessionFixture{
		t:      t,
		cfg:    cfg,
		system: system,
		pid:    pid,
		tree:   tree,
		dialer: dialer,
		es:     es,
	}
	t.Cleanup(func() {
		system.Root.Stop(pid)
		system.Shutdown()
	})
	return f
}

func (f *sessionFixture) accept() *transport.TestServer {
	server, err := f.dialer.Accept(3 * time.Second)
	require.NoError(f.t, err)
	return server
}

func readEnvs(t *testing.T, server *transport.TestServer) []rpc.Envelope {
	raw, err := server.ReadRaw(3 * time.Second)
	require.NoError(t, err)
	envs, err := rpc.Parse(raw)
	require.NoError(t, err)
	return envs
}

func ackID(t *testing.T, server *transport.TestServer, id string) {
	err := server.WriteRaw([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":true}`, id)))
	require.NoError(t, err)
}

// completeHandshake reads the first frame of a fresh connection and
// acknowledges it.
func completeHandshake(t *testing.T, server *transport.TestServer, expectMethod string) rpc.Envelope {
	envs := readEnvs(t, server)
	require.Len(t, envs, 1)
	env := envs[0]
	assert.Equal(t, expectMethod, env.Method)
	ackID(t, server, env.ID)
	return env
}

func TestSessionHandshakeAndReportDelivery(t *testing.T) {
	f := startTestSession(t, nil)

	var running atomic.Bool
	sub := f.es.Subscribe(func(evt any) {
		if e, ok := evt.(domain.StatusEvent); ok && e.Running() {
			running.Store(true)
		}
	})
	defer f.es.Unsubscribe(sub)

	server := f.accept()

	// first connection pushes the whole document
	env := completeHandshake(t, server, rpc.MethodPost)
	assert.Equal(t, "/network", env.Params.URL)
	var doc model.Document
	require.NoError(t, json.Unmarshal(env.Params.Data, &doc))
	assert.Equal(t, "net-1", doc.Meta.ID)

	assert.Eventually(t, running.Load, 3*time.Second, 20*time.Millisecond)

	// local write flows out as a state PUT
	require.NoError(t, f.tree.WriteState("val-temp", "21.5"))

	envs := readEnvs(t, server)
	require.Len(t, envs, 1)
	put := envs[0]
	assert.Equal(t, rpc.MethodPut, put.Method)
	assert.Equal(t, "/network/net-1/device/dev-1/value/val-temp/state/st-temp-r", put.Params.URL)
	payload, err := put.StatePayload()
	require.NoError(t, err)
	assert.Equal(t, "21.5", payload.Data)
	assert.Equal(t, "Send", payload.Status)

	// acknowledged: the value settles back to ok
	ackID(t, server, put.ID)
	assert.Eventually(t, func() bool {
		return f.tree.Status("val-temp") == model.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSessionHandshakeResendsWhenUnacknowledged(t *testing.T) {
	f := startTestSession(t, nil)

	server := f.accept()

	envs := readEnvs(t, server)
	require.Len(t, envs, 1)
	first := envs[0]
	assert.Equal(t, rpc.MethodPost, first.Method)

	// no reply: the handshake goes out again with the same correlation id
	envs = readEnvs(t, server)
	require.Len(t, envs, 1)
	assert.Equal(t, rpc.MethodPost, envs[0].Method)
	assert.Equal(t, first.ID, envs[0].ID)

	// answering the resend brings the session up
	ackID(t, server, envs[0].ID)
	require.NoError(t, f.tree.WriteState("val-temp", "21.5"))
	envs = readEnvs(t, server)
	require.Len(t, envs, 1)
	assert.Equal(t, rpc.MethodPut, envs[0].Method)
}

func TestSessionReconnectsWhenHandshakeNeverAnswered(t *testing.T) {
	f := startTestSession(t, nil)

	server := f.accept()

	// initial send plus the full resend budget, never answered
	var ids []string
	for i := 0; i < 3; i++ {
		envs := readEnvs(t, server)
		require.Len(t, envs, 1)
		ids = append(ids, envs[0].ID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])

	// budget exhausted: the connection is abandoned and a fresh dial follows
	server2 := f.accept()
	completeHandshake(t, server2, rpc.MethodPost)
	assert.GreaterOrEqual(t, f.dialer.Dials(), 2)
}

func TestSessionIgnoresStaleTransportFault(t *testing.T) {
	f := startTestSession(t, nil)

	server := f.accept()
	completeHandshake(t, server, rpc.MethodPost)

	// a fault from an already-replaced connection epoch must not tear down
	// the live one
	f.system.Root.Send(f.pid, transportFault{err: errors.New("broken pipe"), epoch: 0})
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.Dials())

	// the live connection still carries traffic
	require.NoError(t, f.tree.WriteState("val-temp", "18"))
	envs := readEnvs(t, server)
	require.Len(t, envs, 1)
	assert.Equal(t, rpc.MethodPut, envs[0].Method)
}

func TestSessionReconnectReplaysUnacknowledged(t *testing.T) {
	f := startTestSession(t, nil)

	server := f.accept()
	completeHandshake(t, server, rpc.MethodPost)

	require.NoError(t, f.tree.WriteState("val-temp", "30"))
	envs := readEnvs(t, server)
	require.Len(t, envs, 1)
	firstID := envs[0].ID

	// connection dies before the server acknowledges
	server.Drop()

	// the client reconnects and confirms the network head this time
	server2 := f.accept()
	completeHandshake(t, server2, rpc.MethodPut)

	// the unacknowledged frame replays unchanged
	envs = readEnvs(t, server2)
	require.Len(t, envs, 1)
	assert.Equal(t, firstID, envs[0].ID)
	payload, err := envs[0].StatePayload()
	require.NoError(t, err)
	assert.Equal(t, "30", payload.Data)

	ackID(t, server2, envs[0].ID)
	assert.Eventually(t, func() bool {
		return f.tree.Status("val-temp") == model.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSessionBuffersWritesWhileDisconnected(t *testing.T) {
	f := startTestSession(t, nil)

	server := f.accept()
	completeHandshake(t, server, rpc.MethodPost)
	server.Drop()

	// written while offline
	require.NoError(t, f.tree.WriteState("val-temp", "12"))

	server2 := f.accept()
	completeHandshake(t, server2, rpc.MethodPut)

	envs := readEnvs(t, server2)
	require.Len(t, envs, 1)
	payload, err := envs[0].StatePayload()
	require.NoError(t, err)
	assert.Equal(t, "12", payload.Data)
}

func TestSessionDispatchesControl(t *testing.T) {
	f := startTestSession(t, nil)

	var calls atomic.Int32
	var lastData atomic.Value
	f.tree.SetValueHandler(model.ValueHandlerFuncs{
		Set: func(v *model.Value, data string) {
			calls.Add(1)
			lastData.Store(data)
		},
	})

	server := f.accept()
	completeHandshake(t, server, rpc.MethodPost)

	req := `{"jsonrpc":"2.0","id":"srv-1","method":"PUT","params":{"url":"/network/net-1/device/dev-1/value/val-temp/state/st-temp-c","data":{"meta":{"id":"st-temp-c","type":"state"},"type":"Control","data":"42"}}}`
	require.NoError(t, server.WriteRaw([]byte(req)))

	envs := readEnvs(t, server)
	require.Len(t, envs, 1)
	assert.Equal(t, "srv-1", envs[0].ID)
	assert.Nil(t, envs[0].Error)

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "42", lastData.Load())

	// unknown target: error reply, handler untouched
	bad := `{"jsonrpc":"2.0","id":"srv-2","method":"PUT","params":{"url":"/network/net-1/device/dev-1/value/zzz/state/zzz","data":{"meta":{"id":"zzz","type":"state"},"type":"Control","data":"1"}}}`
	require.NoError(t, server.WriteRaw([]byte(bad)))

	envs = readEnvs(t, server)
	require.Len(t, envs, 1)
	require.NotNil(t, envs[0].Error)
	assert.Equal(t, rpc.CodeInternal, envs[0].Error.Code)
	assert.Equal(t, int32(1), calls.Load())

	// unknown method
	odd := `{"jsonrpc":"2.0","id":"srv-3","method":"PATCH","params":{"url":"/network/net-1"}}`
	require.NoError(t, server.WriteRaw([]byte(odd)))

	envs = readEnvs(t, server)
	require.Len(t, envs, 1)
	require.NotNil(t, envs[0].Error)
	assert.Equal(t, rpc.CodeMethodNotFound, envs[0].Error.Code)
}

func TestSessionRefreshProducesReport(t *testing.T) {
	f := startTestSession(t, nil)

	f.tree.SetValueHandler(model.ValueHandlerFuncs{
		Refresh: func(v *model.Value) {
			_ = f.tree.WriteState(v.ID, "77")
		},
	})

	server := f.accept()
	completeHandshake(t, server, rpc.MethodPost)

	req := `{"jsonrpc":"2.0","id":"srv-1","method":"GET","params":{"url":"/network/net-1/device/dev-1/value/val-temp/state/st-temp-r"}}`
	require.NoError(t, server.WriteRaw([]byte(req)))

	// the success reply and the fresh report both come out; order between
	// the two frames is not fixed
	var sawReply, sawReport bool
	deadline := time.Now().Add(3 * time.Second)
	for (!sawReply || !sawReport) && time.Now().Before(deadline) {
		for _, env := range readEnvs(t, server) {
			if env.IsResponse() && env.ID == "srv-1" {
				sawReply = true
			}
			if env.IsRequest() && env.Method == rpc.MethodPut {
				payload, err := env.StatePayload()
				require.NoError(t, err)
				assert.Equal(t, "77", payload.Data)
				sawReport = true
			}
		}
	}
	assert.True(t, sawReply)
	assert.True(t, sawReport)
}

func TestSessionStopIsIdempotentAndPersistsOnce(t *testing.T) {
	saveDir := t.TempDir()
	f := startTestSession(t, func(cfg *config.Config) {
		cfg.Model.SaveDir = saveDir
		cfg.Model.SaveOnStop = true
	})

	server := f.accept()
	completeHandshake(t, server, rpc.MethodPost)

	require.NoError(t, f.tree.WriteState("val-temp", "19"))
	envs := readEnvs(t, server)
	require.Len(t, envs, 1)
	ackID(t, server, envs[0].ID)

	_, err := f.system.Root.RequestFuture(f.pid, domain.StopSessionRequest{}, 5*time.Second).Result()
	require.NoError(t, err)

	// a second stop answers immediately and does not persist again
	_, err = f.system.Root.RequestFuture(f.pid, domain.StopSessionRequest{}, 5*time.Second).Result()
	require.NoError(t, err)

	files, err := os.ReadDir(saveDir)
	require.NoError(t, err)
	var snapshots []string
	for _, e := range files {
		if filepath.Ext(e.Name()) == ".json" {
			snapshots = append(snapshots, e.Name())
		}
	}
	require.Len(t, snapshots, 1)
	assert.Equal(t, "net-1.json", snapshots[0])

	data, err := os.ReadFile(filepath.Join(saveDir, snapshots[0]))
	require.NoError(t, err)
	doc, err := model.ParseDocument(data)
	require.NoError(t, err)
	assert.Equal(t, "19", doc.Device[0].Value[0].State[0].Data)
}

func TestSessionRetriesFailedDial(t *testing.T) {
	cfg := util.LoadTestConfig()
	doc, err := model.ParseDocument([]byte(sessionTestDoc))
	require.NoError(t, err)
	logger := zap.NewNop()
	tree, err := model.NewTree(doc, nil, logger)
	require.NoError(t, err)

	dialer := transport.NewTestDialer(2)
	es := &eventstream.EventStream{}
	system := actor.NewActorSystem()

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewSessionActor(cfg, tree, dialer, nil, es, logger)
	})
	pid, err := system.Root.SpawnNamed(props, domain.ACTOR_ID_SESSION)
	require.NoError(t, err)
	defer func() {
		system.Root.Stop(pid)
		system.Shutdown()
	}()

	// two refused dials, then a connection and a normal handshake
	server, err := dialer.Accept(5 * time.Second)
	require.NoError(t, err)
	completeHandshake(t, server, rpc.MethodPost)
	assert.GreaterOrEqual(t, dialer.Dials(), 3)
}
