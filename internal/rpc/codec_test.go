package rpc

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berfenger/wappgw/internal/model"
)

func testUpdate() model.StateUpdate {
	return model.StateUpdate{
		Ref: model.Ref{
			NetworkID: "net-1",
			DeviceID:  "dev-1",
			ValueID:   "val-1",
			StateID:   "st-1",
		},
		Type:      model.StateReport,
		Data:      "21.5",
		Timestamp: time.Date(2026, 8, 25, 12, 30, 45, 123456000, time.UTC),
	}
}

func TestBuilderIDs(t *testing.T) {
	b := NewBuilder()

	e1 := b.StateRequest(MethodPut, testUpdate())
	e2 := b.StateRequest(MethodPut, testUpdate())

	parts1 := strings.Split(e1.ID, "_")
	require.Len(t, parts1, 3)
	assert.Len(t, parts1[0], 10)
	assert.Equal(t, "PUT", parts1[1])
	assert.Equal(t, "1", parts1[2])
	assert.Equal(t, "2", strings.Split(e2.ID, "_")[2])

	// a new epoch restarts the counter under a fresh token
	b.Reset()
	e3 := b.StateRequest(MethodPut, testUpdate())
	parts3 := strings.Split(e3.ID, "_")
	assert.NotEqual(t, parts1[0], parts3[0])
	assert.Equal(t, "1", parts3[2])
}

func TestStateRequestWireShape(t *testing.T) {
	b := NewBuilder()
	env := b.StateRequest(MethodPut, testUpdate())

	data, err := Encode([]Envelope{env})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "2.0", raw["jsonrpc"])
	assert.Equal(t, "PUT", raw["method"])

	params := raw["params"].(map[string]any)
	assert.Equal(t, "/network/net-1/device/dev-1/value/val-1/state/st-1", params["url"])

	payload := params["data"].(map[string]any)
	assert.Equal(t, "Report", payload["type"])
	assert.Equal(t, "Send", payload["status"])
	assert.Equal(t, "21.5", payload["data"])
	assert.Equal(t, "2026-08-25T12:30:45.123456Z", payload["timestamp"])

	meta := payload["meta"].(map[string]any)
	assert.Equal(t, "st-1", meta["id"])
	assert.Equal(t, "state", meta["type"])
}

func TestStateRequestGetHasNoPayload(t *testing.T) {
	b := NewBuilder()
	env := b.StateRequest(MethodGet, testUpdate())
	assert.Nil(t, env.Params.Data)
}

func TestParseSingleAndBatch(t *testing.T) {
	single := []byte(`{"jsonrpc":"2.0","id":"x_PUT_1","result":true}`)
	envs, err := Parse(single)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.True(t, envs[0].IsResponse())

	batch := []byte(`[{"jsonrpc":"2.0","id":"a","result":true},{"jsonrpc":"2.0","id":"b","method":"GET","params":{"url":"/network/n/device/d/value/v/state/s"}}]`)
	envs, err = Parse(batch)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.True(t, envs[0].IsResponse())
	assert.True(t, envs[1].IsRequest())

	_, err = Parse([]byte("  "))
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)

	_, err = Parse([]byte("{not json"))
	assert.ErrorAs(t, err, &perr)
}

func TestEncodeBulks(t *testing.T) {
	b := NewBuilder()
	e1 := b.StateRequest(MethodPut, testUpdate())
	e2 := b.StateRequest(MethodPut, testUpdate())

	one, err := Encode([]Envelope{e1})
	require.NoError(t, err)
	assert.Equal(t, byte('{'), one[0])

	two, err := Encode([]Envelope{e1, e2})
	require.NoError(t, err)
	assert.Equal(t, byte('['), two[0])

	envs, err := Parse(two)
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func TestParseURL(t *testing.T) {
	ref, err := ParseURL("/network/n1/device/d1/value/v1/state/s1")
	require.NoError(t, err)
	assert.Equal(t, model.Ref{NetworkID: "n1", DeviceID: "d1", ValueID: "v1", StateID: "s1"}, ref)

	// trace query parameters are ignored
	ref, err = ParseURL("/network/n1?trace=abc")
	require.NoError(t, err)
	assert.Equal(t, "n1", ref.NetworkID)

	_, err = ParseURL("/network/n1/device")
	assert.Error(t, err)

	_, err = ParseURL("/bogus/n1")
	assert.Error(t, err)
}

func TestTargetLeafID(t *testing.T) {
	env := Envelope{Params: &Params{URL: "/network/n/device/d/value/v/state/s?trace=1"}}
	assert.Equal(t, "s", env.TargetLeafID())

	env = Envelope{}
	assert.Equal(t, "", env.TargetLeafID())
}

func TestResultState(t *testing.T) {
	env := Envelope{Result: json.RawMessage(`{"value":{"meta":{"id":"st-c","type":"state"},"type":"Control","data":"7"}}`)}
	p := env.ResultState()
	require.NotNil(t, p)
	assert.Equal(t, "st-c", p.Meta.ID)
	assert.Equal(t, "7", p.Data)

	env = Envelope{Result: json.RawMessage(`true`)}
	assert.Nil(t, env.ResultState())
}

func TestResponses(t *testing.T) {
	ok := SuccessResponse("id-1")
	data, err := Encode([]Envelope{ok})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"result":true`)

	bad := ErrorResponse("id-2", "boom", CodeInternal)
	require.NotNil(t, bad.Error)
	assert.Equal(t, -32020, bad.Error.Code)

	unknown := ErrorResponse("id-3", "nope", CodeMethodNotFound)
	assert.Equal(t, -32601, unknown.Error.Code)
}

func TestNetworkRequests(t *testing.T) {
	b := NewBuilder()

	post := b.NetworkPost(json.RawMessage(`{"meta":{"id":"net-1"}}`))
	assert.Equal(t, MethodPost, post.Method)
	assert.Equal(t, "/network", post.Params.URL)

	put := b.NetworkPut("net-1", "home")
	assert.Equal(t, "/network/net-1", put.Params.URL)

	del := b.DeleteRequest(model.Ref{NetworkID: "n", DeviceID: "d", ValueID: "v"})
	assert.Equal(t, "/network/n/device/d/value/v", del.Params.URL)
}
