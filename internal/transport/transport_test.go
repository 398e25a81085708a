package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berfenger/wappgw/internal/config"
)

func TestNewDialerMissingCredentialsIsFatal(t *testing.T) {
	_, err := NewDialer(config.ServerConfig{
		Host:           "localhost",
		Port:           11006,
		CACertFile:     "does-not-exist/ca.crt",
		ClientCertFile: "does-not-exist/client.crt",
		ClientKeyFile:  "does-not-exist/client.key",
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestIsFatalPlainError(t *testing.T) {
	assert.False(t, IsFatal(errors.New("dial tcp: connection refused")))
}

func TestTestDialerFailsFirstN(t *testing.T) {
	d := NewTestDialer(2)

	_, err := d.Dial(context.Background())
	assert.Error(t, err)
	_, err = d.Dial(context.Background())
	assert.Error(t, err)

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 3, d.Dials())

	server, err := d.Accept(time.Second)
	require.NoError(t, err)

	// the pipe carries JSON values end to end
	go func() {
		_, _ = conn.Write([]byte(`{"hello":"world"}`))
	}()
	raw, err := server.ReadRaw(time.Second)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "world", decoded["hello"])
}
