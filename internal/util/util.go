package util

import (
	"github.com/berfenger/wappgw/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Server: config.ServerConfig{
			Host: "localhost",
			Port: 11006,
		},
		Session: config.SessionConfig{
			BackoffMinMillis: 50,
			BackoffMaxMillis: 200,
			AckTimeoutMillis: 500,
			MaxSendRetries:   2,
			BulkSize:         10,
			MaxInFlight:      10,
			StopFlushMillis:  200,
		},
		Bridge: config.BridgeConfig{
			Host: "localhost",
			Port: 1883,
		},
		Port: 8080,
	}
}
