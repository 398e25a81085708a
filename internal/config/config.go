package config

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel zapcore.Level
	Server   ServerConfig  `mapstructure:"server"`
	Model    ModelConfig   `mapstructure:"model"`
	Session  SessionConfig `mapstructure:"session"`
	Bridge   BridgeConfig  `mapstructure:"mqtt_bridge"`

	Port    uint `mapstructure:"port"`
	HttpLog bool `mapstructure:"http_log"`
}

// ServerConfig describes the cloud endpoint and the credential material
// consumed by the transport layer. Certificates are provisioned out of band.
type ServerConfig struct {
	Host           string
	Port           uint
	UseWebsocket   bool   `mapstructure:"use_websocket"`
	WebsocketURL   string `mapstructure:"websocket_url"`
	CACertFile     string `mapstructure:"ca_cert_file"`
	ClientCertFile string `mapstructure:"client_cert_file"`
	ClientKeyFile  string `mapstructure:"client_key_file"`
}

type ModelConfig struct {
	File         string
	SaveDir      string `mapstructure:"save_dir"`
	LoadFromSave bool   `mapstructure:"load_from_save"`
	SaveOnStop   bool   `mapstructure:"save_on_stop"`
}

type SessionConfig struct {
	BackoffMinMillis uint32 `mapstructure:"backoff_min_millis"`
	BackoffMaxMillis uint32 `mapstructure:"backoff_max_millis"`
	AckTimeoutMillis uint32 `mapstructure:"ack_timeout_millis"`
	MaxSendRetries   uint32 `mapstructure:"max_send_retries"`
	BulkSize         uint32 `mapstructure:"bulk_size"`
	MaxInFlight      uint32 `mapstructure:"max_in_flight"`
	StopFlushMillis  uint32 `mapstructure:"stop_flush_millis"`
}

type BridgeConfig struct {
	Enable    bool
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string `mapstructure:"base_topic"`
}

func (c SessionConfig) BackoffMin() time.Duration {
	return time.Duration(c.BackoffMinMillis) * time.Millisecond
}

func (c SessionConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMillis) * time.Millisecond
}

func (c SessionConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMillis) * time.Millisecond
}

func (c SessionConfig) StopFlush() time.Duration {
	return time.Duration(c.StopFlushMillis) * time.Millisecond
}

func CheckBaseTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
