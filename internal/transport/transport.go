// Package transport owns the physical connection to the platform. The
// session consumes it as a Dialer producing byte-stream Conns; credentials
// and TLS setup live here and nowhere else.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/berfenger/wappgw/internal/config"
)

type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// FatalError marks unrecoverable configuration problems (bad or missing
// credentials). Anything else is retried by the reconnection loop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal transport error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// NewDialer picks the raw TLS socket or the websocket endpoint from config.
func NewDialer(cfg config.ServerConfig) (Dialer, error) {
	tlsCfg, err := loadTLSConfig(cfg)
	if err != nil {
		return nil, &FatalError{Err: err}
	}
	if cfg.UseWebsocket {
		return &WebsocketDialer{URL: cfg.WebsocketURL, TLSConfig: tlsCfg}, nil
	}
	return &TLSDialer{
		Address:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		TLSConfig: tlsCfg,
	}, nil
}

func loadTLSConfig(cfg config.ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	caData, err := os.ReadFile(cfg.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("load ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("no usable certificates in %s", cfg.CACertFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// TLSDialer opens the raw secured stream socket.
type TLSDialer struct {
	Address   string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (d *TLSDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	netDialer := &net.Dialer{
		Timeout: timeout,
		// keepalives surface half-dead connections as read errors
		KeepAlive: 60 * time.Second,
	}
	tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: d.TLSConfig}
	conn, err := tlsDialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
