package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"
)

// TestDialer hands out in-memory pipe connections so session tests can
// exercise connect, fault and reconnect paths without sockets or sleeps in
// the engine itself.
type TestDialer struct {
	mu        sync.Mutex
	failFirst int
	dials     int
	servers   chan *TestServer
}

func NewTestDialer(failFirst int) *TestDialer {
	return &TestDialer{
		failFirst: failFirst,
		servers:   make(chan *TestServer, 16),
	}
}

func (d *TestDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.dials <= d.failFirst {
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()

	client, server := net.Pipe()
	d.servers <- &TestServer{conn: server, dec: json.NewDecoder(server)}
	return client, nil
}

func (d *TestDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Accept returns the server end of the next established connection.
func (d *TestDialer) Accept(timeout time.Duration) (*TestServer, error) {
	select {
	case s := <-d.servers:
		return s, nil
	case <-time.After(timeout):
		return nil, errors.New("no connection established")
	}
}

// TestServer is the counterpart end of a TestDialer connection.
type TestServer struct {
	conn net.Conn
	dec  *json.Decoder
}

// ReadRaw decodes the next JSON value written by the client.
func (s *TestServer) ReadRaw(timeout time.Duration) (json.RawMessage, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	var raw json.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *TestServer) WriteRaw(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := s.conn.Write(data)
	return err
}

// Drop severs the connection, simulating a transport fault.
func (s *TestServer) Drop() {
	_ = s.conn.Close()
}
