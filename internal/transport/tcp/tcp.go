// Package tcp adapts net.Conn/net.Listener to the transport.Transport
// contract using "tcp://host:port" endpoint URIs.
package tcp

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/circuitmesh/circuitd/internal/transport"
)

const scheme = "tcp://"

// Transport dials and listens on real TCP sockets.
type Transport struct {
	dialTimeout time.Duration
}

// New returns a Transport with the given dial timeout (zero means no
// timeout, matching net.Dialer's default).
func New(dialTimeout time.Duration) *Transport {
	return &Transport{dialTimeout: dialTimeout}
}

func (t *Transport) Accepts(endpoint string) bool {
	return strings.HasPrefix(endpoint, scheme)
}

func (t *Transport) Connect(endpoint string) (transport.Connection, error) {
	addr := strings.TrimPrefix(endpoint, scheme)
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dialing %s: %w", endpoint, err)
	}
	return &Connection{conn: conn}, nil
}

func (t *Transport) Listen(endpoint string) (transport.Listener, error) {
	addr := strings.TrimPrefix(endpoint, scheme)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listening on %s: %w", endpoint, err)
	}
	return &Listener{l: l}, nil
}

// Connection wraps a net.Conn with a length-prefixed framing so
// Send/Receive operate on whole messages rather than raw byte streams.
type Connection struct {
	conn net.Conn
}

func (c *Connection) Send(payload []byte) error {
	return writeFrame(c.conn, payload)
}

func (c *Connection) Receive() ([]byte, error) {
	return readFrame(c.conn)
}

func (c *Connection) RemoteEndpoint() string {
	return scheme + c.conn.RemoteAddr().String()
}

func (c *Connection) LocalEndpoint() string {
	return scheme + c.conn.LocalAddr().String()
}

func (c *Connection) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }
func (c *Connection) Close() error                  { return c.conn.Close() }

// Listener wraps a net.Listener.
type Listener struct {
	l net.Listener
}

func (l *Listener) Accept() (transport.Connection, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return &Connection{conn: conn}, nil
}

func (l *Listener) Close() error          { return l.l.Close() }
func (l *Listener) LocalEndpoint() string { return scheme + l.l.Addr().String() }
