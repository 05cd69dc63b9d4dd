// Package transport provides the pluggable network layer the session
// worker drives: a small interface plus a scheme registry (mqtt/mqtts/
// ws/wss), generalizing the dial-by-scheme switch that golang-io/mqtt's
// Client.dial hard-coded inline.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/websocket"
)

// Transport is the network connection contract a session worker needs:
// enough to dial, move bytes, and enforce a read/write deadline for
// non-blocking polling (see package assembler).
type Transport interface {
	// Connect dials addr, replacing any previous connection.
	Connect(ctx context.Context, addr string) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
	// DefaultPort is used to fill in addr when the caller's URL omits one.
	DefaultPort() int
}

// Dialer builds a Transport for one scheme (mqtt, mqtts, ws, wss, ...).
type Dialer func(cfg Config) Transport

// Config carries the dial-time parameters every scheme's Dialer may need.
// Schemes that don't need a field (e.g. plain TCP ignoring TLSConfig)
// simply leave it unused.
type Config struct {
	TLSConfig   *tls.Config
	WSPath      string // default "/mqtt"
	DialTimeout time.Duration
}

var registry = map[string]Dialer{}

// Register adds or replaces the Dialer for scheme. Called from init()
// in this package for the built-in schemes; callers may register
// additional custom schemes (see cmd/mqtt-client's gorilla/websocket
// alternate path).
func Register(scheme string, d Dialer) {
	registry[scheme] = d
}

// Dial resolves scheme against the registry and connects to addr.
func Dial(ctx context.Context, scheme, addr string, cfg Config) (Transport, error) {
	d, ok := registry[scheme]
	if !ok {
		return nil, fmt.Errorf("transport: unknown scheme %q", scheme)
	}
	t := d(cfg)
	if err := t.Connect(ctx, withDefaultPort(addr, t.DefaultPort())); err != nil {
		return nil, err
	}
	return t, nil
}

func withDefaultPort(addr string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return fmt.Sprintf("%s:%d", addr, defaultPort)
}

func init() {
	Register("mqtt", func(cfg Config) Transport { return &tcpTransport{timeout: cfg.DialTimeout} })
	Register("tcp", func(cfg Config) Transport { return &tcpTransport{timeout: cfg.DialTimeout} })
	Register("mqtts", func(cfg Config) Transport { return &tlsTransport{cfg: cfg} })
	Register("tls", func(cfg Config) Transport { return &tlsTransport{cfg: cfg} })
	Register("ws", func(cfg Config) Transport { return &wsTransport{cfg: cfg, secure: false} })
	Register("wss", func(cfg Config) Transport { return &wsTransport{cfg: cfg, secure: true} })
}

// tcpTransport is a plain net.Conn-backed Transport.
type tcpTransport struct {
	conn    net.Conn
	timeout time.Duration
}

func (t *tcpTransport) Connect(ctx context.Context, addr string) error {
	d := &net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *tcpTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *tcpTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tcpTransport) Close() error                { return t.conn.Close() }
func (t *tcpTransport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}
func (t *tcpTransport) DefaultPort() int { return 1883 }

// tlsTransport dials a net.Conn and wraps it in a TLS handshake.
type tlsTransport struct {
	conn net.Conn
	cfg  Config
}

func (t *tlsTransport) Connect(ctx context.Context, addr string) error {
	d := &net.Dialer{Timeout: t.cfg.DialTimeout}
	tlsCfg := t.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	conn, err := tls.DialWithDialer(d, "tcp", addr, tlsCfg)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *tlsTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *tlsTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tlsTransport) Close() error                { return t.conn.Close() }
func (t *tlsTransport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}
func (t *tlsTransport) DefaultPort() int { return 8883 }

// wsTransport carries MQTT framed as WebSocket binary messages, matching
// the "mqtt" subprotocol negotiation golang-io/mqtt's Client.dial performs
// inline; here it is a first-class, independently testable Transport.
type wsTransport struct {
	ws     *websocket.Conn
	cfg    Config
	secure bool
}

func (t *wsTransport) Connect(ctx context.Context, addr string) error {
	path := t.cfg.WSPath
	if path == "" {
		path = "/mqtt"
	}
	scheme, originScheme := "ws", "http"
	if t.secure {
		scheme, originScheme = "wss", "https"
	}
	loc := &url.URL{Scheme: scheme, Host: addr, Path: path}
	origin := &url.URL{Scheme: originScheme, Host: addr}

	wsCfg, err := websocket.NewConfig(loc.String(), origin.String())
	if err != nil {
		return err
	}
	wsCfg.Protocol = []string{"mqtt"}
	if t.secure {
		wsCfg.TlsConfig = t.cfg.TLSConfig
	}
	ws, err := websocket.DialConfig(wsCfg)
	if err != nil {
		return err
	}
	ws.PayloadType = websocket.BinaryFrame
	t.ws = ws
	return nil
}

func (t *wsTransport) Read(p []byte) (int, error)  { return t.ws.Read(p) }
func (t *wsTransport) Write(p []byte) (int, error) { return t.ws.Write(p) }
func (t *wsTransport) Close() error                { return t.ws.Close() }
func (t *wsTransport) SetDeadline(d time.Time) error {
	return t.ws.SetDeadline(d)
}
func (t *wsTransport) DefaultPort() int {
	if t.secure {
		return 443
	}
	return 80
}
