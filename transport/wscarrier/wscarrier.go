// Package wscarrier adapts gorilla/websocket connections into
// duplex.Pipeline carriers: each WebSocket message is exactly one
// outbound chunk (spec.md §6), dispatch is concurrent (multiple
// in-flight calls expected over a long-lived socket), and the client
// side runs a reconnect loop with exponential backoff per spec.md §5.
//
// Grounded on xiqingping-birpc/wetsock/wetsock.go (the teacher's own
// websocket codec: ping/pong handler wiring, one gorilla/websocket
// message per RPC message) and xiqingping-birpc/stoppablelisten (kept
// and rewired in listener.go as the server listener's graceful-stop
// wrapper).
package wscarrier

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/roadrunner-server/errors"

	"github.com/yuanliwei/birpc/duplex"
	"github.com/yuanliwei/birpc/server"
)

// Conn couples one *websocket.Conn to a duplex.Pipeline.
type Conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	Pipeline *duplex.Pipeline
}

// WriteChunk implements duplex.Writer: one chunk, one WebSocket binary
// message. gorilla/websocket permits only one concurrent writer
// (https://pkg.go.dev/github.com/gorilla/websocket#hdr-Concurrency),
// same constraint the teacher's wetsock.codec documents.
func (c *Conn) WriteChunk(_ context.Context, chunk []byte) error {
	const op = errors.Op("wscarrier_write")
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// ReadLoop reads WebSocket messages until the connection closes,
// pushing each one into the pipeline. It returns the terminal error.
func (c *Conn) ReadLoop(ctx context.Context) error {
	const op = errors.Op("wscarrier_read")
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Pipeline.Fail(errors.E(op, err))
			return err
		}
		if err := c.Pipeline.Push(ctx, data); err != nil {
			return err
		}
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.ws.Close() }

// ServerConfig configures the WebSocket server adapter.
type ServerConfig struct {
	Upgrader  websocket.Upgrader
	Extension server.Extension
	Logger    server.Logger
	RPCKey    string
	// OnConnect, if set, is called with each accepted *Conn before its
	// read loop starts; callers can stash per-connection context
	// here (spec.md §4.5's "carriers that have a per-call context").
	OnConnect func(*http.Request, *Conn)
}

// Handler returns an http.HandlerFunc that upgrades each request to a
// WebSocket, wires a fresh Pipeline to it (concurrent dispatch, with
// the client engine enabled as well, so the server side can also call
// into the connected client through the Conn handed to OnConnect),
// and blocks until the connection closes.
func (c *ServerConfig) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := c.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		conn := &Conn{ws: ws}
		p, err := duplex.New(duplex.Config{
			Extension:    c.Extension,
			DispatchMode: server.Concurrent,
			Logger:       c.Logger,
			EnableClient: true, // full duplex: server may also call the client
			RPCKey:       c.RPCKey,
			IsInitiator:  false,
		}, conn)
		if err != nil {
			ws.Close()
			return
		}
		conn.Pipeline = p

		if c.OnConnect != nil {
			c.OnConnect(r, conn)
		}

		_ = conn.ReadLoop(r.Context())
	}
}

// DialConfig configures the WebSocket client adapter, including the
// reconnect policy of spec.md §5: exponential backoff starting at
// 300ms, doubling per failure, capped at 60s, reset to 300ms once a
// connection has survived longer than 10s.
type DialConfig struct {
	URL          string
	Header       http.Header
	Extension    server.Extension // optional: lets the server call back into this client
	Logger       server.Logger
	RPCKey       string
	ResetAfter   time.Duration // default 10s
	Dialer       *websocket.Dialer
	OnReconnect  func(*Conn)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 300 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // never give up; cancellation is via context
	b.RandomizationFactor = 0
	return b
}

// DialLoop connects, reconnecting with backoff on failure, until ctx
// is cancelled. Each successful connection's Pipeline is delivered via
// onConn before the read loop runs; DialLoop blocks until ctx is done.
func DialLoop(ctx context.Context, cfg DialConfig, onConn func(*Conn)) error {
	const op = errors.Op("wscarrier_dial_loop")

	resetAfter := cfg.ResetAfter
	if resetAfter == 0 {
		resetAfter = 10 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	b := newBackOff()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
		if err != nil {
			wait := b.NextBackOff()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		conn := &Conn{ws: ws}
		p, err := duplex.New(duplex.Config{
			Extension:    cfg.Extension,
			DispatchMode: server.Concurrent,
			Logger:       cfg.Logger,
			EnableClient: true,
			RPCKey:       cfg.RPCKey,
			IsInitiator:  true,
		}, conn)
		if err != nil {
			ws.Close()
			return errors.E(op, err)
		}
		conn.Pipeline = p

		connectedAt := time.Now()
		if onConn != nil {
			onConn(conn)
		}
		if cfg.OnReconnect != nil {
			cfg.OnReconnect(conn)
		}

		readErr := conn.ReadLoop(ctx)

		if time.Since(connectedAt) > resetAfter {
			b.Reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = readErr // reconnect regardless of the specific error, per spec.md §5
	}
}
