// Package duplex couples a carrier, anything that can push inbound
// byte chunks and accept outbound byte chunks, to a client engine, a
// server engine, or both, through the frame and message codecs. This
// is the "pipeline" of spec.md §2.5 / §4.5.
//
// Grounded on xiqingping-birpc/birpc.go's Endpoint.Serve, generalized
// to route each decoded message by type to whichever of the two
// engines is present (spec.md §4.3 step 1: only CALL goes to the
// server engine; RETURN, ERROR and CALLBACK go to the client engine).
// The pipeline has no read loop or idle timeout of its own: carriers
// run their own read loops and feed chunks through Push.
package duplex

import (
	"context"
	"sync"

	"github.com/roadrunner-server/errors"

	"github.com/yuanliwei/birpc/cipher"
	"github.com/yuanliwei/birpc/client"
	"github.com/yuanliwei/birpc/frame"
	"github.com/yuanliwei/birpc/server"
	"github.com/yuanliwei/birpc/wire"
)

// Writer is the outbound half of a carrier: send one complete framed
// chunk. Implementations decide what "one chunk" means (an HTTP
// response body, one WebSocket message, one postMessage).
type Writer interface {
	WriteChunk(ctx context.Context, chunk []byte) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, chunk []byte) error

func (f WriterFunc) WriteChunk(ctx context.Context, chunk []byte) error { return f(ctx, chunk) }

// Config selects the pipeline's behavior. Mirrors spec.md §6's
// enumerated carrier options.
type Config struct {
	// RPCKey is the shared pre-key used to derive cipher state. Empty
	// means no encryption.
	RPCKey string
	// IsInitiator distinguishes the two ends of the carrier for cipher
	// direction separation (see package cipher).
	IsInitiator bool
	// Extension is served by this pipeline's server engine. Nil means
	// this pipeline never accepts inbound CALLs (pure client mode).
	Extension server.Extension
	// DispatchMode controls the server engine's concurrency, ignored
	// if Extension is nil.
	DispatchMode server.DispatchMode
	// Logger receives server-side call-completion records.
	Logger server.Logger
	// EnableClient controls whether this pipeline can originate calls
	// (spec.md §2.4). Most adapters want this on for bidirectional
	// carriers and off for one-shot HTTP server handlers.
	EnableClient bool
	// Intercept, if set, observes the raw carrier bytes moving in
	// either direction, for debugging (spec.md §6 `intercept`):
	// outbound chunks after framing, inbound chunks before deframing.
	Intercept func(outbound bool, raw []byte)
}

// Direction labels an Intercept observation.
const (
	Inbound  = false
	Outbound = true
)

// Pipeline is one duplex binding of a carrier to the engine(s).
type Pipeline struct {
	cfg Config

	mu      sync.Mutex
	encoder *frame.Encoder
	decoder *frame.Decoder
	ready   bool // cipher derived

	writer Writer

	Client *client.Engine // nil unless cfg.EnableClient
	Server *server.Engine // nil unless cfg.Extension != nil

	failOnce sync.Once
}

// New constructs a Pipeline bound to writer. Cipher derivation is
// synchronous (PBKDF2 over a fixed, tiny iteration count is cheap), so
// construction never blocks on I/O despite spec.md describing it as
// "awaited lazily" in the source runtime, but Go's PBKDF2 call is not
// async to begin with.
func New(cfg Config, writer Writer) (*Pipeline, error) {
	const op = errors.Op("duplex_new")

	cs, err := cipher.Derive(cfg.RPCKey, cfg.IsInitiator)
	if err != nil {
		return nil, errors.E(op, err)
	}

	p := &Pipeline{
		cfg:     cfg,
		encoder: frame.NewEncoder(cs),
		decoder: frame.NewDecoder(cs),
		writer:  writer,
		ready:   true,
	}

	emit := server.Emitter(p.emit)
	if cfg.Extension != nil {
		p.Server = server.New(cfg.Extension, emit, cfg.Logger, cfg.DispatchMode)
	}
	if cfg.EnableClient {
		p.Client = client.New(client.Emitter(p.emit))
	}
	return p, nil
}

func (p *Pipeline) emit(ctx context.Context, msg *wire.Message) error {
	const op = errors.Op("duplex_emit")

	record, err := wire.Encode(msg)
	if err != nil {
		return errors.E(op, err)
	}

	p.mu.Lock()
	chunk := p.encoder.Encode(record)
	p.mu.Unlock()

	if p.cfg.Intercept != nil {
		p.cfg.Intercept(Outbound, chunk)
	}

	if err := p.writer.WriteChunk(ctx, chunk); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Push feeds one inbound byte chunk (whatever granularity the carrier
// delivers) into the pipeline. Decoded messages are routed to the
// server or client engine by type. A fatal framing/decryption/
// serialization error stops the pipeline (Fail is called) and is
// returned to the caller so the carrier can react (e.g. close the
// socket).
func (p *Pipeline) Push(ctx context.Context, chunk []byte) error {
	const op = errors.Op("duplex_push")

	if p.cfg.Intercept != nil {
		p.cfg.Intercept(Inbound, chunk)
	}

	p.mu.Lock()
	records, err := p.decoder.Push(chunk)
	p.mu.Unlock()

	for _, record := range records {
		msg, derr := wire.Decode(record)
		if derr != nil {
			p.Fail(errors.E(op, derr))
			return errors.E(op, derr)
		}
		p.route(ctx, msg)
	}

	if err != nil {
		p.Fail(errors.E(op, err))
		return errors.E(op, err)
	}
	return nil
}

func (p *Pipeline) route(ctx context.Context, msg *wire.Message) {
	if msg.Type == wire.Call {
		if p.Server != nil {
			p.Server.OnMessage(ctx, msg)
		}
		return
	}
	if p.Client != nil {
		p.Client.OnMessage(ctx, msg)
	}
}

// Fail tears down the client engine's pending-call table with err.
// Called on carrier close/error, or internally on a fatal frame/codec
// error. Safe to call more than once; only the first call has effect.
func (p *Pipeline) Fail(err error) {
	p.failOnce.Do(func() {
		if p.Client != nil {
			p.Client.Fail(err)
		}
	})
}
