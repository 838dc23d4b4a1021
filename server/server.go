// Package server implements the dispatch half of the RPC engine: it
// turns inbound CALL messages into invocations of named procedures on
// an Extension, and turns a procedure's FUNCTION-tagged arguments into
// proxy callbacks that emit CALLBACK messages back to the caller.
//
// Grounded on xiqingping-birpc/birpc.go's Endpoint.serve_request /
// Endpoint.call (registry lookup, per-call goroutine dispatch, "emit
// and forget" outbound send), generalized from reflect-based method
// registries to a plain name→func Extension map per spec.md §3, and
// hardened per spec.md §9 to reject non-CALL inbound messages.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/yuanliwei/birpc/wire"
)

// Callback is the shape of a proxy callback handed to a Procedure: it
// forwards its positional args to the remote side and blocks until the
// emit has been accepted by the outbound stream, so flow control
// propagates (spec.md §4.3 step 3).
type Callback func(ctx context.Context, args ...any) error

// Procedure is one named RPC entry point. args has already had its
// FUNCTION-tagged entries replaced with live Callback values.
type Procedure func(ctx context.Context, args []any) (result any, err error)

// Extension is the named mapping from procedure name to Procedure that
// the server engine dispatches to.
type Extension map[string]Procedure

// Emitter sends one encoded Message to the outbound stream. Duplex
// pipelines implement this by running it through the message and
// frame codecs.
type Emitter func(ctx context.Context, msg *wire.Message) error

// Logger is the pluggable sink described in spec.md §6
// (`logger (msg) → void`). The default, Noop, discards everything.
type Logger interface {
	CallCompleted(ctx context.Context, name string, args []any, elapsed time.Duration, err error)
}

// ZapLogger adapts a *zap.Logger to Logger, rendering callbacks and
// byte arrays the way spec.md §4.3 step 7 specifies
// ("Function()" / "Uint8Array(n)").
type ZapLogger struct{ L *zap.Logger }

func (z ZapLogger) CallCompleted(_ context.Context, name string, args []any, elapsed time.Duration, err error) {
	fields := []zap.Field{
		zap.String("procedure", name),
		zap.Duration("elapsed", elapsed),
		zap.String("args", summarizeArgs(args)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		z.L.Warn("rpc call failed", fields...)
		return
	}
	z.L.Info("rpc call completed", fields...)
}

func summarizeArgs(args []any) string {
	s := "["
	for i, a := range args {
		if i > 0 {
			s += ", "
		}
		switch v := a.(type) {
		case Callback:
			s += "Function()"
		case []byte:
			s += fmt.Sprintf("Uint8Array(%d)", len(v))
		default:
			s += fmt.Sprintf("%v", v)
		}
	}
	return s + "]"
}

// Noop is a Logger that discards everything.
var Noop Logger = noopLogger{}

type noopLogger struct{}

func (noopLogger) CallCompleted(context.Context, string, []any, time.Duration, error) {}

// DispatchMode selects how the engine handles concurrent inbound
// CALLs (spec.md §4.3 "Concurrency of inbound dispatch").
type DispatchMode int

const (
	// Sequential dispatches one CALL at a time; required for HTTP
	// request adapters where a response body is a single call's
	// frames.
	Sequential DispatchMode = iota
	// Concurrent dispatches every CALL in its own goroutine without
	// awaiting; required for duplex carriers with multiple in-flight
	// calls.
	Concurrent
)

// Engine is the server half of one duplex pipeline.
type Engine struct {
	ext    Extension
	emit   Emitter
	logger Logger
	mode   DispatchMode
}

// New builds a server Engine. emit is called to send RETURN, ERROR and
// CALLBACK messages; it must be safe to call concurrently if mode is
// Concurrent.
func New(ext Extension, emit Emitter, logger Logger, mode DispatchMode) *Engine {
	if logger == nil {
		logger = Noop
	}
	return &Engine{ext: ext, emit: emit, logger: logger, mode: mode}
}

// OnMessage handles one inbound Message. Per spec.md §9's hardening
// decision, anything other than a CALL is dropped silently: inbound
// CALLBACK/RETURN/ERROR belong to the client engine sharing this
// pipeline, not to the server engine, and the teacher's original
// "dispatch whatever looks like a CALL" behavior is deliberately not
// carried forward.
func (e *Engine) OnMessage(ctx context.Context, msg *wire.Message) {
	if msg.Type != wire.Call {
		return
	}

	switch e.mode {
	case Sequential:
		e.dispatch(ctx, msg)
	default:
		go e.dispatch(ctx, msg)
	}
}

func (e *Engine) dispatch(ctx context.Context, msg *wire.Message) {
	start := time.Now()

	if len(msg.Args) == 0 {
		e.fail(ctx, msg.ID, "", nil, 0, errors.Str("call message missing procedure name"))
		return
	}
	name, _ := msg.Args[0].Payload.(string)

	proc, ok := e.ext[name]
	if !ok {
		e.fail(ctx, msg.ID, name, nil, time.Since(start), errors.Str("no such procedure: "+name))
		return
	}

	args := make([]any, 0, len(msg.Args)-1)
	for _, a := range msg.Args[1:] {
		if a.Tag == wire.Function {
			args = append(args, e.proxyCallback(a.Handle()))
		} else {
			args = append(args, a.Payload)
		}
	}

	result, err := proc(ctx, args)
	elapsed := time.Since(start)
	if err != nil {
		e.fail(ctx, msg.ID, name, args, elapsed, err)
		return
	}

	e.logger.CallCompleted(ctx, name, args, elapsed, nil)
	_ = e.emit(ctx, &wire.Message{ID: msg.ID, Type: wire.Return, Result: result})
}

func (e *Engine) fail(ctx context.Context, id uint32, name string, args []any, elapsed time.Duration, err error) {
	e.logger.CallCompleted(ctx, name, args, elapsed, err)
	_ = e.emit(ctx, &wire.Message{
		ID:   id,
		Type: wire.Error,
		Err:  &wire.RemoteError{Message: err.Error(), Stack: stackOf(err, name)},
	})
}

// stackOf renders a minimal remote "stack" for errors raised directly
// by the engine (no such procedure, bad call shape), so clients still
// see the procedure name in the chained message per spec.md §8's
// "remote stack preservation" property. Procedure-thrown errors should
// prefer an error type that already carries a real stack (see
// WithStack in this package).
func stackOf(err error, name string) string {
	if s, ok := err.(interface{ Stack() string }); ok {
		return s.Stack()
	}
	if name == "" {
		return err.Error()
	}
	return "at " + name + ": " + err.Error()
}

// WithStack lets a Procedure attach an explicit remote stack trace
// (e.g. captured with runtime.Callers at the throw site) to an error,
// so the client observes it verbatim rather than the engine's minimal
// fallback rendering.
type WithStack struct {
	Err       error
	StackText string
}

func (w *WithStack) Error() string { return w.Err.Error() }
func (w *WithStack) Unwrap() error { return w.Err }
func (w *WithStack) Stack() string { return w.StackText }

func (e *Engine) proxyCallback(handle uint32) Callback {
	return func(ctx context.Context, args ...any) error {
		wireArgs := make([]wire.Arg, len(args))
		for i, a := range args {
			wireArgs[i] = wire.Arg{Tag: wire.Others, Payload: a}
		}
		return e.emit(ctx, &wire.Message{ID: handle, Type: wire.Callback, Args: wireArgs})
	}
}
