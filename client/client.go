// Package client implements the calling half of the RPC engine: ID
// allocation, the pending-call table (result waiters and callback
// slots), outbound CALL construction, and inbound Message resolution.
//
// Grounded on xiqingping-birpc/birpc.go's Endpoint.Go / Endpoint.Call /
// Endpoint.serve_response: the "seq under a mutex" counter, the
// pending map keyed by ID, and the "notify but never block" select
// pattern are carried forward directly. Generalized per spec.md §4.4
// to also track callback slots (FUNCTION-tagged outbound args) that
// must be removed as a group when their owning call settles.
package client

import (
	"context"
	"fmt"
	"net/rpc"
	"reflect"
	"sync"

	"github.com/roadrunner-server/errors"

	"github.com/yuanliwei/birpc/wire"
)

// AsyncCallback is a callback argument a caller passes to Invoke. Per
// spec.md §9's preserved guard, Go has no sync/async distinction at
// the type level, so "must be async" is modeled as "must never be
// invoked synchronously by the caller"; the client engine itself
// always invokes it fire-and-forget from OnMessage, never awaiting
// it, which is the only thing the guard can mean in this language.
// What Invoke actually validates is that args contains a real,
// non-nil function value in this shape at all (spec.md's "local usage
// error" case).
type AsyncCallback func(args ...any)

// ErrInvalidCallback is returned synchronously, before anything is
// sent, when an argument that looks like it should be a callback
// is not a valid AsyncCallback.
var ErrInvalidCallback = errors.Str("birpc: callback arguments must be client.AsyncCallback")

// Emitter sends one encoded Message to the outbound stream.
type Emitter func(ctx context.Context, msg *wire.Message) error

type waiter struct {
	result chan *wire.Message
}

type callbackSlot struct {
	fn AsyncCallback
}

// Engine is the client half of one duplex pipeline.
type Engine struct {
	emit Emitter

	mu       sync.Mutex
	nextID   uint32
	waiters  map[uint32]*waiter
	slots    map[uint32]*callbackSlot
	failed   error // set once the pipeline has failed; sticky
}

// New builds a client Engine. emit sends CALL messages (and is shared
// with the server engine's outbound stream if the pipeline is fully
// duplex).
func New(emit Emitter) *Engine {
	return &Engine{
		emit:    emit,
		waiters: make(map[uint32]*waiter),
		slots:   make(map[uint32]*callbackSlot),
	}
}

func (e *Engine) nextULocked() uint32 {
	e.nextID++
	return e.nextID
}

// RemoteError is returned by Invoke (wrapped in its client_invoke op
// error) when the remote procedure threw. It carries the remote
// message and the remote stack text. Its cause is an rpc.ServerError,
// the same type xiqingping-birpc/birpc.go assigns to call.Error,
// holding the remote message only; no local stack is captured.
type RemoteError struct {
	Message     string
	RemoteStack string
	cause       rpc.ServerError
}

func (r *RemoteError) Error() string {
	return fmt.Sprintf("%s\nremote stack:\n%s", r.Message, r.RemoteStack)
}

func (r *RemoteError) Unwrap() error { return r.cause }

// Invoke calls the named remote procedure with args, where any element
// of args that is an AsyncCallback is sent as a FUNCTION-tagged
// argument and may be invoked zero or more times by the remote side
// before the call returns. Invoke blocks until RETURN or ERROR
// arrives, ctx is done, or the engine fails.
func (e *Engine) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	const op = errors.Op("client_invoke")

	e.mu.Lock()
	if e.failed != nil {
		err := e.failed
		e.mu.Unlock()
		return nil, errors.E(op, err)
	}

	wireArgs := make([]wire.Arg, 0, len(args)+1)
	wireArgs = append(wireArgs, wire.Arg{Tag: wire.Others, Payload: name})

	callID := e.nextULocked()
	var cbIDs []uint32

	for _, a := range args {
		cb, looksLikeCallback := a.(AsyncCallback)
		if !looksLikeCallback || cb == nil {
			if isProbablyFunc(a) {
				for _, id := range cbIDs {
					delete(e.slots, id)
				}
				e.mu.Unlock()
				return nil, errors.E(op, ErrInvalidCallback)
			}
			wireArgs = append(wireArgs, wire.Arg{Tag: wire.Others, Payload: a})
			continue
		}
		cbID := e.nextULocked()
		e.slots[cbID] = &callbackSlot{fn: cb}
		cbIDs = append(cbIDs, cbID)
		wireArgs = append(wireArgs, wire.Arg{Tag: wire.Function, Payload: cbID})
	}

	w := &waiter{result: make(chan *wire.Message, 1)}
	e.waiters[callID] = w
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.waiters, callID)
		for _, id := range cbIDs {
			delete(e.slots, id)
		}
		e.mu.Unlock()
	}

	if err := e.emit(ctx, &wire.Message{ID: callID, Type: wire.Call, Args: wireArgs}); err != nil {
		cleanup()
		return nil, errors.E(op, err)
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, errors.E(op, ctx.Err())
	case msg := <-w.result:
		cleanup()
		if msg == nil {
			// fail() closed every waiter with a nil send; failed
			// holds the reason.
			e.mu.Lock()
			err := e.failed
			e.mu.Unlock()
			return nil, errors.E(op, err)
		}
		switch msg.Type {
		case wire.Return:
			return msg.Result, nil
		case wire.Error:
			return nil, errors.E(op, &RemoteError{
				Message:     msg.Err.Message,
				RemoteStack: msg.Err.Stack,
				cause:       rpc.ServerError(msg.Err.Message),
			})
		default:
			return nil, errors.E(op, errors.Str("unexpected response message type"))
		}
	}
}

// isProbablyFunc reports whether a looks like it was meant to be a
// callback (a plain Go func value) but isn't a usable
// client.AsyncCallback (another func type, or a nil AsyncCallback),
// so Invoke can reject it synchronously rather than silently sending
// it as a plain value the server can never call back.
func isProbablyFunc(a any) bool {
	return a != nil && reflect.TypeOf(a).Kind() == reflect.Func
}

// OnMessage handles one inbound Message addressed to this client
// engine (RETURN, ERROR, or CALLBACK). Unknown IDs are dropped.
func (e *Engine) OnMessage(_ context.Context, msg *wire.Message) {
	switch msg.Type {
	case wire.Return, wire.Error:
		e.mu.Lock()
		w, ok := e.waiters[msg.ID]
		e.mu.Unlock()
		if !ok {
			return
		}
		select {
		case w.result <- msg:
		default:
		}
	case wire.Callback:
		e.mu.Lock()
		slot, ok := e.slots[msg.ID]
		e.mu.Unlock()
		if !ok {
			return
		}
		args := make([]any, len(msg.Args))
		for i, a := range msg.Args {
			args[i] = a.Payload
		}
		// Fire-and-forget: the wire's perspective never awaits a
		// callback invocation (spec.md §4.4).
		slot.fn(args...)
	default:
		// CALL messages belong to the server engine sharing this
		// pipeline; nothing else is meaningful here.
	}
}

// Fail rejects every pending waiter and clears the registry. Called by
// the duplex pipeline when the carrier or codec fails fatally
// (spec.md §3 invariant (d), §7 items 2-4).
func (e *Engine) Fail(err error) {
	e.mu.Lock()
	if e.failed != nil {
		e.mu.Unlock()
		return
	}
	e.failed = err
	waiters := e.waiters
	e.waiters = make(map[uint32]*waiter)
	e.slots = make(map[uint32]*callbackSlot)
	e.mu.Unlock()

	for _, w := range waiters {
		select {
		case w.result <- nil:
		default:
		}
	}
}

// Pending reports the number of outstanding waiters, for tests
// asserting leak freedom (spec.md §8).
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

// PendingCallbacks reports the number of registered callback slots.
func (e *Engine) PendingCallbacks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}
