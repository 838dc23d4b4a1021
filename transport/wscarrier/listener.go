// StoppableListener wraps a *net.TCPListener so its Accept loop can be
// torn down by cancelling a context.Context, instead of the teacher's
// original explicit Stop() channel. Used by the standalone WebSocket
// server binary (cmd/birpcd) when it wants a bare net.Listener rather
// than riding on an existing *http.Server.
//
// Adapted from xiqingping-birpc/stoppablelisten/stoppablelisten.go:
// the poll-with-deadline Accept loop is unchanged, but the stop signal
// is now ctx.Done() so the listener composes with the same
// cancellation token that tears down in-flight pipelines (spec.md
// §5's cancellation model), rather than a bespoke channel only this
// package knew about.
package wscarrier

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/roadrunner-server/errors"
)

// StoppableListener polls TCPListener.Accept with a short deadline so
// it can notice ctx cancellation promptly instead of blocking forever
// in the underlying syscall.
type StoppableListener struct {
	*net.TCPListener
	ctx context.Context
}

// NewStoppableListener wraps l, which must be a *net.TCPListener (the
// concrete type net.Listen("tcp", ...) returns).
func NewStoppableListener(ctx context.Context, l net.Listener) (*StoppableListener, error) {
	const op = errors.Op("wscarrier_stoppable_listener")
	tcpListener, ok := l.(*net.TCPListener)
	if !ok {
		return nil, errors.E(op, errors.Str("cannot wrap listener: not a *net.TCPListener"))
	}
	return &StoppableListener{TCPListener: tcpListener, ctx: ctx}, nil
}

// Accept blocks until a new connection arrives, ctx is cancelled, or a
// non-timeout error occurs.
func (sl *StoppableListener) Accept() (net.Conn, error) {
	const op = errors.Op("wscarrier_accept")
	for {
		select {
		case <-sl.ctx.Done():
			return nil, errors.E(op, sl.ctx.Err())
		default:
		}

		if err := sl.SetDeadline(time.Now().Add(time.Second)); err != nil {
			return nil, errors.E(op, err)
		}

		conn, err := sl.TCPListener.Accept()
		if err != nil {
			var netErr net.Error
			if ok := errorsAsNetError(err, &netErr); ok && netErr.Timeout() {
				continue
			}
			return nil, errors.E(op, err)
		}
		return conn, nil
	}
}

func errorsAsNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if !ok {
		return false
	}
	*target = ne
	return true
}

// ListenAndServe runs handler over a plain TCP listener at addr
// wrapped in a StoppableListener, so cancelling ctx unwinds http.Serve
// without needing a separate *http.Server.Shutdown call. This is the
// alternative to mounting Handler() on an existing http.Server, for
// callers who want the WS adapter as a standalone listener lifecycle.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	const op = errors.Op("wscarrier_listen_and_serve")

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.E(op, err)
	}

	sl, err := NewStoppableListener(ctx, l)
	if err != nil {
		l.Close()
		return errors.E(op, err)
	}

	err = http.Serve(sl, handler)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
