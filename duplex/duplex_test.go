package duplex_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuanliwei/birpc/client"
	"github.com/yuanliwei/birpc/duplex"
	"github.com/yuanliwei/birpc/server"
)

// wirePair cross-connects two pipelines' writers directly, simulating
// an ordered, reliable in-process carrier (the "message port" analogue
// of spec.md §1/§6).
func wirePair(t *testing.T, cfgClient, cfgServer duplex.Config) (*duplex.Pipeline, *duplex.Pipeline) {
	t.Helper()

	var clientPipe, serverPipe *duplex.Pipeline
	var err error

	clientPipe, err = duplex.New(cfgClient, duplex.WriterFunc(func(ctx context.Context, chunk []byte) error {
		return serverPipe.Push(ctx, chunk)
	}))
	require.NoError(t, err)

	serverPipe, err = duplex.New(cfgServer, duplex.WriterFunc(func(ctx context.Context, chunk []byte) error {
		return clientPipe.Push(ctx, chunk)
	}))
	require.NoError(t, err)

	return clientPipe, serverPipe
}

func helloExtension() server.Extension {
	return server.Extension{
		"hello": func(ctx context.Context, args []any) (any, error) {
			return "hello " + args[0].(string), nil
		},
		"buffer": func(ctx context.Context, args []any) (any, error) {
			b := args[0].([]byte)
			return b[3:8], nil
		},
		"array": func(ctx context.Context, args []any) (any, error) {
			s := args[0].(string)
			b := args[1].([]byte)
			return []any{int64(123), "abc", "hi " + s, b[3:8]}, nil
		},
		"void": func(ctx context.Context, args []any) (any, error) {
			return nil, nil
		},
		"callback": func(ctx context.Context, args []any) (any, error) {
			s := args[0].(string)
			cb := args[1].(server.Callback)
			for i := 0; i < 3; i++ {
				if err := cb(ctx, "progress "+itoa(i)); err != nil {
					return nil, err
				}
			}
			return "hello callback " + s, nil
		},
		"boom": func(ctx context.Context, args []any) (any, error) {
			return nil, &server.WithStack{
				Err:       plainError("runtime failure"),
				StackText: "at throwingMethod (extension.go:42)",
			}
		},
	}
}

type plainError string

func (p plainError) Error() string { return string(p) }

func itoa(i int) string {
	digits := "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	return "many"
}

func TestHello(t *testing.T) {
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true},
		duplex.Config{Extension: helloExtension(), DispatchMode: server.Concurrent},
	)

	res, err := c.Client.Invoke(context.Background(), "hello", "asdfghjkl")
	require.NoError(t, err)
	require.Equal(t, "hello asdfghjkl", res)
}

func TestCallback(t *testing.T) {
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true},
		duplex.Config{Extension: helloExtension(), DispatchMode: server.Concurrent},
	)

	var progress []string
	cb := client.AsyncCallback(func(args ...any) {
		progress = append(progress, args[0].(string))
	})

	res, err := c.Client.Invoke(context.Background(), "callback", "asdfghjkl", cb)
	require.NoError(t, err)
	require.Equal(t, "hello callback asdfghjkl", res)
	require.Equal(t, []string{"progress 0", "progress 1", "progress 2"}, progress)
}

func TestBufferSlice(t *testing.T) {
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true},
		duplex.Config{Extension: helloExtension(), DispatchMode: server.Concurrent},
	)

	u := []byte("qwertyuiop")
	res, err := c.Client.Invoke(context.Background(), "buffer", u)
	require.NoError(t, err)
	require.Equal(t, []byte("rtyui"), toBytes(t, res))
}

func TestLargeBufferSlice(t *testing.T) {
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true},
		duplex.Config{Extension: helloExtension(), DispatchMode: server.Concurrent},
	)

	u := make([]byte, 300000)
	res, err := c.Client.Invoke(context.Background(), "buffer", u)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 5), toBytes(t, res))
}

func toBytes(t *testing.T, v any) []byte {
	t.Helper()
	switch b := v.(type) {
	case []byte:
		return b
	default:
		t.Fatalf("expected []byte, got %T", v)
		return nil
	}
}

func TestArray(t *testing.T) {
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true},
		duplex.Config{Extension: helloExtension(), DispatchMode: server.Concurrent},
	)

	u := []byte("qwertyuiop")
	res, err := c.Client.Invoke(context.Background(), "array", "asdfghjkl", u)
	require.NoError(t, err)
	arr := res.([]any)
	require.Equal(t, int64(123), arr[0])
	require.Equal(t, "abc", arr[1])
	require.Equal(t, "hi asdfghjkl", arr[2])
	require.Equal(t, []byte("rtyui"), toBytes(t, arr[3]))
}

func TestVoidReturnsNil(t *testing.T) {
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true},
		duplex.Config{Extension: helloExtension(), DispatchMode: server.Concurrent},
	)

	u := []byte("qwertyuiop")
	res, err := c.Client.Invoke(context.Background(), "void", "asdfghjkl", u)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestThrownErrorRejectsWithRemoteStack(t *testing.T) {
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true},
		duplex.Config{Extension: helloExtension(), DispatchMode: server.Concurrent},
	)

	_, err := c.Client.Invoke(context.Background(), "boom")
	require.Error(t, err)

	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.RemoteStack, "throwingMethod")
}

func TestEncryptedPipeline(t *testing.T) {
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true, RPCKey: "shared-secret", IsInitiator: true},
		duplex.Config{Extension: helloExtension(), DispatchMode: server.Concurrent, RPCKey: "shared-secret", IsInitiator: false},
	)

	res, err := c.Client.Invoke(context.Background(), "hello", "secret world")
	require.NoError(t, err)
	require.Equal(t, "hello secret world", res)
}

func TestMismatchedKeyFailsPipeline(t *testing.T) {
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true, RPCKey: "aaa", IsInitiator: true},
		duplex.Config{Extension: helloExtension(), DispatchMode: server.Concurrent, RPCKey: "bbb", IsInitiator: false},
	)

	_, err := c.Client.Invoke(context.Background(), "hello", "x")
	require.Error(t, err)
}

func TestConcurrentCallsIndependentLatency(t *testing.T) {
	ext := server.Extension{
		"fast": func(ctx context.Context, args []any) (any, error) { return "fast", nil },
		"slow": func(ctx context.Context, args []any) (any, error) {
			time.Sleep(300 * time.Millisecond)
			return "slow", nil
		},
	}
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true},
		duplex.Config{Extension: ext, DispatchMode: server.Concurrent},
	)

	fastDone := make(chan time.Duration, 1)
	slowDone := make(chan time.Duration, 1)
	start := time.Now()

	go func() {
		_, err := c.Client.Invoke(context.Background(), "slow")
		require.NoError(t, err)
		slowDone <- time.Since(start)
	}()
	go func() {
		_, err := c.Client.Invoke(context.Background(), "fast")
		require.NoError(t, err)
		fastDone <- time.Since(start)
	}()

	require.Less(t, <-fastDone, 150*time.Millisecond)
	require.GreaterOrEqual(t, <-slowDone, 300*time.Millisecond)
}

func TestFailClosesOutstandingWaiters(t *testing.T) {
	// A server that never answers simulates a stuck/hung carrier.
	blocked := make(chan struct{})
	ext := server.Extension{
		"hang": func(ctx context.Context, args []any) (any, error) {
			<-blocked
			return nil, nil
		},
	}
	c, _ := wirePair(t,
		duplex.Config{EnableClient: true},
		duplex.Config{Extension: ext, DispatchMode: server.Concurrent},
	)
	defer close(blocked)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Client.Invoke(context.Background(), "hang")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Fail(require.AnError)

	require.Error(t, <-errCh)
	require.Equal(t, 0, c.Client.Pending())
}
