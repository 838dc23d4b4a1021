package commands

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yuanliwei/birpc/duplex"
	"github.com/yuanliwei/birpc/transport/httpcarrier"
	"github.com/yuanliwei/birpc/transport/wscarrier"
)

var (
	callAddr      string
	callTransport string
	callProc      string
	callRPCKey    string
	callArgs      []string
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Invoke a procedure on a running birpcd server",
	RunE:  runCall,
}

func init() {
	callCmd.Flags().StringVar(&callAddr, "addr", "http://localhost:8080", "server base address (http://... or ws://...)")
	callCmd.Flags().StringVar(&callTransport, "transport", "http", "http or ws")
	callCmd.Flags().StringVar(&callProc, "proc", "hello", "procedure name")
	callCmd.Flags().StringVar(&callRPCKey, "rpc-key", "", "pre-shared key, must match the server")
	callCmd.Flags().StringSliceVar(&callArgs, "arg", []string{"world"}, "positional string arguments")
	_ = viper.BindPFlag("transport", callCmd.Flags().Lookup("transport"))
}

func runCall(cmd *cobra.Command, args []string) error {
	loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wireArgs := make([]any, len(callArgs))
	for i, a := range callArgs {
		wireArgs[i] = a
	}

	var result any
	var err error

	switch strings.ToLower(callTransport) {
	case "ws":
		result, err = callOverWS(ctx, wireArgs)
	default:
		result, err = callOverHTTP(ctx, wireArgs)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s(%v) => %v\n", callProc, callArgs, result)
	return nil
}

func callOverHTTP(ctx context.Context, wireArgs []any) (any, error) {
	endpoint := strings.TrimSuffix(callAddr, "/") + "/rpc"
	carrier := httpcarrier.NewClient(endpoint)
	p, err := duplex.New(duplex.Config{EnableClient: true, RPCKey: callRPCKey, IsInitiator: true}, carrier)
	if err != nil {
		return nil, err
	}
	carrier.Bind(p)
	return p.Client.Invoke(ctx, callProc, wireArgs...)
}

// callOverWS dials once, issues a single call, then cancels its own
// context so wscarrier.DialLoop returns instead of reconnecting, since the
// demo CLI wants one request/response, not a long-lived connection.
func callOverWS(parent context.Context, wireArgs []any) (any, error) {
	u, err := url.Parse(callAddr)
	if err != nil {
		return nil, err
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var result any
	var callErr error

	loopErr := wscarrier.DialLoop(ctx, wscarrier.DialConfig{
		URL:    u.String(),
		RPCKey: callRPCKey,
	}, func(conn *wscarrier.Conn) {
		go func() {
			defer cancel()
			result, callErr = conn.Pipeline.Client.Invoke(parent, callProc, wireArgs...)
			conn.Close()
		}()
	})
	if callErr != nil {
		return nil, callErr
	}
	if loopErr != nil && loopErr != context.Canceled {
		return nil, loopErr
	}
	return result, nil
}
