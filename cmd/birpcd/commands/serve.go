package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yuanliwei/birpc/server"
	"github.com/yuanliwei/birpc/transport/httpcarrier"
	"github.com/yuanliwei/birpc/transport/wscarrier"
)

var (
	serveAddr   string
	serveRPCKey string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the demo extension over HTTP (/rpc) and WebSocket (/ws)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().StringVar(&serveRPCKey, "rpc-key", "", "pre-shared key for per-record AES-GCM encryption (empty disables it)")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("rpc_key", serveCmd.Flags().Lookup("rpc-key"))
}

func runServe(cmd *cobra.Command, args []string) error {
	loadConfig()
	addr := viper.GetString("addr")
	rpcKey := viper.GetString("rpc_key")

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	zl := server.ZapLogger{L: logger}

	ext := demoExtension()

	r := chi.NewRouter()
	httpCfg := &httpcarrier.ServerConfig{Extension: ext, Logger: zl, RPCKey: rpcKey}
	httpCfg.Mount(r, "/rpc")

	wsCfg := &wscarrier.ServerConfig{
		Upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		Extension: ext,
		Logger:    zl,
		RPCKey:    rpcKey,
	}
	r.Get("/ws", wsCfg.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ListenAndServe runs atop a StoppableListener rather than
	// *http.Server.Shutdown: cancelling ctx unwinds the accept loop
	// directly, the same graceful-stop shape the teacher's
	// stoppablelisten package gave its own TCP server.
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- wscarrier.ListenAndServe(ctx, addr, r)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("birpcd listening on %s (POST /rpc, GET /ws)\n", addr)
	logger.Info("birpcd started", zap.String("addr", addr))

	select {
	case <-sigCh:
		cancel()
		<-serveDone
		return nil
	case err := <-serveDone:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}
