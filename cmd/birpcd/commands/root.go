// Package commands implements the birpcd demo CLI.
package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "birpcd",
	Short: "Demo server/client for the birpc bidirectional RPC engine",
	Long: `birpcd runs a toy extension (hello, callback, buffer, array, void)
over either the HTTP or WebSocket carrier adapter, so the engine has a
runnable home independent of any particular application.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: none, flags/env only)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)

	viper.SetEnvPrefix("BIRPCD")
	viper.AutomaticEnv()
}

func loadConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		_ = viper.ReadInConfig() // a missing/invalid config file just falls back to flags/env
	}
}
