// Command birpcd is a small demo binary wiring the HTTP and WebSocket
// carrier adapters together against a toy extension, so the engine has
// a runnable home. It is additive scaffolding around the library, not
// part of the engine's public API.
package main

import (
	"os"

	"github.com/yuanliwei/birpc/cmd/birpcd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
