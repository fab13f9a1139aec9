// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/scalpel-driver/cmd"
)

// main is the entry point when the module root is built directly.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
