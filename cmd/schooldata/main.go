package main

import (
	"context"
	"os"
	"syscall"

	"schooldata/cmd/schooldata/cmd"
	"schooldata/internal/shutdown"
)

func main() {
	mgr := shutdown.NewManager(context.Background())
	stop := mgr.HandleSignals(os.Interrupt, syscall.SIGTERM)

	code := cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, &cmd.Config{Shutdown: mgr})
	stop()
	os.Exit(code)
}
