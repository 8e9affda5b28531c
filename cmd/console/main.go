package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tansive/console/internal/cli"
	"github.com/tansive/console/internal/common/logtrace"
)

func init() {
	logtrace.InitLogger("warn")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli.Execute(ctx)
}
