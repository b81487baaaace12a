package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/proto-postman/application"
	"github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := application.New().Run(ctx)
	stop()
	_ = log.Sync()

	if err != nil {
		log.Error("postman exited with error", zap.Bool("fatal", merr.IsFatal(err)), zap.Error(err))
		fmt.Fprintf(os.Stderr, "postman: %v\n", err)
		os.Exit(1)
	}
}
