package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/socialtag/cashback/app/cashback"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := cashback.Initialize(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to initialize cashback service: %v\n", err)
		os.Exit(1)
	}

	if err := cashback.NewServer(app); err != nil {
		app.Logger.Fatal("Unable to initialize server", zap.Error(err))
	}

	app.Start(ctx)
}
