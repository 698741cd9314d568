// Package main is the casper worker process entrypoint: it assembles
// internal/app.Module with fx and runs until an interrupt/TERM signal.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"

	"github.com/yelp/casper/internal/app"
)

func main() {
	worker := fx.New(
		fx.NopLogger,
		app.Module,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := worker.Start(ctx); err != nil {
		log.Fatalf("casper: failed to start: %v", err)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := worker.Stop(shutdownCtx); err != nil {
		log.Fatalf("casper: failed to stop gracefully: %v", err)
	}
}
