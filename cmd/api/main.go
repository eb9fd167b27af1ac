package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"crashd/internal/server"
)

func gracefulShutdown(fiberServer *server.FiberServer, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fiberServer.ShutdownWithContext(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	// HTTP is drained; now settle the live round and close connections.
	if err := fiberServer.Shutdown(); err != nil {
		log.Printf("Component shutdown error: %v", err)
	}

	log.Println("Server exiting")

	done <- true
}

func main() {
	srv := server.New()
	srv.RegisterFiberRoutes()

	done := make(chan bool, 1)

	go func() {
		if err := srv.Listen(fmt.Sprintf(":%d", srv.Port())); err != nil {
			panic(fmt.Sprintf("http server error: %s", err))
		}
	}()

	go gracefulShutdown(srv, done)

	<-done
	log.Println("Graceful shutdown complete.")
}
