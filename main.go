package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kalowrite/internal/config"
	"kalowrite/internal/db"
	"kalowrite/internal/engine"
	httpapi "kalowrite/internal/http"
	"kalowrite/internal/services"

	"github.com/joho/godotenv"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		log.Printf("stat .env failed: %v", err)
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema failed: %v", err)
	}

	svc := services.New(pool, cfg)
	if err := svc.EnsurePlanCatalog(ctx); err != nil {
		log.Fatalf("ensure plan catalog failed: %v", err)
	}

	rewriter := engine.NewClient(cfg)
	server := httpapi.NewServer(svc, rewriter, cfg)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
