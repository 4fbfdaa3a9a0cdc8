package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/muxlink/muxlink/internal/auth"
	"github.com/muxlink/muxlink/internal/config"
	"github.com/muxlink/muxlink/internal/database"
	"github.com/muxlink/muxlink/internal/logging"
	"github.com/muxlink/muxlink/internal/metrics"
	"github.com/muxlink/muxlink/internal/server"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--mint-token":
			runMintToken()
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: ListenAddr=%s, DatabasePath=%s, SweepSchedule=%s",
		config.Cfg.ListenAddr, config.Cfg.DatabasePath, config.Cfg.SessionSweepSchedule)

	mset := metrics.New()
	srv := server.New(server.NewEchoBackend(), mset)

	c := cron.New()
	if err := server.StartSweeper(c); err != nil {
		log.Fatalf("Sweeper init: %v", err)
	}
	c.Start()
	defer c.Stop()

	httpSrv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: srv.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runMintToken() {
	fs := flag.NewFlagSet("mint-token", flag.ExitOnError)
	client := fs.String("client", "", "Client name to issue the token to")
	fs.Parse(os.Args[2:])

	if *client == "" {
		fmt.Fprintln(os.Stderr, "Usage: muxlinkd --mint-token --client <name>")
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	tok, err := auth.MintToken(*client)
	if err != nil {
		log.Fatalf("Failed to mint token: %v", err)
	}
	fmt.Println(tok)
}
