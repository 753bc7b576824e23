package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/betrusted-io/xous-hosted/internal/infrastructure/config"
	"github.com/betrusted-io/xous-hosted/internal/infrastructure/server"
)

func main() {
	// Parse flags; anything unset falls back to env/config file values.
	port := flag.String("port", "", "diagnostic HTTP port")
	syscallAddr := flag.String("syscall", "", "hosted syscall listen address")
	pages := flag.Int("pages", 0, "physical page pool size")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *syscallAddr != "" {
		cfg.Syscall.Address = *syscallAddr
	}
	if *pages > 0 {
		cfg.Kernel.Pages = *pages
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		log.Println("Shutting down gracefully...")
		if err := srv.Close(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}
}
