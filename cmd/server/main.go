// Command server runs the chat server: a TCP listener for native clients, an
// optional WebSocket endpoint for browser clients, and a metrics endpoint.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zurbaevi/chat/pkg/database"
	"github.com/zurbaevi/chat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.chat/server.toml", "Path to config file (created with defaults if missing)")
	tcpPort := flag.Int("port", 0, "TCP port (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	register := flag.String("register", "", "Register a persisted account (nickname:password) and exit")
	flag.Parse()

	if *debug {
		server.EnableDebugLogging()
	}

	tomlCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := tomlCfg.ToConfig()
	if *tcpPort != 0 {
		cfg.TCPPort = *tcpPort
	}

	dbPath, err := server.ExpandPath(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	users, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open user database: %v", err)
	}
	defer users.Close()

	if *register != "" {
		registerAccount(users, *register)
		return
	}

	srv := server.NewServer(users, cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Chat server listening on %s", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}

func registerAccount(users *database.UserDB, spec string) {
	nickname, password, ok := strings.Cut(spec, ":")
	if !ok || nickname == "" || password == "" {
		log.Fatalf("Invalid -register value, want nickname:password")
	}
	if err := users.Register(nickname, password); err != nil {
		log.Fatalf("Failed to register %q: %v", nickname, err)
	}
	log.Printf("Registered account %q", nickname)
}
