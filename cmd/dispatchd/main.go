// dispatchd is the harness daemon: it owns the agent pool, the task store,
// the draft session, and the WebSocket RPC surface front-ends connect to.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dispatchd/internal/comms"
	"github.com/dispatchd/internal/config"
	"github.com/dispatchd/internal/engine"
	"github.com/dispatchd/internal/natsbus"
	"github.com/dispatchd/internal/server"
	"github.com/dispatchd/internal/types"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (defaults are used when empty)")
	addr := flag.String("addr", "", "Bind address, overrides the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *types.Config) error {
	printBanner(cfg)

	eng, err := engine.New(cfg, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	var bus *natsbus.Bus
	if cfg.Bus.Enabled {
		bus = natsbus.New(natsbus.Config{Port: cfg.Bus.Port})
		if err := bus.Start(); err != nil {
			return fmt.Errorf("start bus: %w", err)
		}
		defer bus.Shutdown()
		log.Printf("[dispatchd] bus listening on %s", bus.URL())
		if err := eng.Comms.Register(&comms.NATSProvider{URL: bus.URL()}); err != nil {
			return err
		}
	}

	srv := server.New(eng, cfg.Server.Addr)

	if err := eng.Comms.Register(&comms.LogProvider{}); err != nil {
		return err
	}
	if cfg.Notify.Toast {
		if err := eng.Comms.Register(&comms.ToastProvider{}); err != nil {
			return err
		}
	}
	if err := eng.Comms.Register(server.NewWSProvider(srv.Hub())); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Comms.StartAll(ctx)
	defer eng.Comms.StopAll()

	// Bus prompts and other provider input feed the same path the RPC
	// surface uses.
	eng.Comms.OnInbound(func(msg types.InboundMessage) {
		if _, err := eng.SubmitPrompt(context.Background(), msg); err != nil {
			log.Printf("[dispatchd] inbound prompt: %v", err)
		}
	})

	if err := srv.Start(); err != nil {
		return err
	}

	// A draft session persisted before a restart resumes where it left off.
	eng.RecoverDrafts()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[dispatchd] received %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

func printBanner(cfg *types.Config) {
	fmt.Printf("dispatchd %s\n", version)
	fmt.Printf("  projects: %s\n", cfg.ProjectsDir)
	fmt.Printf("  roles:    %s\n", cfg.RolesDir)
	fmt.Printf("  server:   %s\n", cfg.Server.Addr)
	if cfg.Bus.Enabled {
		fmt.Printf("  bus:      port %d\n", cfg.Bus.Port)
	}
}
