// Package natsbus runs the embedded NATS server backing the bus provider.
// External tooling connects to the same loopback port to observe dispatch
// events or inject prompts.
package natsbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// Config for the embedded server.
type Config struct {
	Port int
}

// Bus wraps the embedded NATS server.
type Bus struct {
	mu      sync.RWMutex
	config  Config
	server  *server.Server
	running bool
}

func New(config Config) *Bus {
	if config.Port <= 0 {
		config.Port = 4222
	}
	return &Bus{config: config}
}

// Start boots the server on loopback and blocks until it accepts
// connections.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bus already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       b.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("nats server not ready for connections")
	}

	b.server = ns
	b.running = true
	return nil
}

// Shutdown stops the server and waits for it to exit.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.server == nil {
		return
	}
	b.server.Shutdown()
	b.server.WaitForShutdown()
	b.running = false
	b.server = nil
}

// URL returns the loopback connection URL.
func (b *Bus) URL() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("nats://127.0.0.1:%d", b.config.Port)
}

// Running reports whether the server is up.
func (b *Bus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}
