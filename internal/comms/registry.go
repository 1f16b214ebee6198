// Package comms fans agent events out to channel providers: the structured
// log, desktop notifications, the NATS bridge, and the WebSocket hub. Each
// provider filters by message type and may feed prompts back in.
package comms

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/dispatchd/internal/types"
)

// InboundHandler receives prompts arriving through a provider.
type InboundHandler func(types.InboundMessage)

// Provider is one channel adapter.
type Provider interface {
	Name() string
	// Ready reports whether the provider can currently deliver.
	Ready() bool
	// AcceptedTypes returns the message types the provider wants; nil means
	// all of them.
	AcceptedTypes() []types.MessageType

	Start(ctx context.Context) error
	Stop() error
	Send(msg types.ChannelMessage) error
	SetStatus(channelID string, status types.ChannelStatus) error
	OnInbound(handler InboundHandler)
}

// Registry is the ordered provider set.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	names     map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register appends a provider. A duplicate name is a hard error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[p.Name()] {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.names[p.Name()] = true
	r.providers = append(r.providers, p)
	return nil
}

// StartAll starts providers in registration order. Failures are logged and
// skipped; one broken channel must not take the rest down.
func (r *Registry) StartAll(ctx context.Context) {
	for _, p := range r.snapshot() {
		if err := p.Start(ctx); err != nil {
			log.Printf("[comms] start %s: %v", p.Name(), err)
		}
	}
}

// StopAll stops providers in reverse registration order, swallowing errors.
func (r *Registry) StopAll() {
	providers := r.snapshot()
	for i := len(providers) - 1; i >= 0; i-- {
		if err := providers[i].Stop(); err != nil {
			log.Printf("[comms] stop %s: %v", providers[i].Name(), err)
		}
	}
}

// Broadcast delivers msg to every ready provider whose accepted-type set
// contains the message's type. Per-provider failures are logged.
func (r *Registry) Broadcast(msg types.ChannelMessage) {
	for _, p := range r.snapshot() {
		if !p.Ready() || !accepts(p, msg.Type) {
			continue
		}
		if err := p.Send(msg); err != nil {
			log.Printf("[comms] send via %s: %v", p.Name(), err)
		}
	}
}

// BroadcastStatus pushes a channel status change to every ready provider.
func (r *Registry) BroadcastStatus(channelID string, status types.ChannelStatus) {
	for _, p := range r.snapshot() {
		if !p.Ready() {
			continue
		}
		if err := p.SetStatus(channelID, status); err != nil {
			log.Printf("[comms] status via %s: %v", p.Name(), err)
		}
	}
}

// OnInbound attaches the handler to every registered provider.
func (r *Registry) OnInbound(handler InboundHandler) {
	for _, p := range r.snapshot() {
		p.OnInbound(handler)
	}
}

// Publish implements the supervisor's sink.
func (r *Registry) Publish(msg types.ChannelMessage) {
	r.Broadcast(msg)
}

func (r *Registry) snapshot() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.providers...)
}

func accepts(p Provider, t types.MessageType) bool {
	accepted := p.AcceptedTypes()
	if accepted == nil {
		return true
	}
	for _, a := range accepted {
		if a == t {
			return true
		}
	}
	return false
}
