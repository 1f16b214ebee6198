package server

import (
	"context"

	"github.com/dispatchd/internal/comms"
	"github.com/dispatchd/internal/types"
)

// WSProvider forwards channel messages and status updates to connected
// WebSocket clients as JSON-RPC notifications.
type WSProvider struct {
	hub *Hub
}

func NewWSProvider(hub *Hub) *WSProvider {
	return &WSProvider{hub: hub}
}

func (p *WSProvider) Name() string { return "websocket" }

// Ready is always true: the hub queues for whoever is connected.
func (p *WSProvider) Ready() bool { return true }

// AcceptedTypes is nil: front-ends see the full message stream.
func (p *WSProvider) AcceptedTypes() []types.MessageType { return nil }

func (p *WSProvider) Start(ctx context.Context) error { return nil }
func (p *WSProvider) Stop() error                     { return nil }

func (p *WSProvider) Send(msg types.ChannelMessage) error {
	p.hub.Notify(types.NotifyChannelMessage, msg)
	return nil
}

func (p *WSProvider) SetStatus(channelID string, status types.ChannelStatus) error {
	p.hub.Notify(types.NotifyStatusUpdate, map[string]string{
		"channel_id": channelID,
		"status":     string(status),
	})
	return nil
}

func (p *WSProvider) OnInbound(handler comms.InboundHandler) {}
