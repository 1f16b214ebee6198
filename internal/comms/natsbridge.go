package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/dispatchd/internal/types"
)

// NATS subjects used by the bridge.
const (
	subjectEventsPrefix = "dispatch.events."
	subjectStatus       = "dispatch.status"
	subjectInbound      = "dispatch.inbound"
)

// NATSProvider bridges channel messages onto a NATS bus so external tooling
// can observe dispatches and inject prompts. Events go to
// dispatch.events.<type>, status flips to dispatch.status, and anything
// published on dispatch.inbound is handed to the engine.
type NATSProvider struct {
	URL string

	conn    *nc.Conn
	sub     *nc.Subscription
	handler InboundHandler
}

func (p *NATSProvider) Name() string { return "nats" }

func (p *NATSProvider) Ready() bool { return p.conn != nil && p.conn.IsConnected() }

func (p *NATSProvider) AcceptedTypes() []types.MessageType { return nil }

func (p *NATSProvider) Start(ctx context.Context) error {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Printf("[nats] reconnected to %s", conn.ConnectedUrl())
		}),
	}
	conn, err := nc.Connect(p.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	p.conn = conn

	sub, err := conn.Subscribe(subjectInbound, func(msg *nc.Msg) {
		var in types.InboundMessage
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			log.Printf("[nats] bad inbound message: %v", err)
			return
		}
		if p.handler != nil {
			p.handler(in)
		}
	})
	if err != nil {
		conn.Close()
		p.conn = nil
		return fmt.Errorf("subscribe %s: %w", subjectInbound, err)
	}
	p.sub = sub
	return nil
}

func (p *NATSProvider) Stop() error {
	if p.sub != nil {
		if err := p.sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe: %v", err)
		}
		p.sub = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

func (p *NATSProvider) Send(msg types.ChannelMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal channel message: %w", err)
	}
	return p.conn.Publish(subjectEventsPrefix+string(msg.Type), data)
}

func (p *NATSProvider) SetStatus(channelID string, status types.ChannelStatus) error {
	data, err := json.Marshal(map[string]string{
		"channel_id": channelID,
		"status":     string(status),
	})
	if err != nil {
		return err
	}
	return p.conn.Publish(subjectStatus, data)
}

func (p *NATSProvider) OnInbound(handler InboundHandler) {
	p.handler = handler
}
