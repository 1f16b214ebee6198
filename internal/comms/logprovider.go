package comms

import (
	"context"
	"log"

	"github.com/dispatchd/internal/types"
)

// LogProvider mirrors every channel message into the process log. Always
// registered; it is the provider of last resort when no front end is
// attached.
type LogProvider struct {
	Logger *log.Logger
}

func (p *LogProvider) Name() string                       { return "log" }
func (p *LogProvider) Ready() bool                        { return true }
func (p *LogProvider) AcceptedTypes() []types.MessageType { return nil }
func (p *LogProvider) Start(ctx context.Context) error    { return nil }
func (p *LogProvider) Stop() error                        { return nil }
func (p *LogProvider) OnInbound(handler InboundHandler)   {}

func (p *LogProvider) Send(msg types.ChannelMessage) error {
	p.logger().Printf("[%s] %s/%s %s: %s", msg.Type, msg.Project, msg.TaskSlug, msg.Role, msg.Text)
	return nil
}

func (p *LogProvider) SetStatus(channelID string, status types.ChannelStatus) error {
	p.logger().Printf("[status] channel %s: %s", channelID, status)
	return nil
}

func (p *LogProvider) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}
