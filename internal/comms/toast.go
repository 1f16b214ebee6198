//go:build windows

package comms

import (
	"context"
	"fmt"

	"github.com/go-toast/toast"

	"github.com/dispatchd/internal/types"
)

// ToastProvider raises Windows desktop notifications for the messages that
// need a human: questions, results, warnings and errors.
type ToastProvider struct {
	AppID string
}

func (p *ToastProvider) Name() string { return "toast" }

func (p *ToastProvider) Ready() bool { return true }

func (p *ToastProvider) AcceptedTypes() []types.MessageType {
	return []types.MessageType{
		types.MessageQuestion,
		types.MessageResult,
		types.MessageWarning,
		types.MessageError,
	}
}

func (p *ToastProvider) Start(ctx context.Context) error { return nil }
func (p *ToastProvider) Stop() error                     { return nil }
func (p *ToastProvider) OnInbound(handler InboundHandler) {}

func (p *ToastProvider) Send(msg types.ChannelMessage) error {
	n := toast.Notification{
		AppID:   p.appID(),
		Title:   fmt.Sprintf("%s — %s", msg.Role, msg.Type),
		Message: msg.Text,
		Audio:   toast.Default,
	}
	return n.Push()
}

func (p *ToastProvider) SetStatus(channelID string, status types.ChannelStatus) error {
	// Status flips are not worth a desktop interruption.
	return nil
}

func (p *ToastProvider) appID() string {
	if p.AppID != "" {
		return p.AppID
	}
	return "dispatchd"
}
