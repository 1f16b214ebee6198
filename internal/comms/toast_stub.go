//go:build !windows

package comms

import (
	"context"
	"fmt"

	"github.com/dispatchd/internal/types"
)

// ToastProvider is a placeholder off Windows: the toast library only builds
// there. It registers, never reports ready, and refuses sends.
type ToastProvider struct {
	AppID string
}

func (p *ToastProvider) Name() string { return "toast" }

func (p *ToastProvider) Ready() bool { return false }

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
	return fmt.Errorf("toast notifications only supported on Windows")
}

func (p *ToastProvider) SetStatus(channelID string, status types.ChannelStatus) error {
	return nil
}
