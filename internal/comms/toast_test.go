package comms

import (
	"runtime"
	"testing"

	"github.com/dispatchd/internal/types"
)

func TestToastProvider_PlatformGate(t *testing.T) {
	p := &ToastProvider{}
	if p.Name() != "toast" {
		t.Errorf("name = %q", p.Name())
	}

	accepted := p.AcceptedTypes()
	want := map[types.MessageType]bool{
		types.MessageQuestion: true,
		types.MessageResult:   true,
		types.MessageWarning:  true,
		types.MessageError:    true,
	}
	if len(accepted) != len(want) {
		t.Fatalf("accepted = %v", accepted)
	}
	for _, mt := range accepted {
		if !want[mt] {
			t.Errorf("unexpected accepted type %q", mt)
		}
	}

	if runtime.GOOS != "windows" {
		if p.Ready() {
			t.Error("toast provider ready off windows")
		}
		if err := p.Send(types.ChannelMessage{Type: types.MessageResult, Text: "x"}); err == nil {
			t.Error("send succeeded off windows")
		}
	}
}
