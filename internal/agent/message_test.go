package agent

import (
	"testing"
)

func TestDecode_SystemInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"sess-1"}`
	msg, err := Decode([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != KindSystem || msg.Subtype != SystemInit || msg.SessionID != "sess-1" {
		t.Errorf("decoded = %+v", msg)
	}
}

func TestDecode_AssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"thinking","thinking":"hmm"},
		{"type":"text","text":"working on it"},
		{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"go test ./..."}}
	]}}`
	msg, err := Decode([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Blocks) != 3 {
		t.Fatalf("blocks = %d", len(msg.Blocks))
	}
	if msg.Blocks[0].Thinking != "hmm" || msg.Blocks[1].Text != "working on it" {
		t.Errorf("text blocks wrong: %+v", msg.Blocks[:2])
	}
	tu := msg.Blocks[2]
	if tu.ID != "tu_1" || tu.Name != "Bash" || len(tu.Input) == 0 {
		t.Errorf("tool_use block wrong: %+v", tu)
	}
}

func TestDecode_UserToolResult(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			"string content",
			`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}]}}`,
			"ok",
		},
		{
			"block content",
			`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","is_error":true,"content":[{"type":"text","text":"exit status 1"}]}]}}`,
			"exit status 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.line))
			if err != nil {
				t.Fatal(err)
			}
			if len(msg.ToolResults) != 1 {
				t.Fatalf("tool results = %d", len(msg.ToolResults))
			}
			tr := msg.ToolResults[0]
			if tr.ToolUseID != "tu_1" || tr.Content != tt.want {
				t.Errorf("tool result = %+v", tr)
			}
		})
	}
}

func TestDecode_Result(t *testing.T) {
	line := `{"type":"result","subtype":"success","total_cost_usd":0.12,"num_turns":7,
		"duration_ms":5300,"result":"done","usage":{"input_tokens":1200,"output_tokens":300}}`
	msg, err := Decode([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	r := msg.Result
	if r == nil || r.Subtype != ResultSuccess || r.CostUSD != 0.12 || r.NumTurns != 7 {
		t.Fatalf("result = %+v", r)
	}
	if r.Usage.InputTokens != 1200 || r.Usage.OutputTokens != 300 {
		t.Errorf("usage = %+v", r.Usage)
	}
	if r.Text != "done" {
		t.Errorf("text = %q", r.Text)
	}
}

func TestDecode_Errors(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"type":"mystery"}`,
	} {
		if _, err := Decode([]byte(line)); err == nil {
			t.Errorf("expected error for %q", line)
		}
	}
}
