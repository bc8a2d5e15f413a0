package agentclient

import (
	"testing"
)

func TestParseMessage_SystemInit(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc-123","model":"some-model"}`)
	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Type != MessageSystem {
		t.Errorf("Type = %s, want system", msg.Type)
	}
	if msg.Subtype != "init" {
		t.Errorf("Subtype = %s, want init", msg.Subtype)
	}
	if msg.SessionID != "abc-123" {
		t.Errorf("SessionID = %s, want abc-123", msg.SessionID)
	}
}

func TestParseMessage_AssistantText(t *testing.T) {
	line := []byte(`{"type":"assistant","session_id":"abc","message":{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}}`)
	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Text != "Hello world" {
		t.Errorf("Text = %q, want %q", msg.Text, "Hello world")
	}
}

func TestParseMessage_TodoWrite(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"TodoWrite","input":{"todos":[{"content":"read code","status":"completed"},{"content":"write fix","status":"in_progress"}]}}]}}`)
	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if len(msg.Todos) != 2 {
		t.Fatalf("len(Todos) = %d, want 2", len(msg.Todos))
	}
	if msg.Todos[0].Content != "read code" || msg.Todos[0].Status != "completed" {
		t.Errorf("Todos[0] = %+v", msg.Todos[0])
	}
	if msg.Todos[1].Status != "in_progress" {
		t.Errorf("Todos[1].Status = %s, want in_progress", msg.Todos[1].Status)
	}
	if len(msg.ToolUses) != 1 || msg.ToolUses[0] != "TodoWrite" {
		t.Errorf("ToolUses = %v, want [TodoWrite]", msg.ToolUses)
	}
}

func TestParseMessage_Result(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","session_id":"abc","is_error":false,"result":"All tests pass."}`)
	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Type != MessageResult {
		t.Errorf("Type = %s, want result", msg.Type)
	}
	if msg.IsError {
		t.Error("IsError = true, want false")
	}
	if msg.Result != "All tests pass." {
		t.Errorf("Result = %q", msg.Result)
	}
}

func TestParseMessage_StreamDelta(t *testing.T) {
	line := []byte(`{"type":"stream_event","session_id":"abc","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"chunk"}}}`)
	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Type != MessageStreamDelta {
		t.Errorf("Type = %s, want stream_event", msg.Type)
	}
	if msg.Delta != "chunk" {
		t.Errorf("Delta = %q, want chunk", msg.Delta)
	}
}

func TestParseMessage_UnknownTypePassesThrough(t *testing.T) {
	line := []byte(`{"type":"control_response","request_id":"interrupt-1"}`)
	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Type != "control_response" {
		t.Errorf("Type = %s, want control_response", msg.Type)
	}
	if len(msg.Raw) == 0 {
		t.Error("Raw not retained")
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Error("ParseMessage(garbage) error = nil, want error")
	}
	if _, err := ParseMessage([]byte(`{"session_id":"abc"}`)); err == nil {
		t.Error("ParseMessage(no type) error = nil, want error")
	}
}
