package agentclient

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the agent's stream messages.
type MessageType string

const (
	// MessageSystem carries session metadata, including the agent-side
	// session id on the "init" subtype.
	MessageSystem MessageType = "system"
	// MessageAssistant is agent output: text, tool use, todo updates.
	MessageAssistant MessageType = "assistant"
	// MessageUser echoes tool results back into the transcript.
	MessageUser MessageType = "user"
	// MessageResult terminates a turn, exactly once per query.
	MessageResult MessageType = "result"
	// MessageStreamDelta is a partial assistant text chunk.
	MessageStreamDelta MessageType = "stream_event"
)

// Message is one line of the agent's stream-JSON protocol, decoded far
// enough for routing. Raw retains the full original line for fanout.
type Message struct {
	Type      MessageType
	Subtype   string
	SessionID string
	// Text is the flattened assistant text, when present.
	Text string
	// Delta is the incremental text of a stream event.
	Delta string
	// IsError and Result describe a result message.
	IsError bool
	Result  string
	// Todos is the agent's current task list, when an assistant message
	// carries a TodoWrite tool call.
	Todos []Todo
	// ToolUses names the tools invoked by an assistant message.
	ToolUses []string
	Raw      json.RawMessage
}

// Todo is one entry of the agent's task list.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

type wireMessage struct {
	Type      string     `json:"type"`
	Subtype   string     `json:"subtype"`
	SessionID string     `json:"session_id"`
	Message   *wireInner `json:"message"`
	Event     *wireEvent `json:"event"`
	IsError   bool       `json:"is_error"`
	Result    string     `json:"result"`
}

type wireInner struct {
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type wireEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// ParseMessage decodes one protocol line. Unknown message types are not
// an error; they pass through with only Type and Raw set so the fanout
// layer can forward them verbatim.
func ParseMessage(line []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(line, &wire); err != nil {
		return Message{}, fmt.Errorf("parse agent message: %w", err)
	}
	if wire.Type == "" {
		return Message{}, fmt.Errorf("parse agent message: missing type")
	}

	msg := Message{
		Type:      MessageType(wire.Type),
		Subtype:   wire.Subtype,
		SessionID: wire.SessionID,
		IsError:   wire.IsError,
		Result:    wire.Result,
		Raw:       append(json.RawMessage(nil), line...),
	}

	switch msg.Type {
	case MessageAssistant:
		if wire.Message != nil {
			for _, block := range wire.Message.Content {
				switch block.Type {
				case "text":
					msg.Text += block.Text
				case "tool_use":
					msg.ToolUses = append(msg.ToolUses, block.Name)
					if block.Name == "TodoWrite" {
						msg.Todos = parseTodos(block.Input)
					}
				}
			}
		}
	case MessageStreamDelta:
		if wire.Event != nil && wire.Event.Delta.Type == "text_delta" {
			msg.Delta = wire.Event.Delta.Text
		}
	}
	return msg, nil
}

func parseTodos(input json.RawMessage) []Todo {
	var payload struct {
		Todos []Todo `json:"todos"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return nil
	}
	return payload.Todos
}
