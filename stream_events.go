package claudeagent

import (
	"encoding/json"
	"fmt"
)

// StreamEvent is one Anthropic streaming event carried by a
// StreamEventMessage. Every variant keeps the raw event bytes.
type StreamEvent interface {
	StreamEventType() string
	RawEvent() json.RawMessage
}

// MessageStartEvent opens an assistant turn.
type MessageStartEvent struct {
	Message APIAssistantMessage
	Raw     json.RawMessage
}

// ContentBlockStartEvent opens the content block at Index.
type ContentBlockStartEvent struct {
	Index        int
	ContentBlock ContentBlock
	Raw          json.RawMessage
}

// ContentBlockDeltaEvent appends to the content block at Index.
type ContentBlockDeltaEvent struct {
	Index int
	Delta Delta
	Raw   json.RawMessage
}

// ContentBlockStopEvent closes the content block at Index.
type ContentBlockStopEvent struct {
	Index int
	Raw   json.RawMessage
}

// MessageDeltaEvent carries the stop reason and final usage of a turn.
type MessageDeltaEvent struct {
	StopReason   string
	StopSequence *string
	Usage        *Usage
	Raw          json.RawMessage
}

// MessageStopEvent closes an assistant turn.
type MessageStopEvent struct {
	Raw json.RawMessage
}

// UnknownStreamEvent is any event type not modeled above, such as "ping".
type UnknownStreamEvent struct {
	Type string
	Raw  json.RawMessage
}

// StreamEventType implements StreamEvent.
func (MessageStartEvent) StreamEventType() string { return "message_start" }

// StreamEventType implements StreamEvent.
func (ContentBlockStartEvent) StreamEventType() string { return "content_block_start" }

// StreamEventType implements StreamEvent.
func (ContentBlockDeltaEvent) StreamEventType() string { return "content_block_delta" }

// StreamEventType implements StreamEvent.
func (ContentBlockStopEvent) StreamEventType() string { return "content_block_stop" }

// StreamEventType implements StreamEvent.
func (MessageDeltaEvent) StreamEventType() string { return "message_delta" }

// StreamEventType implements StreamEvent.
func (MessageStopEvent) StreamEventType() string { return "message_stop" }

// StreamEventType implements StreamEvent.
func (e UnknownStreamEvent) StreamEventType() string { return e.Type }

// RawEvent implements StreamEvent.
func (e MessageStartEvent) RawEvent() json.RawMessage { return e.Raw }

// RawEvent implements StreamEvent.
func (e ContentBlockStartEvent) RawEvent() json.RawMessage { return e.Raw }

// RawEvent implements StreamEvent.
func (e ContentBlockDeltaEvent) RawEvent() json.RawMessage { return e.Raw }

// RawEvent implements StreamEvent.
func (e ContentBlockStopEvent) RawEvent() json.RawMessage { return e.Raw }

// RawEvent implements StreamEvent.
func (e MessageDeltaEvent) RawEvent() json.RawMessage { return e.Raw }

// RawEvent implements StreamEvent.
func (e MessageStopEvent) RawEvent() json.RawMessage { return e.Raw }

// RawEvent implements StreamEvent.
func (e UnknownStreamEvent) RawEvent() json.RawMessage { return e.Raw }

// Delta is the payload of a content_block_delta event.
type Delta interface {
	DeltaType() string
}

// TextDelta appends text to a text block.
type TextDelta struct {
	Text string `json:"text"`
}

// InputJSONDelta appends a fragment of a tool_use block's input JSON.
type InputJSONDelta struct {
	PartialJSON string `json:"partial_json"`
}

// ThinkingDelta appends text to a thinking block.
type ThinkingDelta struct {
	Thinking string `json:"thinking"`
}

// SignatureDelta carries the signature of a thinking block.
type SignatureDelta struct {
	Signature string `json:"signature"`
}

// UnknownDelta is any delta type not modeled above.
type UnknownDelta struct {
	Type string
	Raw  json.RawMessage
}

// DeltaType implements Delta.
func (TextDelta) DeltaType() string { return "text_delta" }

// DeltaType implements Delta.
func (InputJSONDelta) DeltaType() string { return "input_json_delta" }

// DeltaType implements Delta.
func (ThinkingDelta) DeltaType() string { return "thinking_delta" }

// DeltaType implements Delta.
func (SignatureDelta) DeltaType() string { return "signature_delta" }

// DeltaType implements Delta.
func (d UnknownDelta) DeltaType() string { return d.Type }

// ParseStreamEvent decodes a raw streaming event. Unrecognized event and
// delta types decode to their Unknown variants.
func ParseStreamEvent(raw json.RawMessage) (StreamEvent, error) {
	var wire struct {
		Type         string              `json:"type"`
		Index        int                 `json:"index"`
		Message      APIAssistantMessage `json:"message"`
		ContentBlock ContentBlock        `json:"content_block"`
		Delta        json.RawMessage     `json:"delta"`
		Usage        *Usage              `json:"usage"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &ErrDecode{Line: raw, Cause: err}
	}

	switch wire.Type {
	case "message_start":
		return MessageStartEvent{Message: wire.Message, Raw: raw}, nil

	case "content_block_start":
		return ContentBlockStartEvent{
			Index:        wire.Index,
			ContentBlock: wire.ContentBlock,
			Raw:          raw,
		}, nil

	case "content_block_delta":
		delta, err := parseDelta(wire.Delta)
		if err != nil {
			return nil, &ErrDecode{Line: raw, Cause: err}
		}
		return ContentBlockDeltaEvent{
			Index: wire.Index,
			Delta: delta,
			Raw:   raw,
		}, nil

	case "content_block_stop":
		return ContentBlockStopEvent{Index: wire.Index, Raw: raw}, nil

	case "message_delta":
		var delta struct {
			StopReason   string  `json:"stop_reason"`
			StopSequence *string `json:"stop_sequence"`
		}
		if len(wire.Delta) > 0 {
			if err := json.Unmarshal(wire.Delta, &delta); err != nil {
				return nil, &ErrDecode{Line: raw, Cause: err}
			}
		}
		return MessageDeltaEvent{
			StopReason:   delta.StopReason,
			StopSequence: delta.StopSequence,
			Usage:        wire.Usage,
			Raw:          raw,
		}, nil

	case "message_stop":
		return MessageStopEvent{Raw: raw}, nil

	default:
		return UnknownStreamEvent{Type: wire.Type, Raw: raw}, nil
	}
}

func parseDelta(raw json.RawMessage) (Delta, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("content_block_delta without delta")
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, err
	}

	switch peek.Type {
	case "text_delta":
		var d TextDelta
		err := json.Unmarshal(raw, &d)
		return d, err

	case "input_json_delta":
		var d InputJSONDelta
		err := json.Unmarshal(raw, &d)
		return d, err

	case "thinking_delta":
		var d ThinkingDelta
		err := json.Unmarshal(raw, &d)
		return d, err

	case "signature_delta":
		var d SignatureDelta
		err := json.Unmarshal(raw, &d)
		return d, err

	default:
		return UnknownDelta{Type: peek.Type, Raw: raw}, nil
	}
}
