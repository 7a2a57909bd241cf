package claudeagent

import (
	"encoding/json"
	"fmt"
	"iter"
	"sort"

	"github.com/rs/zerolog"
)

// BlockState is the accumulated state of one content block.
type BlockState struct {
	Index     int
	Type      string // "text", "tool_use", "thinking", ...
	ID        string // tool_use id
	Name      string // tool_use name
	Text      string
	Thinking  string
	Signature string

	// PartialJSON is the raw tool input received so far. Input is set
	// once the block stops and the JSON is complete.
	PartialJSON string
	Input       json.RawMessage

	Done bool
}

// TurnState is the accumulated state of one assistant turn.
type TurnState struct {
	MessageID string
	Model     string

	// Text and Thinking concatenate every text and thinking delta of the
	// turn in arrival order.
	Text     string
	Thinking string

	// Blocks are ordered by index.
	Blocks []BlockState

	StopReason string
	Usage      *Usage

	// Complete is set by message_stop.
	Complete bool
}

// StreamAssembler folds streaming events into per-turn state.
//
// A turn runs message_start, then any number of content blocks (start,
// deltas, stop), then message_delta and message_stop. A new message_start
// always resets the state. Events that arrive outside a turn are logged
// and ignored so they cannot leak into the next one.
//
// A StreamAssembler is not safe for concurrent use.
type StreamAssembler struct {
	log zerolog.Logger

	inTurn bool
	state  TurnState
	blocks map[int]*BlockState
}

// NewStreamAssembler returns an assembler with no turn in progress.
func NewStreamAssembler(log zerolog.Logger) *StreamAssembler {
	return &StreamAssembler{
		log:    log.With().Str("component", "assembler").Logger(),
		blocks: make(map[int]*BlockState),
	}
}

// Apply decodes one raw event and folds it into the turn state.
//
// A tool_use block whose accumulated input is not valid JSON yields
// *ErrDecode at content_block_stop; the event is still returned and the
// turn continues.
func (a *StreamAssembler) Apply(raw json.RawMessage) (StreamEvent, error) {
	event, err := ParseStreamEvent(raw)
	if err != nil {
		return nil, err
	}

	if _, ok := event.(MessageStartEvent); !ok && !a.inTurn {
		if _, unknown := event.(UnknownStreamEvent); !unknown {
			a.log.Debug().
				Str("event", event.StreamEventType()).
				Msg("ignoring stream event outside a turn")
		}
		return event, nil
	}

	switch e := event.(type) {
	case MessageStartEvent:
		a.reset()
		a.inTurn = true
		a.state.MessageID = e.Message.ID
		a.state.Model = e.Message.Model
		a.state.Usage = e.Message.Usage

	case ContentBlockStartEvent:
		block := a.block(e.Index)
		block.Type = e.ContentBlock.Type
		block.ID = e.ContentBlock.ID
		block.Name = e.ContentBlock.Name
		block.Text = e.ContentBlock.Text
		block.Thinking = e.ContentBlock.Thinking
		if len(e.ContentBlock.Input) > 0 {
			block.Input = e.ContentBlock.Input
		}
		a.state.Text += e.ContentBlock.Text
		a.state.Thinking += e.ContentBlock.Thinking

	case ContentBlockDeltaEvent:
		a.applyDelta(a.block(e.Index), e.Delta)

	case ContentBlockStopEvent:
		block := a.block(e.Index)
		block.Done = true
		if block.PartialJSON != "" {
			input := json.RawMessage(block.PartialJSON)
			if !json.Valid(input) {
				return event, &ErrDecode{
					Line: []byte(block.PartialJSON),
					Cause: fmt.Errorf("incomplete tool input for "+
						"block %d", e.Index),
				}
			}
			block.Input = input
		}

	case MessageDeltaEvent:
		if e.StopReason != "" {
			a.state.StopReason = e.StopReason
		}
		if e.Usage != nil {
			a.state.Usage = e.Usage
		}

	case MessageStopEvent:
		a.state.Complete = true
		a.inTurn = false
	}

	return event, nil
}

func (a *StreamAssembler) applyDelta(block *BlockState, delta Delta) {
	switch d := delta.(type) {
	case TextDelta:
		if block.Type == "" {
			block.Type = "text"
		}
		block.Text += d.Text
		a.state.Text += d.Text

	case InputJSONDelta:
		if block.Type == "" {
			block.Type = "tool_use"
		}
		block.PartialJSON += d.PartialJSON

	case ThinkingDelta:
		if block.Type == "" {
			block.Type = "thinking"
		}
		block.Thinking += d.Thinking
		a.state.Thinking += d.Thinking

	case SignatureDelta:
		block.Signature = d.Signature

	default:
		a.log.Debug().
			Str("delta", delta.DeltaType()).
			Int("index", block.Index).
			Msg("unknown delta type")
	}
}

func (a *StreamAssembler) block(index int) *BlockState {
	block, ok := a.blocks[index]
	if !ok {
		block = &BlockState{Index: index}
		a.blocks[index] = block
	}
	return block
}

func (a *StreamAssembler) reset() {
	a.state = TurnState{}
	a.blocks = make(map[int]*BlockState)
	a.inTurn = false
}

// Snapshot returns a copy of the current turn state.
func (a *StreamAssembler) Snapshot() TurnState {
	state := a.state

	indexes := make([]int, 0, len(a.blocks))
	for i := range a.blocks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	state.Blocks = make([]BlockState, 0, len(indexes))
	for _, i := range indexes {
		state.Blocks = append(state.Blocks, *a.blocks[i])
	}
	return state
}

// InTurn reports whether a turn has started and not yet stopped.
func (a *StreamAssembler) InTurn() bool {
	return a.inTurn
}

// AssembledEvent pairs a message with the assembler's view of it. For
// stream_event messages Event and State are set; other messages pass
// through with only Message set.
type AssembledEvent struct {
	Message Message
	Event   StreamEvent
	State   *TurnState
}

// AssembleStream runs stream_event messages from seq through a fresh
// assembler. Decode errors are yielded alongside the message and the
// stream continues.
func AssembleStream(
	seq iter.Seq2[Message, error],
	log zerolog.Logger,
) iter.Seq2[AssembledEvent, error] {
	return func(yield func(AssembledEvent, error) bool) {
		assembler := NewStreamAssembler(log)

		for msg, err := range seq {
			if err != nil {
				if !yield(AssembledEvent{}, err) {
					return
				}
				continue
			}

			streamMsg, ok := msg.(StreamEventMessage)
			if !ok {
				if !yield(AssembledEvent{Message: msg}, nil) {
					return
				}
				continue
			}

			event, applyErr := assembler.Apply(streamMsg.Event)
			state := assembler.Snapshot()
			if !yield(AssembledEvent{
				Message: msg,
				Event:   event,
				State:   &state,
			}, applyErr) {
				return
			}
		}
	}
}
