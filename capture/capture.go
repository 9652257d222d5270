// Package capture implements C6: parses the Anthropic Messages API SSE
// event stream (or a buffered JSON body), reassembles the final message,
// and extracts usage/tool-invocation metadata (spec.md §4.6).
package capture

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/claude-nexus/proxy/common/helper"
	"github.com/claude-nexus/proxy/model"
	"github.com/claude-nexus/proxy/tokenbudget"
)

// ErrStreamTruncated marks a capture whose underlying stream ended
// before a message_stop event was observed.
const ErrStreamTruncated = "stream_truncated"

// ToolUseBlock is one reassembled tool_use content block.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

type blockState struct {
	blockType string // "text" | "tool_use" | other
	text      strings.Builder
	partial   strings.Builder // accumulated partial_json for tool_use blocks
	toolID    string
	toolName  string
}

// Capture accumulates SSE events (or a single buffered response) into a
// reassembled final message plus the timing/usage metadata C7 and the
// storage writer need.
type Capture struct {
	startTime time.Time

	MessageID    string
	Role         string
	Model        string
	StopReason   *string
	StopSequence *string
	Usage        map[string]any

	FirstTokenMs *int64
	DurationMs   int64
	Error        string

	blocks     map[int]*blockState
	blockOrder []int
	sawStop    bool

	// Chunks retains one row per raw SSE event, in arrival order, for the
	// storage writer's streaming_chunks persistence (spec.md §4.4 step 4).
	Chunks []*model.StreamingChunk
}

// New starts a capture timed from startTime (the proxy's request-received instant).
func New(startTime time.Time) *Capture {
	return &Capture{
		startTime: startTime,
		blocks:    make(map[int]*blockState),
	}
}

// ConsumeSSE reads Anthropic SSE events from r until EOF, updating the
// capture's state. It tolerates a stream that ends without message_stop:
// in that case Error is set to "stream_truncated" and whatever was seen
// is retained rather than discarded.
func (c *Capture) ConsumeSSE(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	helper.ConfigureScannerBuffer(scanner)

	var eventType string
	var dataLines []string

	flush := func() error {
		if eventType == "" {
			return nil
		}
		data := strings.Join(dataLines, "\n")
		c.recordChunk(data)
		err := c.handleEvent(eventType, []byte(data))
		eventType = ""
		dataLines = dataLines[:0]
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// ignore comment lines / unknown fields
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		c.Error = ErrStreamTruncated
		c.finishTiming()
		return errors.Wrap(err, "read sse stream")
	}

	if !c.sawStop {
		c.Error = ErrStreamTruncated
	}
	c.finishTiming()
	return nil
}

func (c *Capture) finishTiming() {
	c.DurationMs = time.Since(c.startTime).Milliseconds()
}

// recordChunk appends a StreamingChunk row for one raw SSE event. RequestID
// is left blank here since the capture has no notion of a request; the
// persistence layer stamps it in before writing (spec.md §3 key uniqueness).
func (c *Capture) recordChunk(data string) {
	c.Chunks = append(c.Chunks, &model.StreamingChunk{
		ChunkIndex: len(c.Chunks),
		Timestamp:  time.Now(),
		Data:       data,
		TokenCount: tokenbudget.CountTokens(data),
	})
}

func (c *Capture) handleEvent(eventType string, data []byte) error {
	switch eventType {
	case "message_start":
		var payload struct {
			Message struct {
				ID    string         `json:"id"`
				Role  string         `json:"role"`
				Model string         `json:"model"`
				Usage map[string]any `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return errors.Wrap(err, "parse message_start")
		}
		c.MessageID = payload.Message.ID
		c.Role = payload.Message.Role
		c.Model = payload.Message.Model
		c.Usage = payload.Message.Usage

	case "content_block_start":
		var payload struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type  string         `json:"type"`
				Text  string         `json:"text"`
				ID    string         `json:"id"`
				Name  string         `json:"name"`
				Input map[string]any `json:"input"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return errors.Wrap(err, "parse content_block_start")
		}
		bs := &blockState{blockType: payload.ContentBlock.Type, toolID: payload.ContentBlock.ID, toolName: payload.ContentBlock.Name}
		if payload.ContentBlock.Text != "" {
			bs.text.WriteString(payload.ContentBlock.Text)
		}
		c.blocks[payload.Index] = bs
		c.blockOrder = append(c.blockOrder, payload.Index)

	case "content_block_delta":
		var payload struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return errors.Wrap(err, "parse content_block_delta")
		}
		if c.FirstTokenMs == nil {
			ms := time.Since(c.startTime).Milliseconds()
			c.FirstTokenMs = &ms
		}
		bs, ok := c.blocks[payload.Index]
		if !ok {
			bs = &blockState{}
			c.blocks[payload.Index] = bs
			c.blockOrder = append(c.blockOrder, payload.Index)
		}
		switch payload.Delta.Type {
		case "text_delta":
			bs.text.WriteString(payload.Delta.Text)
		case "input_json_delta":
			bs.partial.WriteString(payload.Delta.PartialJSON)
		}

	case "content_block_stop":
		// nothing to update; block content is already accumulated.

	case "message_delta":
		var payload struct {
			Delta struct {
				StopReason   *string `json:"stop_reason"`
				StopSequence *string `json:"stop_sequence"`
			} `json:"delta"`
			Usage map[string]any `json:"usage"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return errors.Wrap(err, "parse message_delta")
		}
		if payload.Delta.StopReason != nil {
			c.StopReason = payload.Delta.StopReason
		}
		if payload.Delta.StopSequence != nil {
			c.StopSequence = payload.Delta.StopSequence
		}
		if payload.Usage != nil {
			c.Usage = mergeUsage(c.Usage, payload.Usage)
		}

	case "message_stop":
		c.sawStop = true

	case "ping", "error":
		// no state to update for these event kinds

	default:
		// unknown/future event kind: ignore rather than fail the capture
	}
	return nil
}

func mergeUsage(base, update map[string]any) map[string]any {
	if base == nil {
		return update
	}
	for k, v := range update {
		base[k] = v
	}
	return base
}

// ContentBlocks returns the reassembled content blocks in the order they were started.
func (c *Capture) ContentBlocks() []map[string]any {
	blocks := make([]map[string]any, 0, len(c.blockOrder))
	for _, idx := range c.blockOrder {
		bs := c.blocks[idx]
		switch bs.blockType {
		case "tool_use":
			var input map[string]any
			raw := bs.partial.String()
			if raw != "" {
				_ = json.Unmarshal([]byte(raw), &input)
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    bs.toolID,
				"name":  bs.toolName,
				"input": input,
			})
		default:
			blocks = append(blocks, map[string]any{
				"type": "text",
				"text": bs.text.String(),
			})
		}
	}
	return blocks
}

// ToolUseBlocks returns every reassembled tool_use block.
func (c *Capture) ToolUseBlocks() []ToolUseBlock {
	var out []ToolUseBlock
	for _, idx := range c.blockOrder {
		bs := c.blocks[idx]
		if bs.blockType != "tool_use" {
			continue
		}
		var input map[string]any
		raw := bs.partial.String()
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &input)
		}
		out = append(out, ToolUseBlock{ID: bs.toolID, Name: bs.toolName, Input: input})
	}
	return out
}

// FinalBody assembles a non-streaming-shaped Anthropic response body from
// the reassembled capture, suitable for persistence as response_body.
func (c *Capture) FinalBody() map[string]any {
	return map[string]any{
		"id":            c.MessageID,
		"type":          "message",
		"role":          c.Role,
		"model":         c.Model,
		"content":       c.ContentBlocks(),
		"stop_reason":   c.StopReason,
		"stop_sequence": c.StopSequence,
		"usage":         c.Usage,
	}
}

// FromJSON captures a buffered (non-streaming) response body directly.
func FromJSON(body []byte, startTime time.Time) (*Capture, error) {
	var payload struct {
		ID           string         `json:"id"`
		Role         string         `json:"role"`
		Model        string         `json:"model"`
		StopReason   *string        `json:"stop_reason"`
		StopSequence *string        `json:"stop_sequence"`
		Usage        map[string]any `json:"usage"`
		Content      []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "parse non-streaming response body")
	}

	c := New(startTime)
	c.MessageID = payload.ID
	c.Role = payload.Role
	c.Model = payload.Model
	c.StopReason = payload.StopReason
	c.StopSequence = payload.StopSequence
	c.Usage = payload.Usage
	c.sawStop = true

	for i, block := range payload.Content {
		bs := &blockState{blockType: block.Type, toolID: block.ID, toolName: block.Name}
		if block.Type == "text" {
			bs.text.WriteString(block.Text)
		} else if block.Type == "tool_use" {
			inputJSON, _ := json.Marshal(block.Input)
			bs.partial.Write(inputJSON)
		}
		c.blocks[i] = bs
		c.blockOrder = append(c.blockOrder, i)
	}
	c.finishTiming()
	return c, nil
}

// ExtractTaskToolInvocations filters tool_use blocks down to those named
// "Task", in the shape the storage writer persists (spec.md §4.4 step 5).
func ExtractTaskToolInvocations(blocks []ToolUseBlock) []model.ToolInvocation {
	var out []model.ToolInvocation
	for _, b := range blocks {
		if b.Name != "Task" {
			continue
		}
		out = append(out, model.ToolInvocation{ID: b.ID, Name: b.Name, Input: b.Input})
	}
	return out
}
