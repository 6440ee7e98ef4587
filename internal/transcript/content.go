package transcript

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one element of an array-valued message content.
type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// Content is either a plain string or a list of blocks on the wire.
type Content struct {
	Text   string
	Blocks []Block
}

// TextContent builds string-valued content.
func TextContent(text string) Content {
	return Content{Text: text}
}

// UnmarshalJSON never fails: content that is neither a string nor an array
// decodes as empty, and array elements that are not blocks are skipped.
func (c *Content) UnmarshalJSON(data []byte) error {
	*c = decodeContent(data)
	return nil
}

func decodeContent(data []byte) Content {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Content{}
	}
	switch data[0] {
	case '"':
		var text string
		if json.Unmarshal(data, &text) != nil {
			return Content{}
		}
		return Content{Text: text}
	case '[':
		var items []json.RawMessage
		if json.Unmarshal(data, &items) != nil {
			return Content{}
		}
		blocks := make([]Block, 0, len(items))
		for _, item := range items {
			var b Block
			if json.Unmarshal(item, &b) != nil {
				continue
			}
			blocks = append(blocks, b)
		}
		return Content{Blocks: blocks}
	}
	return Content{}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// HasText reports whether the content carries any non-blank text.
func (c Content) HasText() bool {
	if strings.TrimSpace(c.Text) != "" {
		return true
	}
	for _, b := range c.Blocks {
		if b.Type == BlockText && strings.TrimSpace(b.Text) != "" {
			return true
		}
	}
	return false
}

// ToolUses returns the tool_use blocks in order.
func (c Content) ToolUses() []Block {
	return c.filter(BlockToolUse)
}

// ToolResults returns the tool_result blocks in order.
func (c Content) ToolResults() []Block {
	return c.filter(BlockToolResult)
}

// OnlyToolResults reports whether the content is a non-empty list made up
// entirely of tool_result blocks.
func (c Content) OnlyToolResults() bool {
	if len(c.Blocks) == 0 {
		return false
	}
	for _, b := range c.Blocks {
		if b.Type != BlockToolResult {
			return false
		}
	}
	return true
}

func (c Content) filter(kind string) []Block {
	var out []Block
	for _, b := range c.Blocks {
		if b.Type == kind {
			out = append(out, b)
		}
	}
	return out
}
