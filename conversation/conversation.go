package conversation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

type SeparatorStyle int

const (
	SeparatorSingle SeparatorStyle = iota
	SeparatorTwo
	SeparatorMPT
	SeparatorPlain
	SeparatorLlama2
)

func (s SeparatorStyle) String() string {
	switch s {
	case SeparatorSingle:
		return "SINGLE"
	case SeparatorTwo:
		return "TWO"
	case SeparatorMPT:
		return "MPT"
	case SeparatorPlain:
		return "PLAIN"
	case SeparatorLlama2:
		return "LLAMA_2"
	}
	return fmt.Sprintf("SeparatorStyle(%d)", int(s))
}

// Message is one turn of a conversation. An empty Content marks the turn the model
// is expected to complete.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is a role tagged transcript plus the separators used to render it.
type Conversation struct {
	System   string
	Roles    [2]string
	Messages []Message
	Style    SeparatorStyle
	Sep      string
	Sep2     string
}

// Copy returns a deep copy, so appending to it never touches the receiver.
func (c *Conversation) Copy() *Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return &out
}

func (c *Conversation) AppendMessage(role, content string) {
	c.Messages = append(c.Messages, Message{Role: role, Content: content})
}

// SetLastMessage replaces the content of the latest turn, typically with the
// generated assistant answer.
func (c *Conversation) SetLastMessage(content string) {
	if len(c.Messages) == 0 {
		return
	}
	c.Messages[len(c.Messages)-1].Content = content
}

// StopString is the separator that terminates an assistant turn.
func (c *Conversation) StopString() string {
	if c.Style == SeparatorTwo {
		return c.Sep2
	}
	return c.Sep
}

// Prompt renders the transcript into the single string fed to the model.
func (c *Conversation) Prompt() (string, error) {
	tmpl, ok := styleTemplates[c.Style]
	if !ok {
		return "", fmt.Errorf("invalid separator style %s", c.Style)
	}
	if c.Style == SeparatorLlama2 && len(c.Messages) > 0 {
		first := c.Messages[0]
		if first.Content == "" {
			return "", errors.New("first message should not be empty")
		}
		if first.Role != c.Roles[0] {
			return "", errors.New("first message should come from user")
		}
	}
	buf := &bytes.Buffer{}
	if err := tmpl.Execute(buf, c); err != nil {
		return "", fmt.Errorf("rendering %s conversation: %w", c.Style, err)
	}
	out := buf.String()
	if c.Style == SeparatorLlama2 {
		out = strings.TrimLeft(out, c.Sep)
	}
	return out, nil
}
