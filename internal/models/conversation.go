package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
)

type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one element of a structured message body.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Message is a single conversation turn as exchanged with the browser.
// Content is either plain text or, when Parts is non-empty, a list of
// text and image parts.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"-"`
	Parts   []ContentPart `json:"-"`
}

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	var content any = m.Content
	if len(m.Parts) > 0 {
		content = m.Parts
	}
	return json.Marshal(struct {
		Role    Role `json:"role"`
		Content any  `json:"content"`
	}{m.Role, content})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Content = ""
	m.Parts = nil

	raw := bytes.TrimSpace(w.Content)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return nil
	case raw[0] == '"':
		return json.Unmarshal(raw, &m.Content)
	case raw[0] == '[':
		return json.Unmarshal(raw, &m.Parts)
	default:
		return fmt.Errorf("unsupported content for role %q", w.Role)
	}
}

// HasSystem reports whether any message in history carries the system role.
func HasSystem(history []Message) bool {
	for _, m := range history {
		if m.Role == RoleSystem {
			return true
		}
	}
	return false
}
