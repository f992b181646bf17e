// Package openai implements the OpenAI-compatible chat wire format:
// request parsing, conversation fingerprinting, model mapping and
// response construction.
package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ChatRequest is an OpenAI chat completions request.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

// ChatMessage is one conversation message. Content is either a plain
// string or an array of typed parts; both forms are accepted.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentPart is one element of the array form of message content.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// ImageData is one decoded inline image from a message.
type ImageData struct {
	MimeType string
	Data     []byte
}

// Text flattens the message content to plain text. Non-text parts are
// skipped.
func (m *ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}

	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Images decodes the inline images of the message. Only data URIs are
// accepted; remote image URLs are skipped.
func (m *ChatMessage) Images() []ImageData {
	if len(m.Content) == 0 {
		return nil
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return nil
	}

	var images []ImageData
	for _, p := range parts {
		if p.Type != "image_url" {
			continue
		}
		if img, ok := decodeDataURI(p.ImageURL.URL); ok {
			images = append(images, img)
		}
	}
	return images
}

/// decodeDataURI parses a data:<mime>;base64,<payload> URI.
func decodeDataURI(uri string) (ImageData, bool) {
	if !strings.HasPrefix(uri, "data:") {
		return ImageData{}, false
	}
	rest := strings.TrimPrefix(uri, "data:")
	mime, payload, found := strings.Cut(rest, ";base64,")
	if !found || mime == "" {
		return ImageData{}, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ImageData{}, false
	}
	return ImageData{MimeType: mime, Data: data}, true
}

// Validate checks the request for the errors the API rejects up front.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i := range r.Messages {
		if r.Messages[i].Role == "" {
			return fmt.Errorf("message %d has no role", i)
		}
	}
	return nil
}

// LastMessageText returns the text of the newest message. This is what
// a turn sends when the upstream session already holds the history.
func (r *ChatRequest) LastMessageText() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Text()
}

// LastMessageImages returns the inline images of the newest message.
// Images of earlier messages are not re-sent; the session they were
// uploaded to already holds them.
func (r *ChatRequest) LastMessageImages() []ImageData {
	if len(r.Messages) == 0 {
		return nil
	}
	return r.Messages[len(r.Messages)-1].Images()
}

// FullContextText renders the entire conversation as one prompt for a
/// session that has no upstream history. The rendering is deterministic:
// the same messages always produce the same text.
func (r *ChatRequest) FullContextText() string {
	if len(r.Messages) == 1 {
		return r.Messages[0].Text()
	}

	var b strings.Builder
	b.WriteString("The following is the conversation so far. Continue it by answering the final message.\n\n")
	for _, m := range r.Messages {
		switch m.Role {
		case "system":
			b.WriteString("[System]: ")
		case "assistant":
			b.WriteString("[Assistant]: ")
		default:
			b.WriteString("[User]: ")
		}
		b.WriteString(m.Text())
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
