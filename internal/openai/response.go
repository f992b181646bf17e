package openai

import (
	"time"

	"github.com/google/uuid"
)

// ChatCompletion is a non-streaming chat completions response.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	Delta        *Delta           `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a non-streaming response.
type ResponseMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Delta is one streamed increment.
type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Usage reports token counts. Upstream does not expose counts, so a
// rough character-based estimate is reported instead of zeros.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EstimateUsage approximates token counts from text lengths.
func EstimateUsage(prompt, completion string) Usage {
	p := len(prompt) / 4
	c := len(completion) / 4
	return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

// ChatChunk is one streamed chat completions event.
type ChatChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// NewCompletionID generates a response id in the chatcmpl- form.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}

// NewCompletion builds a non-streaming response.
func NewCompletion(id, model, content, reasoning string, usage Usage) ChatCompletion {
	stop := "stop"
	return ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index: 0,
			Message: &ResponseMessage{
				Role:             "assistant",
				Content:          content,
				ReasoningContent: reasoning,
			},
			FinishReason: &stop,
		}},
		Usage: usage,
	}
}

// NewChunk builds a streamed content delta.
func NewChunk(id, model string, delta Delta) ChatChunk {
	return ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{Index: 0, Delta: &delta, FinishReason: nil}},
	}
}

// NewFinalChunk builds the closing chunk carrying the finish reason.
func NewFinalChunk(id, model string) ChatChunk {
	stop := "stop"
	return ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{Index: 0, Delta: &Delta{}, FinishReason: &stop}},
	}
}

// Model is one entry of the models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the models listing response.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// LookupModel returns the listing entry for one exposed model name.
func LookupModel(name string) (Model, bool) {
	if _, ok := modelMapping[name]; !ok {
		return Model{}, false
	}
	return Model{
		ID:      name,
		Object:  "model",
		Created: time.Now().Unix(),
		OwnedBy: ModelOwner,
	}, true
}

// NewModelList builds the models listing.
func NewModelList() ModelList {
	created := time.Now().Unix()
	models := make([]Model, 0, len(modelOrder))
	for _, name := range modelOrder {
		models = append(models, Model{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: ModelOwner,
		})
	}
	return ModelList{Object: "list", Data: models}
}
