package openai

import (
	"strings"

	"github.com/gembiz/gateway/internal/pool"
)

// ModelOwner is reported as the owner of every exposed model.
const ModelOwner = "google"

// modelMapping translates exposed model names to upstream model ids.
// The empty id lets the upstream pick.
var modelMapping = map[string]string{
	"gemini-auto":            "",
	"gemini-2.5-flash":       "gemini-2.5-flash",
	"gemini-2.5-pro":         "gemini-2.5-pro",
	"gemini-3-flash-preview": "gemini-3-flash-preview",
	"gemini-3-pro-preview":   "gemini-3-pro-preview",
}

// modelOrder fixes the listing order of the models endpoint.
var modelOrder = []string{
	"gemini-auto",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-3-flash-preview",
	"gemini-3-pro-preview",
}

// ResolveModel maps an exposed model name to the upstream model id.
// The second return reports whether the name is served at all; unknown
// names are rejected, not silently mapped.
func ResolveModel(name string) (upstreamID string, ok bool) {
	id, ok := modelMapping[name]
	return id, ok
}

// KnownModels lists the exposed model names in a stable order.
func KnownModels() []string {
	out := make([]string, len(modelOrder))
	copy(out, modelOrder)
	return out
}

// RequiredQuotas derives the quota types a request consumes. Every
// request needs text; image or video generation is requested through
// the prompt, so the newest message is scanned for generation intent.
func RequiredQuotas(r *ChatRequest) []pool.QuotaType {
	required := []pool.QuotaType{pool.QuotaText}
	prompt := strings.ToLower(r.LastMessageText())

	if containsAny(prompt, "generate an image", "generate image", "draw a picture", "create an image") {
		required = append(required, pool.QuotaImages)
	}
	if containsAny(prompt, "generate a video", "generate video", "create a video") {
		required = append(required, pool.QuotaVideos)
	}
	return required
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
