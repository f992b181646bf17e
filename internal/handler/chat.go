// Package handler provides the HTTP handlers of the gateway: the
// OpenAI-compatible chat surface, the models listing, the admin
// endpoints and health.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gembiz/gateway/internal/openai"
	"github.com/gembiz/gateway/internal/pool"
	"github.com/gembiz/gateway/internal/relay"
	"github.com/gembiz/gateway/internal/store"
	"github.com/gembiz/gateway/internal/upstream"
	"github.com/gembiz/gateway/pkg/middleware"
)

// ChatHandler handles POST /v1/chat/completions.
type ChatHandler struct {
	orch     *relay.Orchestrator
	client   *upstream.Client
	sessions *pool.SessionCache
	store    *store.Store
	logger   *slog.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(orch *relay.Orchestrator, client *upstream.Client, sessions *pool.SessionCache, st *store.Store, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		orch:     orch,
		client:   client,
		sessions: sessions,
		store:    st,
		logger:   logger,
	}
}

// ServeHTTP handles the chat completions request.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req openai.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		openai.WriteError(w, openai.NewInvalidRequestError("invalid JSON body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		openai.WriteError(w, openai.NewInvalidRequestError(err.Error()))
		return
	}

	modelID, known := openai.ResolveModel(req.Model)
	if !known {
		openai.WriteError(w, openai.NewModelNotFoundError(req.Model))
		return
	}

	clientAddr := openai.ClientAddr(r.RemoteAddr)
	convKey := openai.ConversationKey(req.Messages, clientAddr)
	required := openai.RequiredQuotas(&req)
	turnOpts := upstream.TurnOptions{ModelID: modelID}
	completionID := openai.NewCompletionID()

	h.logger.Debug("chat request",
		"request_id", requestID,
		"model", req.Model,
		"stream", req.Stream,
		"messages", len(req.Messages),
	)

	if req.Stream {
		h.serveStream(w, r, &req, convKey, clientAddr, requestID, completionID, required, turnOpts)
		return
	}
	h.serveBlocking(w, r, &req, convKey, clientAddr, requestID, completionID, required, turnOpts)
}

func (h *ChatHandler) serveBlocking(w http.ResponseWriter, r *http.Request, req *openai.ChatRequest, convKey, clientAddr, requestID, completionID string, required []pool.QuotaType, turnOpts upstream.TurnOptions) {
	ctx := upstream.WithRequestID(r.Context(), requestID)
	images := req.LastMessageImages()

	var content, reasoning strings.Builder
	var prompt string
	var generated []upstream.Fragment
	var lastAcct *pool.Account
	var lastSession string

	turn := func(ctx context.Context, acct *pool.Account, sessionID string, fullContext bool) error {
		content.Reset()
		reasoning.Reset()
		generated = generated[:0]
		lastAcct, lastSession = acct, sessionID
		prompt = req.LastMessageText()
		if fullContext {
			prompt = req.FullContextText()
		}
		opts := turnOpts
		if len(images) > 0 {
			ids, err := h.uploadImages(ctx, acct, sessionID, images)
			if err != nil {
				return err
			}
			opts.FileIDs = ids
		}
		return h.client.StreamAssist(ctx, acct, sessionID, prompt, opts, func(f upstream.Fragment) error {
			switch {
			case f.FileID != "":
				generated = append(generated, f)
			case f.Thought:
				reasoning.WriteString(f.Text)
			default:
				content.WriteString(f.Text)
			}
			return nil
		})
	}

	if err := h.orch.Do(ctx, convKey, requestID, required, turn); err != nil {
		h.writeFailure(w, requestID, err)
		return
	}

	reply := content.String()
	if len(generated) > 0 {
		reply += h.fetchImageMarkdown(ctx, requestID, lastAcct, lastSession, generated)
	}
	h.afterSuccess(ctx, req, convKey, clientAddr, reply)

	resp := openai.NewCompletion(completionID, req.Model, reply, reasoning.String(),
		openai.EstimateUsage(prompt, reply))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *ChatHandler) serveStream(w http.ResponseWriter, r *http.Request, req *openai.ChatRequest, convKey, clientAddr, requestID, completionID string, required []pool.QuotaType, turnOpts upstream.TurnOptions) {
	ctx := upstream.WithRequestID(r.Context(), requestID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		openai.WriteError(w, openai.NewInternalError("streaming unsupported"))
		return
	}

	images := req.LastMessageImages()

	var emitted bool
	var first bool
	var content strings.Builder
	var generated []upstream.Fragment
	var lastAcct *pool.Account
	var lastSession string

	startEvents := func() {
		if emitted {
			return
		}
		// Headers go out only once a fragment proves the turn is
		// producing output, keeping earlier attempts retryable.
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		emitted = true
	}

	turn := func(ctx context.Context, acct *pool.Account, sessionID string, fullContext bool) error {
		generated = generated[:0]
		lastAcct, lastSession = acct, sessionID
		prompt := req.LastMessageText()
		if fullContext {
			prompt = req.FullContextText()
		}
		opts := turnOpts
		if len(images) > 0 {
			ids, err := h.uploadImages(ctx, acct, sessionID, images)
			if err != nil {
				return err
			}
			opts.FileIDs = ids
		}
		first = true
		err := h.client.StreamAssist(ctx, acct, sessionID, prompt, opts, func(f upstream.Fragment) error {
			if f.FileID != "" {
				generated = append(generated, f)
				return nil
			}
			startEvents()
			delta := openai.Delta{}
			if first {
				delta.Role = "assistant"
				first = false
			}
			if f.Thought {
				delta.ReasoningContent = f.Text
			} else {
				delta.Content = f.Text
				content.WriteString(f.Text)
			}
			writeSSE(w, openai.NewChunk(completionID, req.Model, delta))
			flusher.Flush()
			return nil
		})
		if err != nil && emitted {
			// Bytes already reached the client, a retry would repeat
			// them.
			return relay.Abort(err)
		}
		return err
	}

	if err := h.orch.Do(ctx, convKey, requestID, required, turn); err != nil {
		if emitted {
			h.logger.Error("stream aborted mid-response",
				"request_id", requestID,
				"error", err,
			)
			return
		}
		h.writeFailure(w, requestID, err)
		return
	}

	if len(generated) > 0 {
		if md := h.fetchImageMarkdown(ctx, requestID, lastAcct, lastSession, generated); md != "" {
			startEvents()
			delta := openai.Delta{Content: md}
			if first {
				delta.Role = "assistant"
				first = false
			}
			writeSSE(w, openai.NewChunk(completionID, req.Model, delta))
			flusher.Flush()
			content.WriteString(md)
		}
	}

	h.afterSuccess(ctx, req, convKey, clientAddr, content.String())

	startEvents()
	writeSSE(w, openai.NewFinalChunk(completionID, req.Model))
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// uploadImages pushes the request's inline images to the session and
// returns their file ids. File ids are session-bound, so every turn on
// a fresh session uploads again.
func (h *ChatHandler) uploadImages(ctx context.Context, acct *pool.Account, sessionID string, images []openai.ImageData) ([]string, error) {
	ids := make([]string, 0, len(images))
	for _, img := range images {
		id, err := h.client.UploadContextFile(ctx, acct, sessionID, img.MimeType, img.Data)
		if err != nil {
			return nil, fmt.Errorf("image upload failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// fetchImageMarkdown downloads the files a turn generated and renders
// them as inline markdown images. A file that fails to download is
// logged and skipped; the text of the reply already reached the client.
func (h *ChatHandler) fetchImageMarkdown(ctx context.Context, requestID string, acct *pool.Account, sessionID string, generated []upstream.Fragment) string {
	var b strings.Builder
	for _, f := range generated {
		data, err := h.client.DownloadFile(ctx, acct, sessionID, f.FileID)
		if err != nil {
			h.logger.Error("generated image download failed",
				"request_id", requestID,
				"file_id", f.FileID,
				"error", err,
			)
			continue
		}
		fmt.Fprintf(&b, "\n\n![image](data:%s;base64,%s)\n\n", f.MimeType, base64.StdEncoding.EncodeToString(data))
	}
	return b.String()
}

// afterSuccess moves the session binding to the key the follow-up
// request will hash to and bumps the served-request total.
func (h *ChatHandler) afterSuccess(ctx context.Context, req *openai.ChatRequest, convKey, clientAddr, reply string) {
	if binding := h.sessions.Get(convKey); binding != nil {
		nextKey := openai.NextConversationKey(req.Messages, reply, clientAddr)
		h.sessions.Set(nextKey, binding.AccountID, binding.SessionID)
	}
	h.store.IncrRequests(ctx)
}

// writeFailure maps orchestration errors to OpenAI wire errors.
func (h *ChatHandler) writeFailure(w http.ResponseWriter, requestID string, err error) {
	h.logger.Error("chat request failed",
		"request_id", requestID,
		"error", err,
	)

	if errors.Is(err, pool.ErrNoAvailableAccounts) {
		openai.WriteError(w, openai.NewOverloadedError("no account can serve the request right now, try again later"))
		return
	}

	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsClientError():
			openai.WriteError(w, openai.NewInvalidRequestError("upstream rejected the request: "+string(apiErr.Body)))
		case apiErr.IsRateLimited():
			openai.WriteError(w, openai.NewRateLimitError("upstream rate limit exceeded"))
		default:
			openai.WriteError(w, openai.NewInternalError("upstream request failed"))
		}
		return
	}

	openai.WriteError(w, openai.NewInternalError("request failed: "+err.Error()))
}

// writeSSE writes one SSE data event.
func writeSSE(w http.ResponseWriter, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
}
