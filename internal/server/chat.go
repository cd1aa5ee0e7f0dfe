package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/gateway"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	s.dispatchChat(ctx, "")
}

func (s *Server) handleEndpointChat(ctx *fasthttp.RequestCtx) {
	s.dispatchChat(ctx, param(ctx, "id"))
}

// dispatchChat handles POST /v1/chat/completions, optionally through a
// custom endpoint preset. Routing, caching, rate limiting, and accounting
// all live in the gateway service; this handler parses, delegates, and
// writes either a JSON envelope or an SSE stream.
func (s *Server) dispatchChat(ctx *fasthttp.RequestCtx, endpointID string) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	streaming := false

	defer func() {
		if s.metrics == nil || streaming {
			return // streams are finalised by the SSE writer
		}
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start),
			reqBytes, len(ctx.Response.Body()))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	owner := ownerOf(ctx)

	var req upstream.ModelRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err))
		return
	}

	attrs := []any{
		slog.String("request_id", reqID),
		slog.String("owner", owner),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	}
	if endpointID != "" {
		attrs = append(attrs, slog.String("endpoint_id", endpointID))
	}
	slog.InfoContext(ctx, "request", attrs...)

	callCtx := gateway.WithRequestID(ctx, reqID)

	if req.Stream {
		st, err := s.gateway.ChatStream(callCtx, owner, &req, endpointID)
		if err != nil {
			apierr.WriteError(ctx, err)
			return
		}
		streaming = true
		s.writeSSE(ctx, st, route, reqBytes, start)
		return
	}

	resp, err := s.gateway.ChatComplete(callCtx, owner, &req, endpointID)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, resp)
}

// SSE chunk framing, OpenAI chat.completion.chunk shape. FinishReason is a
// pointer so intermediate chunks serialize it as null.
type (
	chunkDelta struct {
		Content string `json:"content,omitempty"`
	}
	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}
	chunkFrame struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}
)

// writeSSE relays stream chunks as Server-Sent Events and terminates with
// the [DONE] sentinel. HTTP metrics for streams are recorded here, once the
// stream drains, so duration covers the whole relay.
func (s *Server) writeSSE(ctx *fasthttp.RequestCtx, st *gateway.Stream, route string, reqBytes int, start time.Time) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		for chunk := range st.Chunks {
			frame := chunkFrame{
				ID:      st.ID,
				Object:  "chat.completion.chunk",
				Created: st.Created,
				Model:   st.Model,
				Choices: []chunkChoice{{Delta: chunkDelta{Content: chunk.Content}}},
			}
			if chunk.FinishReason != "" {
				fr := chunk.FinishReason
				frame.Choices[0].FinishReason = &fr
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start), reqBytes, -1)
		}
	})
}

// Model listing, OpenAI list shape with pricing and feature extensions.
type (
	modelEntry struct {
		ID              string           `json:"id"`
		Object          string           `json:"object"`
		OwnedBy         string           `json:"owned_by"`
		Name            string           `json:"name"`
		ContextWindow   int              `json:"context_window"`
		MaxOutputTokens int              `json:"max_output_tokens"`
		Pricing         modelPricing     `json:"pricing"`
		Features        catalog.Features `json:"features"`
		Fallbacks       []string         `json:"fallbacks,omitempty"`
	}
	modelPricing struct {
		// USD per 1e6 tokens.
		Input  float64 `json:"input"`
		Output float64 `json:"output"`
	}
	modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
)

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	infos := s.catalog.List()
	data := make([]modelEntry, len(infos))
	for i, m := range infos {
		data[i] = modelEntry{
			ID:              m.ID,
			Object:          "model",
			OwnedBy:         m.Provider,
			Name:            m.Name,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxOutputTokens,
			Pricing:         modelPricing{Input: m.InputPrice, Output: m.OutputPrice},
			Features:        m.Features,
			Fallbacks:       s.catalog.Fallbacks(m.ID),
		}
	}
	writeJSON(ctx, modelList{Object: "list", Data: data})
}
